// Package email provides outbound email via SMTP or the SendGrid API, plus
// the HTML templates for every email the portal sends.
package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

const appName = "Beacon"

// ProviderError is a delivery failure reported by the mail provider.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("mail provider: %s (status %d)", e.Message, e.StatusCode)
}

// Retryable reports whether a later attempt could plausibly succeed.
func (e *ProviderError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// ErrNotConfigured fails a message permanently instead of retrying a
// provider that will never exist.
var ErrNotConfigured = &ProviderError{StatusCode: 412, Message: "email not configured"}

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// Service sends email over SMTP
type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

// NewService creates a new SMTP email service
func NewService(config Config) *Service {
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   smtp.PlainAuth("", config.Username, config.Password, config.Host),
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendOutbound delivers one HTML email. SMTP has no delivery receipt, so the
// provider message ID is always empty.
func (s *Service) SendOutbound(ctx context.Context, to, subject, htmlBody string) (string, error) {
	if !s.IsConfigured() {
		return "", ErrNotConfigured
	}
	if err := s.SendHTMLEmail([]string{to}, subject, htmlBody); err != nil {
		return "", err
	}
	return "", nil
}

// SendHTMLEmail sends an HTML email with a plain text fallback part
func (s *Service) SendHTMLEmail(to []string, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-beacon"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Please view this email in an HTML-capable email client.\r\n")
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// VerificationData holds data for the account verification email
type VerificationData struct {
	AppName         string
	UserName        string
	VerificationURL string
}

// PasswordResetData holds data for the password reset email
type PasswordResetData struct {
	AppName  string
	UserName string
	ResetURL string
}

// FieldValue is one answered form field in a notification email
type FieldValue struct {
	Label string
	Value string
}

// FormNotificationData holds data for the new-submission email
type FormNotificationData struct {
	AppName      string
	BusinessName string
	FormName     string
	Fields       []FieldValue
}

// ReviewRequestData holds data for a review request sent by email
type ReviewRequestData struct {
	AppName      string
	BusinessName string
	Message      string
	ReviewURL    string
}

// FollowUpData holds data for a follow-up step sent by email
type FollowUpData struct {
	AppName      string
	BusinessName string
	Body         string
}

// RenderVerification builds the subject and body of an account verification
// email.
func RenderVerification(userName, verificationURL string) (string, string, error) {
	html, err := renderTemplate(verificationEmailTemplate, VerificationData{
		AppName:         appName,
		UserName:        userName,
		VerificationURL: verificationURL,
	})
	if err != nil {
		return "", "", fmt.Errorf("render verification template: %w", err)
	}
	return "Verify your Beacon account", html, nil
}

// RenderPasswordReset builds the subject and body of a password reset email.
func RenderPasswordReset(userName, resetURL string) (string, string, error) {
	html, err := renderTemplate(passwordResetEmailTemplate, PasswordResetData{
		AppName:  appName,
		UserName: userName,
		ResetURL: resetURL,
	})
	if err != nil {
		return "", "", fmt.Errorf("render password reset template: %w", err)
	}
	return "Reset your Beacon password", html, nil
}

// RenderFormNotification builds the subject and body of the email a business
// gets when one of its forms is submitted.
func RenderFormNotification(businessName, formName string, fields []FieldValue) (string, string, error) {
	html, err := renderTemplate(formNotificationEmailTemplate, FormNotificationData{
		AppName:      appName,
		BusinessName: businessName,
		FormName:     formName,
		Fields:       fields,
	})
	if err != nil {
		return "", "", fmt.Errorf("render form notification template: %w", err)
	}
	return fmt.Sprintf("New submission: %s", formName), html, nil
}

// RenderReviewRequest builds the subject and body of a review request email.
// The message is the business's template with placeholders already filled in.
func RenderReviewRequest(businessName, message, reviewURL string) (string, string, error) {
	html, err := renderTemplate(reviewRequestEmailTemplate, ReviewRequestData{
		AppName:      appName,
		BusinessName: businessName,
		Message:      message,
		ReviewURL:    reviewURL,
	})
	if err != nil {
		return "", "", fmt.Errorf("render review request template: %w", err)
	}
	return fmt.Sprintf("How was your visit to %s?", businessName), html, nil
}

// RenderFollowUp wraps a follow-up step's text in the standard email frame.
func RenderFollowUp(businessName, body string) (string, error) {
	html, err := renderTemplate(followUpEmailTemplate, FollowUpData{
		AppName:      appName,
		BusinessName: businessName,
		Body:         body,
	})
	if err != nil {
		return "", fmt.Errorf("render follow-up template: %w", err)
	}
	return html, nil
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const emailStyles = `
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #0066cc; }
        .body-text { white-space: pre-line; }
        table.fields { border-collapse: collapse; width: 100%; }
        table.fields td { border: 1px solid #eee; padding: 8px; }
        table.fields td.label { color: #666; width: 35%; }
`

const verificationEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Verify your {{.AppName}} account</title>
    <style>` + emailStyles + `</style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Welcome, {{.UserName}}!</h2>

    <p>Your {{.AppName}} portal account is almost ready. Please verify your email address to activate it.</p>

    <p>
        <a href="{{.VerificationURL}}" class="button">Verify Email Address</a>
    </p>

    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.VerificationURL}}</p>

    <p>This verification link will expire in 24 hours.</p>

    <div class="footer">
        <p>If you weren't expecting an invitation to {{.AppName}}, you can safely ignore this email.</p>
    </div>
</body>
</html>`

const passwordResetEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Reset your {{.AppName}} password</title>
    <style>` + emailStyles + `</style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Password Reset Request</h2>

    <p>Hi {{.UserName}},</p>

    <p>We received a request to reset your password. Click the button below to create a new password:</p>

    <p>
        <a href="{{.ResetURL}}" class="button">Reset Password</a>
    </p>

    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.ResetURL}}</p>

    <p>This reset link will expire in 1 hour.</p>

    <div class="footer">
        <p>If you didn't request a password reset, you can safely ignore this email. Your password will remain unchanged.</p>
    </div>
</body>
</html>`

const formNotificationEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>New submission: {{.FormName}}</title>
    <style>` + emailStyles + `</style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>New submission for {{.BusinessName}}</h2>

    <p>Someone just submitted the form <strong>{{.FormName}}</strong>:</p>

    <table class="fields">
        {{range .Fields}}<tr><td class="label">{{.Label}}</td><td>{{.Value}}</td></tr>
        {{end}}
    </table>

    <div class="footer">
        <p>You are receiving this because form notifications are enabled for {{.BusinessName}}.</p>
    </div>
</body>
</html>`

const reviewRequestEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>How was your visit to {{.BusinessName}}?</title>
    <style>` + emailStyles + `</style>
</head>
<body>
    <div class="header">
        <h1>{{.BusinessName}}</h1>
    </div>

    <p class="body-text">{{.Message}}</p>

    <p>
        <a href="{{.ReviewURL}}" class="button">Leave a Review</a>
    </p>

    <div class="footer">
        <p>Sent on behalf of {{.BusinessName}} via {{.AppName}}.</p>
    </div>
</body>
</html>`

const followUpEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>A note from {{.BusinessName}}</title>
    <style>` + emailStyles + `</style>
</head>
<body>
    <div class="header">
        <h1>{{.BusinessName}}</h1>
    </div>

    <p class="body-text">{{.Body}}</p>

    <div class="footer">
        <p>Sent on behalf of {{.BusinessName}} via {{.AppName}}.</p>
    </div>
</body>
</html>`
