package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultSendGridBaseURL = "https://api.sendgrid.com"

// SendGrid sends email through the SendGrid v3 mail send API.
type SendGrid struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	from       string
	fromName   string
}

// NewSendGrid creates a SendGrid client. baseURL may be empty to use the
// public API endpoint.
func NewSendGrid(baseURL, apiKey, from, fromName string) *SendGrid {
	if baseURL == "" {
		baseURL = defaultSendGridBaseURL
	}
	return &SendGrid{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		from:       from,
		fromName:   fromName,
	}
}

// IsConfigured returns true if the client has credentials and a sender
func (c *SendGrid) IsConfigured() bool {
	return c.apiKey != "" && c.from != ""
}

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridPersonalization struct {
	To []sendGridAddress `json:"to"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendGridRequest struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
}

type sendGridErrorResponse struct {
	Errors []struct {
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"errors"`
}

// SendOutbound delivers one HTML email and returns the provider's message ID.
func (c *SendGrid) SendOutbound(ctx context.Context, to, subject, htmlBody string) (string, error) {
	if !c.IsConfigured() {
		return "", ErrNotConfigured
	}

	payload := sendGridRequest{
		Personalizations: []sendGridPersonalization{
			{To: []sendGridAddress{{Email: to}}},
		},
		From:    sendGridAddress{Email: c.from, Name: c.fromName},
		Subject: subject,
		Content: []sendGridContent{
			{Type: "text/html", Value: htmlBody},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal sendgrid request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build sendgrid request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return resp.Header.Get("X-Message-Id"), nil
	}

	message := resp.Status
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if readErr == nil {
		var errResp sendGridErrorResponse
		if err := json.Unmarshal(raw, &errResp); err == nil && len(errResp.Errors) > 0 {
			message = errResp.Errors[0].Message
		}
	}
	return "", &ProviderError{StatusCode: resp.StatusCode, Message: message}
}
