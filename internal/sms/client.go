// Package sms sends text messages through a Twilio-compatible REST API.
package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.twilio.com"

// ProviderError is a delivery failure reported by the SMS provider.
type ProviderError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("sms provider: %s (status %d, code %d)", e.Message, e.StatusCode, e.Code)
}

// Retryable reports whether a later attempt could plausibly succeed.
func (e *ProviderError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// ErrNotConfigured fails a message permanently instead of retrying a
// provider that will never exist.
var ErrNotConfigured = &ProviderError{StatusCode: 412, Message: "sms not configured"}

// Client calls the Twilio messages API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	accountSID string
	authToken  string
	from       string
}

// New creates an SMS client. baseURL may be empty to use the public Twilio
// endpoint.
func New(baseURL, accountSID, authToken, from string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    baseURL,
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
	}
}

// IsConfigured returns true if the client has credentials and a sender number
func (c *Client) IsConfigured() bool {
	return c.accountSID != "" && c.authToken != "" && c.from != ""
}

type messageResponse struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    int    `json:"code"`
	ErrorMessage string `json:"message"`
}

// SendMessage sends one SMS and returns the provider's message SID.
func (c *Client) SendMessage(ctx context.Context, to, body string) (string, error) {
	if !c.IsConfigured() {
		return "", ErrNotConfigured
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.from)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.baseURL, c.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build sms request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send sms: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("read sms response: %w", err)
	}

	var decoded messageResponse
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return "", fmt.Errorf("decode sms response: %w", err)
		}
		return decoded.SID, nil
	}

	message := resp.Status
	code := 0
	if err := json.Unmarshal(raw, &decoded); err == nil && decoded.ErrorMessage != "" {
		message = decoded.ErrorMessage
		code = decoded.ErrorCode
	}
	return "", &ProviderError{StatusCode: resp.StatusCode, Code: code, Message: message}
}
