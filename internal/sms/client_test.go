package sms

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSendMessage(t *testing.T) {
	var gotPath, gotUser, gotPass, gotTo, gotFrom, gotBody string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotTo = r.PostForm.Get("To")
		gotFrom = r.PostForm.Get("From")
		gotBody = r.PostForm.Get("Body")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"SM123abc","status":"queued"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "AC000", "secret", "+15550001111")
	sid, err := c.SendMessage(context.Background(), "+15552223333", "How was your visit?")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	if sid != "SM123abc" {
		t.Errorf("sid = %q, want SM123abc", sid)
	}
	if gotPath != "/2010-04-01/Accounts/AC000/Messages.json" {
		t.Errorf("path = %q", gotPath)
	}
	if gotUser != "AC000" || gotPass != "secret" {
		t.Errorf("basic auth = %q/%q", gotUser, gotPass)
	}
	if gotTo != "+15552223333" || gotFrom != "+15550001111" {
		t.Errorf("to/from = %q/%q", gotTo, gotFrom)
	}
	if gotBody != "How was your visit?" {
		t.Errorf("body = %q", gotBody)
	}
}

func TestSendMessageErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCode  int
		retryable bool
	}{
		{
			name:      "invalid number is permanent",
			status:    http.StatusBadRequest,
			body:      `{"code":21211,"message":"The 'To' number is not a valid phone number.","status":400}`,
			wantCode:  21211,
			retryable: false,
		},
		{
			name:      "rate limited is retryable",
			status:    http.StatusTooManyRequests,
			body:      `{"code":20429,"message":"Too Many Requests","status":429}`,
			wantCode:  20429,
			retryable: true,
		},
		{
			name:      "server error is retryable",
			status:    http.StatusInternalServerError,
			body:      "",
			wantCode:  0,
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := New(srv.URL, "AC000", "secret", "+15550001111")
			_, err := c.SendMessage(context.Background(), "+1", "hi")
			if err == nil {
				t.Fatal("expected error")
			}
			var provErr *ProviderError
			if !errors.As(err, &provErr) {
				t.Fatalf("expected ProviderError, got %T", err)
			}
			if provErr.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", provErr.Code, tt.wantCode)
			}
			if provErr.Retryable() != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", provErr.Retryable(), tt.retryable)
			}
		})
	}
}

func TestSendMessageUnconfigured(t *testing.T) {
	c := New("", "", "", "")
	_, err := c.SendMessage(context.Background(), "+15552223333", "hi")
	if err == nil {
		t.Fatal("expected error from unconfigured client")
	}
	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProviderError, got %T", err)
	}
	if provErr.Retryable() {
		t.Error("unconfigured send should not be retryable")
	}
}
