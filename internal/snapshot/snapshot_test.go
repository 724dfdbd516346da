package snapshot

import (
	"context"
	"errors"
	"testing"
)

func TestCaptureDisabled(t *testing.T) {
	s := New(false)
	if s.Enabled() {
		t.Error("Enabled() = true for disabled service")
	}
	_, err := s.Capture(context.Background(), "https://example.com")
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Capture() error = %v, want ErrDisabled", err)
	}
}
