// Package snapshot captures PNG thumbnails of public funnel pages with
// headless Chrome.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// ErrDependencyMissing means no chromium binary is installed.
var ErrDependencyMissing = errors.New("snapshot dependency missing")

// ErrDisabled means snapshot capture is turned off by configuration.
var ErrDisabled = errors.New("snapshots disabled")

const captureTimeout = 30 * time.Second

// Service captures page screenshots. A disabled service fails fast so
// callers can surface a clear error.
type Service struct {
	enabled bool
}

func New(enabled bool) *Service {
	return &Service{enabled: enabled}
}

// Enabled reports whether capture is configured on.
func (s *Service) Enabled() bool {
	return s.enabled
}

// Capture renders url in headless Chrome and returns a full-page PNG.
func (s *Service) Capture(ctx context.Context, url string) ([]byte, error) {
	if !s.enabled {
		return nil, ErrDisabled
	}
	if _, err := exec.LookPath("chromium-browser"); err != nil {
		if _, fallbackErr := exec.LookPath("chromium"); fallbackErr != nil {
			return nil, fmt.Errorf("%w: chromium not installed", ErrDependencyMissing)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, captureTimeout)
	defer cancel()

	// Chrome options for headless mode in container
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
	)

	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	defer cancel()

	taskCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	var pngData []byte
	err := chromedp.Run(taskCtx,
		chromedp.EmulateViewport(1280, 800),
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pngData, err = page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatPng).
				WithCaptureBeyondViewport(true).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("chrome screenshot failed: %w", err)
	}

	return pngData, nil
}
