// Package outbox delivers queued messages. A dispatcher leases due rows from
// the shared outbox table, hands each to its channel's provider once, and
// records the outcome. Leases make concurrent dispatchers safe: a row is
// only ever delivered by the worker holding its unexpired lease.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"beacon/api/internal/store"
)

// messageStore is the slice of the database the dispatcher needs.
type messageStore interface {
	LeaseDueMessages(ctx context.Context, owner string, batchSize int, leaseTTL time.Duration) ([]store.LeasedMessage, error)
	MarkMessageSent(ctx context.Context, messageID, owner, providerMessageID string) error
	MarkMessageRetry(ctx context.Context, messageID, owner string, nextAttempt time.Time, lastError string) error
	DeferMessage(ctx context.Context, messageID, owner string, nextAttempt time.Time) error
	MarkMessageDead(ctx context.Context, messageID, owner, lastError string) error
}

// Mailer delivers one email and returns the provider's message ID.
type Mailer interface {
	SendOutbound(ctx context.Context, to, subject, htmlBody string) (string, error)
}

// Texter delivers one SMS and returns the provider's message SID.
type Texter interface {
	SendMessage(ctx context.Context, to, body string) (string, error)
}

// Config tunes the dispatcher loop.
type Config struct {
	Interval    time.Duration
	BatchSize   int
	LeaseTTL    time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Dispatcher drains the outbox on a fixed cadence.
type Dispatcher struct {
	store  messageStore
	mailer Mailer
	texter Texter
	cfg    Config
	owner  string
	now    func() time.Time
}

// NewDispatcher builds a dispatcher. mailer and texter may be nil; messages
// for a missing provider fail permanently.
func NewDispatcher(st messageStore, mailer Mailer, texter Texter, cfg Config) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 30 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Hour
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "beacon"
	}

	return &Dispatcher{
		store:  st,
		mailer: mailer,
		texter: texter,
		cfg:    cfg,
		owner:  fmt.Sprintf("%s-%d", host, os.Getpid()),
		now:    time.Now,
	}
}

// Owner identifies this dispatcher in lease rows.
func (d *Dispatcher) Owner() string {
	return d.owner
}

// Run drains the outbox until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	log.Printf("outbox: dispatcher %s started (interval %s, batch %d)", d.owner, d.cfg.Interval, d.cfg.BatchSize)
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("outbox: dispatcher %s stopped", d.owner)
			return
		case <-ticker.C:
			d.RunOnce(ctx)
		}
	}
}

// RunOnce claims one batch and delivers it sequentially. It returns the
// number of messages sent.
func (d *Dispatcher) RunOnce(ctx context.Context) int {
	leased, err := d.store.LeaseDueMessages(ctx, d.owner, d.cfg.BatchSize, d.cfg.LeaseTTL)
	if err != nil {
		log.Printf("outbox: lease batch failed: %v", err)
		return 0
	}

	sent := 0
	for _, lm := range leased {
		if ctx.Err() != nil {
			return sent
		}
		if d.deliver(ctx, lm) {
			sent++
		}
	}
	return sent
}

// deliver runs one attempt for a leased message and records its outcome.
func (d *Dispatcher) deliver(ctx context.Context, lm store.LeasedMessage) bool {
	msg := lm.Message
	now := d.now()

	// SMS never goes out during the business's quiet window. Enqueue already
	// schedules around it, but settings may have changed since.
	if msg.Channel == "sms" {
		if allowed := NextAllowedTime(now, lm.Timezone, lm.QuietStartMinute, lm.QuietEndMinute); allowed.After(now) {
			if err := d.store.DeferMessage(ctx, msg.ID, d.owner, allowed); err != nil && !errors.Is(err, store.ErrLeaseLost) {
				log.Printf("outbox: defer %s: %v", msg.ID, err)
			}
			return false
		}
	}

	providerID, sendErr := d.send(ctx, msg)
	if sendErr == nil {
		if err := d.store.MarkMessageSent(ctx, msg.ID, d.owner, providerID); err != nil {
			if errors.Is(err, store.ErrLeaseLost) {
				log.Printf("outbox: lease lost for %s before sent could be recorded", msg.ID)
				return false
			}
			log.Printf("outbox: mark sent %s: %v", msg.ID, err)
			return false
		}
		log.Printf("outbox: sent %s %s to %s (attempt %d)", msg.Channel, msg.ID, msg.Recipient, msg.AttemptCount)
		return true
	}

	if !retryable(sendErr) || msg.AttemptCount >= d.cfg.MaxAttempts {
		if err := d.store.MarkMessageDead(ctx, msg.ID, d.owner, sendErr.Error()); err != nil && !errors.Is(err, store.ErrLeaseLost) {
			log.Printf("outbox: mark dead %s: %v", msg.ID, err)
		}
		log.Printf("outbox: dead %s %s after attempt %d: %v", msg.Channel, msg.ID, msg.AttemptCount, sendErr)
		return false
	}

	next := now.Add(RetryBackoff(msg.AttemptCount, d.cfg.BaseBackoff, d.cfg.MaxBackoff))
	if msg.Channel == "sms" {
		next = NextAllowedTime(next, lm.Timezone, lm.QuietStartMinute, lm.QuietEndMinute)
	}
	if err := d.store.MarkMessageRetry(ctx, msg.ID, d.owner, next, sendErr.Error()); err != nil && !errors.Is(err, store.ErrLeaseLost) {
		log.Printf("outbox: mark retry %s: %v", msg.ID, err)
	}
	log.Printf("outbox: retry %s %s at %s (attempt %d): %v", msg.Channel, msg.ID, next.Format(time.RFC3339), msg.AttemptCount, sendErr)
	return false
}

func (d *Dispatcher) send(ctx context.Context, msg store.OutboxMessage) (string, error) {
	switch msg.Channel {
	case "email":
		if d.mailer == nil {
			return "", permanentError{"no email provider configured"}
		}
		return d.mailer.SendOutbound(ctx, msg.Recipient, msg.Subject, msg.Body)
	case "sms":
		if d.texter == nil {
			return "", permanentError{"no sms provider configured"}
		}
		return d.texter.SendMessage(ctx, msg.Recipient, msg.Body)
	default:
		return "", permanentError{fmt.Sprintf("unknown channel %q", msg.Channel)}
	}
}

// retryable asks the provider error whether another attempt could succeed.
// Errors that carry no verdict, network failures included, are retried.
func retryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

type permanentError struct {
	msg string
}

func (e permanentError) Error() string   { return e.msg }
func (e permanentError) Retryable() bool { return false }
