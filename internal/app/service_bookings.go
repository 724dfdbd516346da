package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"beacon/api/internal/store"
	"beacon/api/internal/util"
)

var bookingStatuses = map[string]bool{
	"scheduled": true,
	"completed": true,
	"canceled":  true,
	"no_show":   true,
}

// BookingWebhookInput is the payload the external scheduler posts. Bookings
// are keyed by the scheduler's ref, so replays and status updates land on
// the same row.
type BookingWebhookInput struct {
	BusinessSlug  string    `json:"businessSlug"`
	Ref           string    `json:"ref"`
	Status        string    `json:"status"`
	CustomerName  string    `json:"customerName"`
	CustomerEmail string    `json:"customerEmail"`
	CustomerPhone string    `json:"customerPhone"`
	Service       string    `json:"service"`
	ScheduledAt   time.Time `json:"scheduledAt"`
}

// HandleBookingWebhook upserts the booking and, on the first transition to
// completed, starts the review request and any booking follow-up sequences.
// Replays of the same completed event do not fire twice.
func (s *Service) HandleBookingWebhook(ctx context.Context, input BookingWebhookInput) (map[string]any, error) {
	if strings.TrimSpace(input.BusinessSlug) == "" || strings.TrimSpace(input.Ref) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "businessSlug and ref are required", nil)
	}
	status := input.Status
	if status == "" {
		status = "scheduled"
	}
	if !bookingStatuses[status] {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown booking status", map[string]string{"status": status})
	}

	business, err := s.store.GetBusinessBySlug(ctx, input.BusinessSlug)
	if err != nil {
		return nil, err
	}

	scheduledAt := input.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = s.now()
	}
	booking, completedNow, err := s.store.UpsertBookingByRef(ctx, store.Booking{
		ID:            util.NewID("bkg"),
		BusinessID:    business.ID,
		ExternalRef:   input.Ref,
		CustomerName:  strings.TrimSpace(input.CustomerName),
		CustomerEmail: strings.TrimSpace(input.CustomerEmail),
		CustomerPhone: strings.TrimSpace(input.CustomerPhone),
		Service:       strings.TrimSpace(input.Service),
		ScheduledAt:   scheduledAt,
		Status:        status,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert booking: %w", err)
	}

	if completedNow {
		s.maybeRequestReview(ctx, business, booking)
		s.triggerSequences(ctx, business, "booking_completed", booking.ID, sequenceContact{
			Name:    booking.CustomerName,
			Email:   booking.CustomerEmail,
			Phone:   booking.CustomerPhone,
			Service: booking.Service,
		})
	}

	return map[string]any{"ok": true, "bookingId": booking.ID, "status": booking.Status}, nil
}

// ListBookings returns recent bookings, newest first.
func (s *Service) ListBookings(ctx context.Context, session Session, limit int) ([]map[string]any, error) {
	bookings, err := s.store.ListBookings(ctx, session.BusinessID, limit)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	payload := make([]map[string]any, 0, len(bookings))
	for _, booking := range bookings {
		payload = append(payload, bookingPayload(booking))
	}
	return payload, nil
}

// GetBookingDetail returns one booking scoped to the caller's business.
func (s *Service) GetBookingDetail(ctx context.Context, session Session, bookingID string) (map[string]any, error) {
	booking, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.BusinessID != session.BusinessID {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "booking not found", nil)
	}
	return bookingPayload(booking), nil
}

func bookingPayload(booking store.Booking) map[string]any {
	return map[string]any{
		"id":            booking.ID,
		"externalRef":   booking.ExternalRef,
		"customerName":  booking.CustomerName,
		"customerEmail": booking.CustomerEmail,
		"customerPhone": booking.CustomerPhone,
		"service":       booking.Service,
		"scheduledAt":   booking.ScheduledAt,
		"status":        booking.Status,
		"createdAt":     booking.CreatedAt,
		"updatedAt":     booking.UpdatedAt,
	}
}
