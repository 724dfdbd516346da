package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"beacon/api/internal/email"
	"beacon/api/internal/outbox"
	"beacon/api/internal/store"
	"beacon/api/internal/util"
)

const defaultReviewTemplate = "Hi {{name}}, thanks for choosing {{business}}! Would you leave us a quick review? {{link}}"

type ReviewSettingsInput struct {
	Enabled      *bool   `json:"enabled"`
	Channel      *string `json:"channel"`
	DelayMinutes *int    `json:"delayMinutes"`
	ThrottleDays *int    `json:"throttleDays"`
	Template     *string `json:"template"`
}

type SendReviewRequestInput struct {
	BookingID    string `json:"bookingId"`
	CustomerName string `json:"customerName"`
	Channel      string `json:"channel"`
	Recipient    string `json:"recipient"`
}

// GetReviewSettings returns the business's review automation settings,
// defaults included when nothing was saved yet.
func (s *Service) GetReviewSettings(ctx context.Context, session Session) (map[string]any, error) {
	settings, err := s.store.GetReviewSettings(ctx, session.BusinessID)
	if err != nil {
		return nil, fmt.Errorf("get review settings: %w", err)
	}
	return reviewSettingsPayload(settings), nil
}

// UpdateReviewSettings applies a partial settings update.
func (s *Service) UpdateReviewSettings(ctx context.Context, session Session, input ReviewSettingsInput) (map[string]any, error) {
	settings, err := s.store.GetReviewSettings(ctx, session.BusinessID)
	if err != nil {
		return nil, fmt.Errorf("get review settings: %w", err)
	}
	settings.BusinessID = session.BusinessID

	if input.Enabled != nil {
		settings.Enabled = *input.Enabled
	}
	if input.Channel != nil {
		if *input.Channel != "sms" && *input.Channel != "email" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "channel must be sms or email", map[string]string{"channel": *input.Channel})
		}
		settings.Channel = *input.Channel
	}
	if input.DelayMinutes != nil {
		if *input.DelayMinutes < 0 || *input.DelayMinutes > 7*24*60 {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "delayMinutes must be between 0 and one week", nil)
		}
		settings.DelayMinutes = *input.DelayMinutes
	}
	if input.ThrottleDays != nil {
		if *input.ThrottleDays < 0 || *input.ThrottleDays > 365 {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "throttleDays must be between 0 and 365", nil)
		}
		settings.ThrottleDays = *input.ThrottleDays
	}
	if input.Template != nil {
		tmpl := strings.TrimSpace(*input.Template)
		if tmpl != "" && !strings.Contains(tmpl, "{{link}}") {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "template must include the {{link}} placeholder", nil)
		}
		if len(tmpl) > 500 {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "template must be at most 500 characters", nil)
		}
		settings.Template = tmpl
	}

	if err := s.store.SaveReviewSettings(ctx, settings); err != nil {
		return nil, fmt.Errorf("save review settings: %w", err)
	}
	return reviewSettingsPayload(settings), nil
}

// maybeRequestReview is the automation path, called when a booking first
// completes. Every skip is logged so "why did no request go out" is
// answerable from the logs.
func (s *Service) maybeRequestReview(ctx context.Context, business store.Business, booking store.Booking) {
	settings, err := s.store.GetReviewSettings(ctx, business.ID)
	if err != nil {
		log.Printf("reviews: load settings for %s: %v", business.ID, err)
		return
	}
	if !settings.Enabled {
		return
	}
	if business.ReviewURL == "" {
		log.Printf("reviews: skip booking %s: no review link configured", booking.ID)
		return
	}
	recipient := booking.CustomerEmail
	if settings.Channel == "sms" {
		recipient = booking.CustomerPhone
	}
	if recipient == "" {
		log.Printf("reviews: skip booking %s: no %s contact", booking.ID, settings.Channel)
		return
	}
	if settings.ThrottleDays > 0 {
		since := s.now().AddDate(0, 0, -settings.ThrottleDays)
		recent, err := s.store.HasRecentReviewRequest(ctx, business.ID, recipient, since)
		if err != nil {
			log.Printf("reviews: throttle check for booking %s: %v", booking.ID, err)
			return
		}
		if recent {
			log.Printf("reviews: skip booking %s: %s was asked within %d days", booking.ID, recipient, settings.ThrottleDays)
			return
		}
	}

	nextAt := s.now().Add(time.Duration(settings.DelayMinutes) * time.Minute)
	dedupe := "review_request:" + booking.ID
	if _, err := s.createReviewRequest(ctx, business, settings, reviewDelivery{
		BookingID:    &booking.ID,
		CustomerName: booking.CustomerName,
		Channel:      settings.Channel,
		Recipient:    recipient,
		NextAt:       nextAt,
		DedupeKey:    &dedupe,
	}); err != nil {
		log.Printf("reviews: request for booking %s: %v", booking.ID, err)
	}
}

// SendReviewRequest sends one manually, either off a booking or to a typed-in
// contact. Manual sends skip the delay and the throttle.
func (s *Service) SendReviewRequest(ctx context.Context, session Session, input SendReviewRequestInput) (map[string]any, error) {
	business, err := s.store.GetBusiness(ctx, session.BusinessID)
	if err != nil {
		return nil, fmt.Errorf("get business: %w", err)
	}
	if business.ReviewURL == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "NO_REVIEW_LINK", "set the business review link before sending requests", nil)
	}
	settings, err := s.store.GetReviewSettings(ctx, session.BusinessID)
	if err != nil {
		return nil, fmt.Errorf("get review settings: %w", err)
	}

	delivery := reviewDelivery{NextAt: s.now()}
	if input.BookingID != "" {
		booking, err := s.store.GetBooking(ctx, input.BookingID)
		if err != nil {
			return nil, err
		}
		if booking.BusinessID != session.BusinessID {
			return nil, sql.ErrNoRows
		}
		delivery.BookingID = &booking.ID
		delivery.CustomerName = booking.CustomerName
		delivery.Channel = settings.Channel
		delivery.Recipient = booking.CustomerEmail
		if settings.Channel == "sms" {
			delivery.Recipient = booking.CustomerPhone
		}
		if delivery.Recipient == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "NO_CONTACT", fmt.Sprintf("booking has no %s contact", settings.Channel), nil)
		}
	} else {
		if input.Channel != "sms" && input.Channel != "email" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "channel must be sms or email", map[string]string{"channel": input.Channel})
		}
		if strings.TrimSpace(input.Recipient) == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "recipient is required", nil)
		}
		delivery.CustomerName = strings.TrimSpace(input.CustomerName)
		delivery.Channel = input.Channel
		delivery.Recipient = strings.TrimSpace(input.Recipient)
	}

	request, err := s.createReviewRequest(ctx, business, settings, delivery)
	if err != nil {
		return nil, err
	}
	return reviewRequestPayload(request), nil
}

// reviewDelivery carries everything createReviewRequest needs to build the
// request row and its outbox message.
type reviewDelivery struct {
	BookingID    *string
	CustomerName string
	Channel      string
	Recipient    string
	NextAt       time.Time
	DedupeKey    *string
}

func (s *Service) createReviewRequest(ctx context.Context, business store.Business, settings store.ReviewSettings, delivery reviewDelivery) (store.ReviewRequest, error) {
	token := util.NewID("rvt")
	link := fmt.Sprintf("%s/r/%s", s.cfg.PublicBaseURL, token)
	message := renderReviewMessage(settings.Template, delivery.CustomerName, business.Name, link)

	nextAt := delivery.NextAt
	subject := ""
	body := message
	if delivery.Channel == "sms" {
		nextAt = outbox.NextAllowedTime(nextAt, business.Timezone, business.QuietStartMinute, business.QuietEndMinute)
	} else {
		renderedSubject, html, err := email.RenderReviewRequest(business.Name, message, link)
		if err != nil {
			return store.ReviewRequest{}, fmt.Errorf("render review email: %w", err)
		}
		subject = renderedSubject
		body = html
	}

	messageID := util.NewID("msg")
	request := store.ReviewRequest{
		ID:              util.NewID("rvq"),
		BusinessID:      business.ID,
		BookingID:       delivery.BookingID,
		CustomerName:    delivery.CustomerName,
		Channel:         delivery.Channel,
		Recipient:       delivery.Recipient,
		Token:           token,
		Status:          "pending",
		OutboxMessageID: &messageID,
	}
	if err := s.store.InsertReviewRequest(ctx, request); err != nil {
		return store.ReviewRequest{}, fmt.Errorf("insert review request: %w", err)
	}

	enqueued, err := s.store.EnqueueMessage(ctx, store.OutboxMessage{
		ID:            messageID,
		BusinessID:    business.ID,
		Channel:       delivery.Channel,
		Recipient:     delivery.Recipient,
		Subject:       subject,
		Body:          body,
		Kind:          "review_request",
		SourceID:      request.ID,
		DedupeKey:     delivery.DedupeKey,
		NextAttemptAt: nextAt,
	})
	if err != nil {
		return store.ReviewRequest{}, fmt.Errorf("enqueue review message: %w", err)
	}
	if !enqueued {
		// A message for this dedupe key already exists, so this request row
		// is a duplicate and must not linger as pending.
		if err := s.store.UpdateReviewRequestStatus(ctx, request.ID, "canceled"); err != nil {
			log.Printf("reviews: cancel duplicate request %s: %v", request.ID, err)
		}
		return store.ReviewRequest{}, domainError(http.StatusConflict, "ALREADY_REQUESTED", "a review request for this booking already exists", nil)
	}
	return request, nil
}

// ListReviewRequests returns review requests, optionally filtered by status.
func (s *Service) ListReviewRequests(ctx context.Context, session Session, status string, limit int) ([]map[string]any, error) {
	if status != "" && !reviewRequestStatuses[status] {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown status filter", map[string]string{"status": status})
	}
	requests, err := s.store.ListReviewRequests(ctx, session.BusinessID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list review requests: %w", err)
	}
	payload := make([]map[string]any, 0, len(requests))
	for _, request := range requests {
		payload = append(payload, reviewRequestPayload(request))
	}
	return payload, nil
}

var reviewRequestStatuses = map[string]bool{
	"pending":  true,
	"sent":     true,
	"failed":   true,
	"clicked":  true,
	"canceled": true,
}

// CancelReviewRequest cancels a pending request and its queued message.
func (s *Service) CancelReviewRequest(ctx context.Context, session Session, requestID string) (map[string]any, error) {
	request, err := s.store.GetReviewRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.BusinessID != session.BusinessID {
		return nil, sql.ErrNoRows
	}
	if request.Status != "pending" {
		return nil, domainError(http.StatusConflict, "NOT_PENDING", "only pending review requests can be canceled", map[string]string{"status": request.Status})
	}
	if request.OutboxMessageID != nil {
		canceled, err := s.store.CancelMessage(ctx, *request.OutboxMessageID)
		if err != nil {
			return nil, fmt.Errorf("cancel review message: %w", err)
		}
		if !canceled {
			return nil, domainError(http.StatusConflict, "DELIVERY_STARTED", "the message is already being delivered", nil)
		}
	}
	if err := s.store.UpdateReviewRequestStatus(ctx, request.ID, "canceled"); err != nil {
		return nil, fmt.Errorf("cancel review request: %w", err)
	}
	request.Status = "canceled"
	return reviewRequestPayload(request), nil
}

// HandleReviewClick resolves a review token to the business's review link
// and records the first click.
func (s *Service) HandleReviewClick(ctx context.Context, token string) (string, error) {
	request, err := s.store.GetReviewRequestByToken(ctx, token)
	if err != nil {
		return "", err
	}
	if err := s.store.MarkReviewRequestClicked(ctx, request.ID); err != nil {
		log.Printf("reviews: mark clicked %s: %v", request.ID, err)
	}
	business, err := s.store.GetBusiness(ctx, request.BusinessID)
	if err != nil {
		return "", fmt.Errorf("get business: %w", err)
	}
	if business.ReviewURL == "" {
		return "", sql.ErrNoRows
	}
	return business.ReviewURL, nil
}

// renderReviewMessage fills the message template. Unknown placeholders pass
// through untouched.
func renderReviewMessage(template, customerName, businessName, link string) string {
	if strings.TrimSpace(template) == "" {
		template = defaultReviewTemplate
	}
	name := customerName
	if strings.TrimSpace(name) == "" {
		name = "there"
	}
	replacer := strings.NewReplacer(
		"{{name}}", name,
		"{{business}}", businessName,
		"{{link}}", link,
	)
	return replacer.Replace(template)
}

func reviewSettingsPayload(settings store.ReviewSettings) map[string]any {
	template := settings.Template
	if template == "" {
		template = defaultReviewTemplate
	}
	return map[string]any{
		"enabled":      settings.Enabled,
		"channel":      settings.Channel,
		"delayMinutes": settings.DelayMinutes,
		"throttleDays": settings.ThrottleDays,
		"template":     template,
	}
}

func reviewRequestPayload(request store.ReviewRequest) map[string]any {
	return map[string]any{
		"id":           request.ID,
		"bookingId":    request.BookingID,
		"customerName": request.CustomerName,
		"channel":      request.Channel,
		"recipient":    request.Recipient,
		"status":       request.Status,
		"sentAt":       request.SentAt,
		"clickedAt":    request.ClickedAt,
		"createdAt":    request.CreatedAt,
	}
}
