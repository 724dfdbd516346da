package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"beacon/api/internal/store"
)

var outboxStatuses = map[string]bool{
	"pending":  true,
	"leased":   true,
	"sent":     true,
	"dead":     true,
	"canceled": true,
}

// ListOutboxMessages returns the business's outbox, optionally filtered by
// status, newest first.
func (s *Service) ListOutboxMessages(ctx context.Context, session Session, status string, limit int) ([]map[string]any, error) {
	if status != "" && !outboxStatuses[status] {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown status filter", map[string]string{"status": status})
	}
	messages, err := s.store.ListMessages(ctx, session.BusinessID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list outbox messages: %w", err)
	}
	payload := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		payload = append(payload, outboxMessagePayload(message))
	}
	return payload, nil
}

// GetOutboxStats returns per-status counts plus how many messages are due
// right now.
func (s *Service) GetOutboxStats(ctx context.Context, session Session) (map[string]any, error) {
	stats, err := s.store.OutboxCounts(ctx, session.BusinessID)
	if err != nil {
		return nil, fmt.Errorf("outbox counts: %w", err)
	}
	return map[string]any{
		"pending":  stats.Pending,
		"leased":   stats.Leased,
		"sent":     stats.Sent,
		"dead":     stats.Dead,
		"canceled": stats.Canceled,
		"dueNow":   stats.DueNow,
	}, nil
}

// CancelOutboxMessage cancels a message that has not been picked up yet.
func (s *Service) CancelOutboxMessage(ctx context.Context, session Session, messageID string) (map[string]any, error) {
	message, err := s.outboxMessageScoped(ctx, session, messageID)
	if err != nil {
		return nil, err
	}
	canceled, err := s.store.CancelMessage(ctx, message.ID)
	if err != nil {
		return nil, fmt.Errorf("cancel message: %w", err)
	}
	if !canceled {
		return nil, domainError(http.StatusConflict, "NOT_PENDING", "only pending messages can be canceled", map[string]string{"status": message.Status})
	}
	message.Status = "canceled"
	return outboxMessagePayload(message), nil
}

// RequeueOutboxMessage puts a dead message back in line with a fresh attempt
// budget.
func (s *Service) RequeueOutboxMessage(ctx context.Context, session Session, messageID string) (map[string]any, error) {
	message, err := s.outboxMessageScoped(ctx, session, messageID)
	if err != nil {
		return nil, err
	}
	requeued, err := s.store.RequeueMessage(ctx, message.ID)
	if err != nil {
		return nil, fmt.Errorf("requeue message: %w", err)
	}
	if !requeued {
		return nil, domainError(http.StatusConflict, "NOT_DEAD", "only dead messages can be requeued", map[string]string{"status": message.Status})
	}
	message.Status = "pending"
	message.AttemptCount = 0
	return outboxMessagePayload(message), nil
}

func (s *Service) outboxMessageScoped(ctx context.Context, session Session, messageID string) (store.OutboxMessage, error) {
	message, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return store.OutboxMessage{}, err
	}
	if message.BusinessID != session.BusinessID {
		return store.OutboxMessage{}, sql.ErrNoRows
	}
	return message, nil
}

func outboxMessagePayload(message store.OutboxMessage) map[string]any {
	return map[string]any{
		"id":                message.ID,
		"channel":           message.Channel,
		"recipient":         message.Recipient,
		"subject":           message.Subject,
		"kind":              message.Kind,
		"sourceId":          message.SourceID,
		"status":            message.Status,
		"attemptCount":      message.AttemptCount,
		"nextAttemptAt":     message.NextAttemptAt,
		"lastError":         message.LastError,
		"providerMessageId": message.ProviderMessageID,
		"sentAt":            message.SentAt,
		"createdAt":         message.CreatedAt,
	}
}
