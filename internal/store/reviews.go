package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetReviewSettings returns the stored settings for a business, or the
// defaults when the business has never saved any.
func (s *PostgresStore) GetReviewSettings(ctx context.Context, businessID string) (ReviewSettings, error) {
	var item ReviewSettings
	err := s.db.QueryRowContext(ctx, `
		SELECT business_id, enabled, channel, delay_minutes, throttle_days, template, updated_at
		FROM review_settings
		WHERE business_id=$1
	`, businessID).Scan(&item.BusinessID, &item.Enabled, &item.Channel, &item.DelayMinutes, &item.ThrottleDays, &item.Template, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ReviewSettings{
			BusinessID:   businessID,
			Enabled:      false,
			Channel:      "sms",
			DelayMinutes: 60,
			ThrottleDays: 30,
		}, nil
	}
	if err != nil {
		return ReviewSettings{}, fmt.Errorf("get review settings: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) SaveReviewSettings(ctx context.Context, settings ReviewSettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO review_settings (business_id, enabled, channel, delay_minutes, throttle_days, template)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (business_id) DO UPDATE
		SET enabled=EXCLUDED.enabled, channel=EXCLUDED.channel, delay_minutes=EXCLUDED.delay_minutes,
			throttle_days=EXCLUDED.throttle_days, template=EXCLUDED.template, updated_at=NOW()
	`, settings.BusinessID, settings.Enabled, settings.Channel, settings.DelayMinutes, settings.ThrottleDays, settings.Template)
	if err != nil {
		return fmt.Errorf("save review settings: %w", err)
	}
	return nil
}

const reviewRequestColumns = `id, business_id, booking_id, customer_name, channel, recipient, token, status, outbox_message_id, sent_at, clicked_at, created_at, updated_at`

func (s *PostgresStore) scanReviewRequest(row *sql.Row) (ReviewRequest, error) {
	var item ReviewRequest
	err := row.Scan(
		&item.ID,
		&item.BusinessID,
		&item.BookingID,
		&item.CustomerName,
		&item.Channel,
		&item.Recipient,
		&item.Token,
		&item.Status,
		&item.OutboxMessageID,
		&item.SentAt,
		&item.ClickedAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return ReviewRequest{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertReviewRequest(ctx context.Context, request ReviewRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO review_requests (id, business_id, booking_id, customer_name, channel, recipient, token, status, outbox_message_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, request.ID, request.BusinessID, request.BookingID, request.CustomerName, request.Channel, request.Recipient, request.Token, request.Status, request.OutboxMessageID)
	if err != nil {
		return fmt.Errorf("insert review request: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetReviewRequest(ctx context.Context, requestID string) (ReviewRequest, error) {
	return s.scanReviewRequest(s.db.QueryRowContext(ctx, `
		SELECT `+reviewRequestColumns+` FROM review_requests WHERE id=$1
	`, requestID))
}

func (s *PostgresStore) GetReviewRequestByToken(ctx context.Context, token string) (ReviewRequest, error) {
	return s.scanReviewRequest(s.db.QueryRowContext(ctx, `
		SELECT `+reviewRequestColumns+` FROM review_requests WHERE token=$1
	`, token))
}

func (s *PostgresStore) ListReviewRequests(ctx context.Context, businessID, status string, limit int) ([]ReviewRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reviewRequestColumns+`
		FROM review_requests
		WHERE business_id=$1 AND ($2='' OR status=$2)
		ORDER BY created_at DESC
		LIMIT $3
	`, businessID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list review requests: %w", err)
	}
	defer rows.Close()

	items := make([]ReviewRequest, 0)
	for rows.Next() {
		var item ReviewRequest
		if err := rows.Scan(
			&item.ID,
			&item.BusinessID,
			&item.BookingID,
			&item.CustomerName,
			&item.Channel,
			&item.Recipient,
			&item.Token,
			&item.Status,
			&item.OutboxMessageID,
			&item.SentAt,
			&item.ClickedAt,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan review request: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate review requests: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateReviewRequestStatus(ctx context.Context, requestID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE review_requests SET status=$2, updated_at=NOW() WHERE id=$1
	`, requestID, status)
	if err != nil {
		return fmt.Errorf("update review request status: %w", err)
	}
	return nil
}

// MarkReviewRequestClicked records the first click on a review link.
// Replays keep the original clicked_at.
func (s *PostgresStore) MarkReviewRequestClicked(ctx context.Context, requestID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE review_requests
		SET status='clicked', clicked_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND clicked_at IS NULL
	`, requestID)
	if err != nil {
		return fmt.Errorf("mark review request clicked: %w", err)
	}
	return nil
}

// HasRecentReviewRequest reports whether the recipient already got a review
// request from this business since the given time, in any non-canceled state.
func (s *PostgresStore) HasRecentReviewRequest(ctx context.Context, businessID, recipient string, since time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM review_requests
			WHERE business_id=$1 AND recipient=$2 AND status <> 'canceled' AND created_at > $3
		)
	`, businessID, recipient, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check recent review request: %w", err)
	}
	return exists, nil
}
