package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const messageColumns = `id, business_id, channel, recipient, subject, body, kind, source_id, dedupe_key, status, attempt_count, next_attempt_at, lease_owner, lease_expires_at, last_error, provider_message_id, sent_at, created_at, updated_at`

func scanMessage(scan func(dest ...any) error) (OutboxMessage, error) {
	var item OutboxMessage
	err := scan(
		&item.ID,
		&item.BusinessID,
		&item.Channel,
		&item.Recipient,
		&item.Subject,
		&item.Body,
		&item.Kind,
		&item.SourceID,
		&item.DedupeKey,
		&item.Status,
		&item.AttemptCount,
		&item.NextAttemptAt,
		&item.LeaseOwner,
		&item.LeaseExpiresAt,
		&item.LastError,
		&item.ProviderMessageID,
		&item.SentAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return OutboxMessage{}, err
	}
	return item, nil
}

// EnqueueMessage inserts a pending outbox row. When the message carries a
// dedupe key that already exists the insert is a no-op and enqueued is false.
func (s *PostgresStore) EnqueueMessage(ctx context.Context, message OutboxMessage) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox_messages (id, business_id, channel, recipient, subject, body, kind, source_id, dedupe_key, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING
	`, message.ID, message.BusinessID, message.Channel, message.Recipient, message.Subject, message.Body, message.Kind, message.SourceID, message.DedupeKey, message.NextAttemptAt)
	if err != nil {
		return false, fmt.Errorf("enqueue message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("enqueue message rows: %w", err)
	}
	return affected > 0, nil
}

// LeaseDueMessages claims up to batchSize deliverable rows for the given
// owner. A row is deliverable when it is pending and due, or when a previous
// lease expired without reaching an outcome. Claiming increments the attempt
// counter, so an attempt lost to a crashed worker still counts against the
// message. Concurrent dispatchers skip rows locked by each other.
func (s *PostgresStore) LeaseDueMessages(ctx context.Context, owner string, batchSize int, leaseTTL time.Duration) ([]LeasedMessage, error) {
	if batchSize <= 0 {
		batchSize = 25
	}
	rows, err := s.db.QueryContext(ctx, `
		WITH due AS (
			SELECT id
			FROM outbox_messages
			WHERE (status='pending' AND next_attempt_at <= NOW())
			   OR (status='leased' AND lease_expires_at <= NOW())
			ORDER BY next_attempt_at ASC, created_at ASC, id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		), claimed AS (
			UPDATE outbox_messages m
			SET status='leased',
				lease_owner=$1,
				lease_expires_at=NOW() + make_interval(secs => $3),
				attempt_count=m.attempt_count + 1,
				updated_at=NOW()
			FROM due
			WHERE m.id = due.id
			RETURNING m.*
		)
		SELECT c.id, c.business_id, c.channel, c.recipient, c.subject, c.body, c.kind, c.source_id, c.dedupe_key,
			c.status, c.attempt_count, c.next_attempt_at, c.lease_owner, c.lease_expires_at, c.last_error,
			c.provider_message_id, c.sent_at, c.created_at, c.updated_at,
			b.timezone, b.quiet_start_minute, b.quiet_end_minute
		FROM claimed c
		JOIN businesses b ON b.id = c.business_id
		ORDER BY c.next_attempt_at ASC, c.created_at ASC, c.id ASC
	`, owner, batchSize, leaseTTL.Seconds())
	if err != nil {
		return nil, fmt.Errorf("lease due messages: %w", err)
	}
	defer rows.Close()

	items := make([]LeasedMessage, 0)
	for rows.Next() {
		var item LeasedMessage
		if err := rows.Scan(
			&item.Message.ID,
			&item.Message.BusinessID,
			&item.Message.Channel,
			&item.Message.Recipient,
			&item.Message.Subject,
			&item.Message.Body,
			&item.Message.Kind,
			&item.Message.SourceID,
			&item.Message.DedupeKey,
			&item.Message.Status,
			&item.Message.AttemptCount,
			&item.Message.NextAttemptAt,
			&item.Message.LeaseOwner,
			&item.Message.LeaseExpiresAt,
			&item.Message.LastError,
			&item.Message.ProviderMessageID,
			&item.Message.SentAt,
			&item.Message.CreatedAt,
			&item.Message.UpdatedAt,
			&item.Timezone,
			&item.QuietStartMinute,
			&item.QuietEndMinute,
		); err != nil {
			return nil, fmt.Errorf("scan leased message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leased messages: %w", err)
	}
	return items, nil
}

// MarkMessageSent records a successful delivery. The update only applies
// while the caller still holds the lease; otherwise ErrLeaseLost is returned
// and the row is left to whoever claimed it since. Review requests that
// rode on this message move to sent in the same transaction.
func (s *PostgresStore) MarkMessageSent(ctx context.Context, messageID, owner, providerMessageID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark sent: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status='sent', sent_at=NOW(), provider_message_id=$3, lease_owner='', lease_expires_at=NULL, last_error='', updated_at=NOW()
		WHERE id=$1 AND status='leased' AND lease_owner=$2
	`, messageID, owner, providerMessageID)
	if err != nil {
		return fmt.Errorf("mark message sent: %w", err)
	}
	if err := requireLease(result); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE review_requests
		SET status='sent', sent_at=NOW(), updated_at=NOW()
		WHERE outbox_message_id=$1 AND status='pending'
	`, messageID); err != nil {
		return fmt.Errorf("mark review request sent: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark sent: %w", err)
	}
	return nil
}

// MarkMessageRetry releases the lease and schedules another attempt.
func (s *PostgresStore) MarkMessageRetry(ctx context.Context, messageID, owner string, nextAttempt time.Time, lastError string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status='pending', next_attempt_at=$3, last_error=$4, lease_owner='', lease_expires_at=NULL, updated_at=NOW()
		WHERE id=$1 AND status='leased' AND lease_owner=$2
	`, messageID, owner, nextAttempt, lastError)
	if err != nil {
		return fmt.Errorf("mark message retry: %w", err)
	}
	return requireLease(result)
}

// DeferMessage releases the lease without delivering, pushing the message to
// a later slot. The attempt taken by the lease is handed back because nothing
// was tried against a provider.
func (s *PostgresStore) DeferMessage(ctx context.Context, messageID, owner string, nextAttempt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status='pending', next_attempt_at=$3, attempt_count=GREATEST(attempt_count-1, 0), lease_owner='', lease_expires_at=NULL, updated_at=NOW()
		WHERE id=$1 AND status='leased' AND lease_owner=$2
	`, messageID, owner, nextAttempt)
	if err != nil {
		return fmt.Errorf("defer message: %w", err)
	}
	return requireLease(result)
}

// MarkMessageDead parks a message that exhausted its attempts or failed
// permanently. Review requests riding on it move to failed.
func (s *PostgresStore) MarkMessageDead(ctx context.Context, messageID, owner, lastError string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark dead: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status='dead', last_error=$3, lease_owner='', lease_expires_at=NULL, updated_at=NOW()
		WHERE id=$1 AND status='leased' AND lease_owner=$2
	`, messageID, owner, lastError)
	if err != nil {
		return fmt.Errorf("mark message dead: %w", err)
	}
	if err := requireLease(result); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE review_requests
		SET status='failed', updated_at=NOW()
		WHERE outbox_message_id=$1 AND status='pending'
	`, messageID); err != nil {
		return fmt.Errorf("mark review request failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark dead: %w", err)
	}
	return nil
}

func requireLease(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("lease outcome rows: %w", err)
	}
	if affected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// CancelMessage cancels a message that has not been picked up yet.
func (s *PostgresStore) CancelMessage(ctx context.Context, messageID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status='canceled', updated_at=NOW()
		WHERE id=$1 AND status='pending'
	`, messageID)
	if err != nil {
		return false, fmt.Errorf("cancel message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel message rows: %w", err)
	}
	return affected > 0, nil
}

// RequeueMessage puts a dead message back in the queue with a fresh attempt
// budget.
func (s *PostgresStore) RequeueMessage(ctx context.Context, messageID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status='pending', attempt_count=0, next_attempt_at=NOW(), last_error='', updated_at=NOW()
		WHERE id=$1 AND status='dead'
	`, messageID)
	if err != nil {
		return false, fmt.Errorf("requeue message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("requeue message rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (OutboxMessage, error) {
	return scanMessage(s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM outbox_messages WHERE id=$1
	`, messageID).Scan)
}

func (s *PostgresStore) ListMessages(ctx context.Context, businessID, status string, limit int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM outbox_messages
		WHERE business_id=$1 AND ($2='' OR status=$2)
		ORDER BY created_at DESC
		LIMIT $3
	`, businessID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]OutboxMessage, 0)
	for rows.Next() {
		item, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) OutboxCounts(ctx context.Context, businessID string) (OutboxStats, error) {
	var stats OutboxStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status='pending'),
			COUNT(*) FILTER (WHERE status='leased'),
			COUNT(*) FILTER (WHERE status='sent'),
			COUNT(*) FILTER (WHERE status='dead'),
			COUNT(*) FILTER (WHERE status='canceled'),
			COUNT(*) FILTER (WHERE status='pending' AND next_attempt_at <= NOW())
		FROM outbox_messages
		WHERE business_id=$1
	`, businessID).Scan(&stats.Pending, &stats.Leased, &stats.Sent, &stats.Dead, &stats.Canceled, &stats.DueNow)
	if err != nil {
		return OutboxStats{}, fmt.Errorf("outbox counts: %w", err)
	}
	return stats, nil
}
