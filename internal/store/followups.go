package store

import (
	"context"
	"fmt"
)

const sequenceColumns = `id, business_id, name, trigger, active, steps::text, created_at, updated_at`

func (s *PostgresStore) ListSequences(ctx context.Context, businessID string) ([]FollowUpSequence, error) {
	return s.querySequences(ctx, `
		SELECT `+sequenceColumns+`
		FROM follow_up_sequences
		WHERE business_id=$1
		ORDER BY created_at DESC
	`, businessID)
}

func (s *PostgresStore) ListActiveSequencesByTrigger(ctx context.Context, businessID, trigger string) ([]FollowUpSequence, error) {
	return s.querySequences(ctx, `
		SELECT `+sequenceColumns+`
		FROM follow_up_sequences
		WHERE business_id=$1 AND trigger=$2 AND active
		ORDER BY created_at ASC
	`, businessID, trigger)
}

func (s *PostgresStore) querySequences(ctx context.Context, query string, args ...any) ([]FollowUpSequence, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sequences: %w", err)
	}
	defer rows.Close()

	items := make([]FollowUpSequence, 0)
	for rows.Next() {
		var item FollowUpSequence
		if err := rows.Scan(&item.ID, &item.BusinessID, &item.Name, &item.Trigger, &item.Active, &item.Steps, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan sequence: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sequences: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetSequence(ctx context.Context, sequenceID string) (FollowUpSequence, error) {
	var item FollowUpSequence
	err := s.db.QueryRowContext(ctx, `
		SELECT `+sequenceColumns+` FROM follow_up_sequences WHERE id=$1
	`, sequenceID).Scan(&item.ID, &item.BusinessID, &item.Name, &item.Trigger, &item.Active, &item.Steps, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return FollowUpSequence{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertSequence(ctx context.Context, sequence FollowUpSequence) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO follow_up_sequences (id, business_id, name, trigger, active, steps)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
	`, sequence.ID, sequence.BusinessID, sequence.Name, sequence.Trigger, sequence.Active, sequence.Steps)
	if err != nil {
		return fmt.Errorf("insert sequence: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateSequence(ctx context.Context, sequenceID, name, trigger, steps string, active bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE follow_up_sequences
		SET name=$2, trigger=$3, steps=$4::jsonb, active=$5, updated_at=NOW()
		WHERE id=$1
	`, sequenceID, name, trigger, steps, active)
	if err != nil {
		return fmt.Errorf("update sequence: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteSequence(ctx context.Context, sequenceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM follow_up_sequences WHERE id=$1`, sequenceID)
	if err != nil {
		return fmt.Errorf("delete sequence: %w", err)
	}
	return nil
}
