package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const bookingColumns = `id, business_id, external_ref, customer_name, customer_email, customer_phone, service, scheduled_at, status, created_at, updated_at`

// UpsertBookingByRef inserts or updates a booking keyed by (business_id,
// external_ref) and reports whether this call moved it into completed for
// the first time. Webhook deliveries replay, so the transition fires once.
func (s *PostgresStore) UpsertBookingByRef(ctx context.Context, booking Booking) (Booking, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Booking{}, false, fmt.Errorf("begin booking upsert: %w", err)
	}
	defer tx.Rollback()

	var existing Booking
	err = tx.QueryRowContext(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE business_id=$1 AND external_ref=$2
		FOR UPDATE
	`, booking.BusinessID, booking.ExternalRef).Scan(
		&existing.ID,
		&existing.BusinessID,
		&existing.ExternalRef,
		&existing.CustomerName,
		&existing.CustomerEmail,
		&existing.CustomerPhone,
		&existing.Service,
		&existing.ScheduledAt,
		&existing.Status,
		&existing.CreatedAt,
		&existing.UpdatedAt,
	)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Booking{}, false, fmt.Errorf("lookup booking: %w", err)
	}

	completedNow := false
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bookings (id, business_id, external_ref, customer_name, customer_email, customer_phone, service, scheduled_at, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, booking.ID, booking.BusinessID, booking.ExternalRef, booking.CustomerName, booking.CustomerEmail, booking.CustomerPhone, booking.Service, booking.ScheduledAt, booking.Status); err != nil {
			return Booking{}, false, fmt.Errorf("insert booking: %w", err)
		}
		completedNow = booking.Status == "completed"
	} else {
		if _, err := tx.ExecContext(ctx, `
			UPDATE bookings
			SET customer_name=$2, customer_email=$3, customer_phone=$4, service=$5, scheduled_at=$6, status=$7, updated_at=NOW()
			WHERE id=$1
		`, existing.ID, booking.CustomerName, booking.CustomerEmail, booking.CustomerPhone, booking.Service, booking.ScheduledAt, booking.Status); err != nil {
			return Booking{}, false, fmt.Errorf("update booking: %w", err)
		}
		completedNow = existing.Status != "completed" && booking.Status == "completed"
		booking.ID = existing.ID
		booking.CreatedAt = existing.CreatedAt
	}

	if err := tx.Commit(); err != nil {
		return Booking{}, false, fmt.Errorf("commit booking upsert: %w", err)
	}

	stored, err := s.GetBooking(ctx, booking.ID)
	if err != nil {
		return Booking{}, false, fmt.Errorf("reload booking: %w", err)
	}
	return stored, completedNow, nil
}

func (s *PostgresStore) GetBooking(ctx context.Context, bookingID string) (Booking, error) {
	var item Booking
	err := s.db.QueryRowContext(ctx, `
		SELECT `+bookingColumns+` FROM bookings WHERE id=$1
	`, bookingID).Scan(
		&item.ID,
		&item.BusinessID,
		&item.ExternalRef,
		&item.CustomerName,
		&item.CustomerEmail,
		&item.CustomerPhone,
		&item.Service,
		&item.ScheduledAt,
		&item.Status,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Booking{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListBookings(ctx context.Context, businessID string, limit int) ([]Booking, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE business_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, businessID, limit)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	defer rows.Close()

	items := make([]Booking, 0)
	for rows.Next() {
		var item Booking
		if err := rows.Scan(
			&item.ID,
			&item.BusinessID,
			&item.ExternalRef,
			&item.CustomerName,
			&item.CustomerEmail,
			&item.CustomerPhone,
			&item.Service,
			&item.ScheduledAt,
			&item.Status,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bookings: %w", err)
	}
	return items, nil
}
