package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is what every single-row lookup returns for a missing row.
// It aliases sql.ErrNoRows so Scan results pass through unwrapped.
var ErrNotFound = sql.ErrNoRows

// ErrLeaseLost reports that an outbox outcome arrived after the worker's
// lease on the row was taken over or released.
var ErrLeaseLost = errors.New("message lease lost")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CountBusinesses(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM businesses`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count businesses: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) InsertBusiness(ctx context.Context, business Business) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO businesses (id, name, slug, timezone, review_url, notify_email, quiet_start_minute, quiet_end_minute)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, business.ID, business.Name, business.Slug, business.Timezone, business.ReviewURL, business.NotifyEmail, business.QuietStartMinute, business.QuietEndMinute)
	if err != nil {
		return fmt.Errorf("insert business: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBusiness(ctx context.Context, businessID string) (Business, error) {
	var item Business
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, timezone, review_url, notify_email, quiet_start_minute, quiet_end_minute, created_at, updated_at
		FROM businesses
		WHERE id=$1
	`, businessID).Scan(
		&item.ID,
		&item.Name,
		&item.Slug,
		&item.Timezone,
		&item.ReviewURL,
		&item.NotifyEmail,
		&item.QuietStartMinute,
		&item.QuietEndMinute,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Business{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetBusinessBySlug(ctx context.Context, slug string) (Business, error) {
	var item Business
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, timezone, review_url, notify_email, quiet_start_minute, quiet_end_minute, created_at, updated_at
		FROM businesses
		WHERE slug=$1
	`, slug).Scan(
		&item.ID,
		&item.Name,
		&item.Slug,
		&item.Timezone,
		&item.ReviewURL,
		&item.NotifyEmail,
		&item.QuietStartMinute,
		&item.QuietEndMinute,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Business{}, err
	}
	return item, nil
}

func (s *PostgresStore) UpdateBusiness(ctx context.Context, business Business) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE businesses
		SET name=$2, timezone=$3, review_url=$4, notify_email=$5, quiet_start_minute=$6, quiet_end_minute=$7, updated_at=NOW()
		WHERE id=$1
	`, business.ID, business.Name, business.Timezone, business.ReviewURL, business.NotifyEmail, business.QuietStartMinute, business.QuietEndMinute)
	if err != nil {
		return fmt.Errorf("update business: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertUser(ctx context.Context, user PortalUser) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO portal_users (id, business_id, email, display_name, password_hash, role, is_email_verified, verification_token, verification_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, user.ID, user.BusinessID, user.Email, user.DisplayName, user.PasswordHash, user.Role, user.IsEmailVerified, user.VerificationToken, user.VerificationExpiresAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (PortalUser, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, business_id, email, display_name, password_hash, role, is_email_verified, verification_token, verification_expires_at, created_at, updated_at
		FROM portal_users
		WHERE LOWER(email)=LOWER($1)
	`, email))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (PortalUser, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, business_id, email, display_name, password_hash, role, is_email_verified, verification_token, verification_expires_at, created_at, updated_at
		FROM portal_users
		WHERE id=$1
	`, userID))
}

func (s *PostgresStore) GetUserByVerificationToken(ctx context.Context, token string) (PortalUser, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, business_id, email, display_name, password_hash, role, is_email_verified, verification_token, verification_expires_at, created_at, updated_at
		FROM portal_users
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token))
}

func (s *PostgresStore) scanUser(row *sql.Row) (PortalUser, error) {
	var user PortalUser
	err := row.Scan(
		&user.ID,
		&user.BusinessID,
		&user.Email,
		&user.DisplayName,
		&user.PasswordHash,
		&user.Role,
		&user.IsEmailVerified,
		&user.VerificationToken,
		&user.VerificationExpiresAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return PortalUser{}, err
	}
	return user, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context, businessID string) ([]PortalUser, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, business_id, email, display_name, password_hash, role, is_email_verified, verification_token, verification_expires_at, created_at, updated_at
		FROM portal_users
		WHERE business_id=$1
		ORDER BY created_at ASC
	`, businessID)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]PortalUser, 0)
	for rows.Next() {
		var user PortalUser
		if err := rows.Scan(
			&user.ID,
			&user.BusinessID,
			&user.Email,
			&user.DisplayName,
			&user.PasswordHash,
			&user.Role,
			&user.IsEmailVerified,
			&user.VerificationToken,
			&user.VerificationExpiresAt,
			&user.CreatedAt,
			&user.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) MarkEmailVerified(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE portal_users
		SET is_email_verified=TRUE, verification_token='', verification_expires_at=NULL, updated_at=NOW()
		WHERE id=$1
	`, userID)
	if err != nil {
		return fmt.Errorf("mark email verified: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE portal_users SET password_hash=$2, updated_at=NOW() WHERE id=$1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertPasswordReset(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token) DO NOTHING
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("insert password reset: %w", err)
	}
	return nil
}

// UsePasswordReset consumes an unexpired reset token and returns the user it
// belongs to. A token can be used once.
func (s *PostgresStore) UsePasswordReset(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		UPDATE password_resets
		SET used_at=NOW()
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
		RETURNING user_id
	`, tokenHash).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id
		FROM refresh_sessions
		WHERE token_hash=$1 AND revoked_at IS NULL AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}
