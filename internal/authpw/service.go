// Package authpw provides email/password authentication for portal users.
package authpw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"beacon/api/internal/auth"
	"beacon/api/internal/store"
	"beacon/api/internal/util"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailNotVerified   = errors.New("email not verified")
	ErrEmailTaken         = errors.New("email already registered")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrMissingFields      = errors.New("email, password, and display name are required")
	ErrInvalidVerifyToken = errors.New("invalid or expired verification token")
	ErrInvalidResetToken  = errors.New("invalid or expired reset token")
)

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.PortalUser, error)
	GetUserByID(ctx context.Context, userID string) (store.PortalUser, error)
	InsertUser(ctx context.Context, user store.PortalUser) error
	GetUserByVerificationToken(ctx context.Context, token string) (store.PortalUser, error)
	MarkEmailVerified(ctx context.Context, userID string) error
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	InsertPasswordReset(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	UsePasswordReset(ctx context.Context, tokenHash string) (string, error)
}

// Service provides email/password authentication
type Service struct {
	store UserStore
}

// NewService creates a new auth service
func NewService(store UserStore) *Service {
	return &Service{store: store}
}

// CreateUserRequest contains the parameters for inviting a portal user into
// a business.
type CreateUserRequest struct {
	BusinessID  string
	Email       string
	Password    string
	DisplayName string
	Role        string
	Verified    bool
}

// CreateUserResponse contains the created user and, for unverified accounts,
// the token to put in the verification email.
type CreateUserResponse struct {
	User              store.PortalUser
	VerificationToken string
}

// CreateUser creates a portal user account scoped to a business.
func (s *Service) CreateUser(ctx context.Context, req CreateUserRequest) (*CreateUserResponse, error) {
	if req.Email == "" || req.Password == "" || req.DisplayName == "" {
		return nil, ErrMissingFields
	}
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}
	if _, err := s.store.GetUserByEmail(ctx, req.Email); err == nil {
		return nil, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := store.PortalUser{
		ID:              util.NewID("usr"),
		BusinessID:      req.BusinessID,
		Email:           req.Email,
		DisplayName:     req.DisplayName,
		PasswordHash:    string(hash),
		Role:            req.Role,
		IsEmailVerified: req.Verified,
	}

	verificationToken := ""
	if !req.Verified {
		verificationToken, err = generateToken()
		if err != nil {
			return nil, fmt.Errorf("generate verification token: %w", err)
		}
		expiresAt := time.Now().Add(24 * time.Hour)
		user.VerificationToken = verificationToken
		user.VerificationExpiresAt = &expiresAt
	}

	if err := s.store.InsertUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	return &CreateUserResponse{
		User:              user,
		VerificationToken: verificationToken,
	}, nil
}

// SignIn authenticates a portal user by email and password.
func (s *Service) SignIn(ctx context.Context, email, password string) (store.PortalUser, error) {
	if email == "" || password == "" {
		return store.PortalUser{}, ErrInvalidCredentials
	}
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return store.PortalUser{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.PortalUser{}, ErrInvalidCredentials
	}
	if !user.IsEmailVerified {
		return store.PortalUser{}, ErrEmailNotVerified
	}
	return user, nil
}

// VerifyEmail verifies an email address using a token
func (s *Service) VerifyEmail(ctx context.Context, token string) (store.PortalUser, error) {
	if token == "" {
		return store.PortalUser{}, ErrInvalidVerifyToken
	}
	user, err := s.store.GetUserByVerificationToken(ctx, token)
	if err != nil {
		return store.PortalUser{}, ErrInvalidVerifyToken
	}
	if err := s.store.MarkEmailVerified(ctx, user.ID); err != nil {
		return store.PortalUser{}, fmt.Errorf("mark email verified: %w", err)
	}
	user.IsEmailVerified = true
	return user, nil
}

// RequestPasswordReset creates a password reset token. Unknown emails return
// an empty token so callers do not reveal which addresses have accounts.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return "", nil
	}

	token, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("generate reset token: %w", err)
	}

	expiresAt := time.Now().Add(1 * time.Hour)
	if err := s.store.InsertPasswordReset(ctx, auth.HashToken(token), user.ID, expiresAt); err != nil {
		return "", err
	}
	return token, nil
}

// ResetPassword resets a user's password using a reset token. The token is
// consumed even when the subsequent password update fails.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if token == "" {
		return ErrInvalidResetToken
	}
	if len(newPassword) < 8 {
		return ErrWeakPassword
	}

	userID, err := s.store.UsePasswordReset(ctx, auth.HashToken(token))
	if err != nil {
		return ErrInvalidResetToken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.UpdatePassword(ctx, userID, string(hash)); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// HashPassword hashes a password for storage outside the sign-up flow, such
// as the bootstrap account.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// generateToken creates a secure random token
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
