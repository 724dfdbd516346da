package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"

	"beacon/api/internal/auth"
	"beacon/api/internal/authpw"
	"beacon/api/internal/email"
	"beacon/api/internal/rbac"
	"beacon/api/internal/store"
	"beacon/api/internal/util"

	"github.com/golang-jwt/jwt/v5"
)

// SignIn checks credentials and opens a session.
func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.accounts.SignIn(ctx, email, password)
	if err != nil {
		switch {
		case errors.Is(err, authpw.ErrInvalidCredentials):
			return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid email or password", nil)
		case errors.Is(err, authpw.ErrEmailNotVerified):
			return Session{}, domainError(http.StatusForbidden, "EMAIL_NOT_VERIFIED", "verify your email before signing in", nil)
		default:
			return Session{}, fmt.Errorf("sign in: %w", err)
		}
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// session is issued, so each refresh token works exactly once.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if refreshToken == "" {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_REFRESH_TOKEN", "refresh token required", nil)
	}
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, domainError(http.StatusUnauthorized, "INVALID_REFRESH_TOKEN", "refresh token is invalid or expired", nil)
		}
		return Session{}, fmt.Errorf("lookup refresh session: %w", err)
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, domainError(http.StatusUnauthorized, "INVALID_REFRESH_TOKEN", "refresh token is invalid or expired", nil)
		}
		return Session{}, fmt.Errorf("load user: %w", err)
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, fmt.Errorf("rotate refresh session: %w", err)
	}
	return s.issueSession(ctx, user)
}

// Logout revokes the access token and, when presented, the refresh token.
// Both revocations are best-effort so a half-broken session store cannot
// keep a client logged in.
func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) {
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			log.Printf("auth: revoke access token %s: %v", session.JTI, err)
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			log.Printf("auth: revoke refresh session: %v", err)
		}
	}
}

// SessionFromToken rebuilds a session from a bearer token. The user row is
// reloaded so role changes and deletions apply to tokens already issued.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			return Session{}, domainError(http.StatusUnauthorized, "TOKEN_EXPIRED", "access token expired", nil)
		}
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_TOKEN", "invalid access token", nil)
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, fmt.Errorf("check token revocation: %w", err)
	}
	if revoked {
		return Session{}, domainError(http.StatusUnauthorized, "TOKEN_REVOKED", "access token revoked", nil)
	}
	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, domainError(http.StatusUnauthorized, "INVALID_TOKEN", "invalid access token", nil)
		}
		return Session{}, fmt.Errorf("load user: %w", err)
	}
	return Session{
		UserID:     user.ID,
		UserName:   user.DisplayName,
		Email:      user.Email,
		Role:       user.Role,
		BusinessID: user.BusinessID,
		JTI:        claims.ID,
		ExpiresAt:  claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) issueSession(ctx context.Context, user store.PortalUser) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Name:       user.DisplayName,
		Role:       user.Role,
		BusinessID: user.BusinessID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	if err != nil {
		return Session{}, err
	}

	refreshToken, err := randomToken("rft_")
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refreshToken), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}

	return Session{
		Token:        token,
		RefreshToken: refreshToken,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Email:        user.Email,
		Role:         user.Role,
		BusinessID:   user.BusinessID,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

type CreateUserInput struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

// CreateUser invites a teammate into the caller's business. The account
// starts unverified; the verification email goes out through the outbox.
func (s *Service) CreateUser(ctx context.Context, session Session, input CreateUserInput) (map[string]any, error) {
	if input.Role == "" {
		input.Role = string(rbac.RoleStaff)
	}
	if rbac.Normalize(input.Role) != rbac.Role(input.Role) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown role", map[string]string{"role": input.Role})
	}

	created, err := s.accounts.CreateUser(ctx, authpw.CreateUserRequest{
		BusinessID:  session.BusinessID,
		Email:       input.Email,
		Password:    input.Password,
		DisplayName: input.DisplayName,
		Role:        input.Role,
	})
	if err != nil {
		switch {
		case errors.Is(err, authpw.ErrEmailTaken):
			return nil, domainError(http.StatusConflict, "EMAIL_TAKEN", "email already registered", nil)
		case errors.Is(err, authpw.ErrWeakPassword), errors.Is(err, authpw.ErrMissingFields):
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		default:
			return nil, fmt.Errorf("create user: %w", err)
		}
	}

	s.sendVerificationEmail(ctx, created.User, created.VerificationToken)
	return userPayload(created.User), nil
}

// VerifyEmail consumes a verification token from the account email.
func (s *Service) VerifyEmail(ctx context.Context, token string) (map[string]any, error) {
	user, err := s.accounts.VerifyEmail(ctx, token)
	if err != nil {
		if errors.Is(err, authpw.ErrInvalidVerifyToken) {
			return nil, domainError(http.StatusBadRequest, "INVALID_TOKEN", "invalid or expired verification token", nil)
		}
		return nil, fmt.Errorf("verify email: %w", err)
	}
	return userPayload(user), nil
}

// RequestPasswordReset always reports success so the endpoint cannot be used
// to probe which emails have accounts.
func (s *Service) RequestPasswordReset(ctx context.Context, emailAddr string) error {
	user, err := s.store.GetUserByEmail(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("lookup user: %w", err)
	}
	token, err := s.accounts.RequestPasswordReset(ctx, emailAddr)
	if err != nil {
		return fmt.Errorf("request password reset: %w", err)
	}
	if token != "" {
		s.sendPasswordResetEmail(ctx, user, token)
	}
	return nil
}

// ResetPassword consumes a reset token and sets the new password.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	err := s.accounts.ResetPassword(ctx, token, newPassword)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, authpw.ErrInvalidResetToken):
		return domainError(http.StatusBadRequest, "INVALID_TOKEN", "invalid or expired reset token", nil)
	case errors.Is(err, authpw.ErrWeakPassword):
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	default:
		return fmt.Errorf("reset password: %w", err)
	}
}

// ListUsers returns every portal user in the caller's business.
func (s *Service) ListUsers(ctx context.Context, session Session) ([]map[string]any, error) {
	users, err := s.store.ListUsers(ctx, session.BusinessID)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	payload := make([]map[string]any, 0, len(users))
	for _, u := range users {
		payload = append(payload, userPayload(u))
	}
	return payload, nil
}

func (s *Service) sendVerificationEmail(ctx context.Context, user store.PortalUser, token string) {
	verifyURL := fmt.Sprintf("%s/verify?token=%s", s.cfg.PublicBaseURL, token)
	subject, html, err := email.RenderVerification(user.DisplayName, verifyURL)
	if err != nil {
		log.Printf("mail: render verification for %s: %v", user.Email, err)
		return
	}
	s.enqueueAccountEmail(ctx, user, "verification", subject, html)
}

func (s *Service) sendPasswordResetEmail(ctx context.Context, user store.PortalUser, token string) {
	resetURL := fmt.Sprintf("%s/reset-password?token=%s", s.cfg.PublicBaseURL, token)
	subject, html, err := email.RenderPasswordReset(user.DisplayName, resetURL)
	if err != nil {
		log.Printf("mail: render password reset for %s: %v", user.Email, err)
		return
	}
	s.enqueueAccountEmail(ctx, user, "password_reset", subject, html)
}

// enqueueAccountEmail is best-effort: the account mutation already happened,
// so a full outbox must not roll it back.
func (s *Service) enqueueAccountEmail(ctx context.Context, user store.PortalUser, kind, subject, html string) {
	message := store.OutboxMessage{
		ID:            util.NewID("msg"),
		BusinessID:    user.BusinessID,
		Channel:       "email",
		Recipient:     user.Email,
		Subject:       subject,
		Body:          html,
		Kind:          kind,
		SourceID:      user.ID,
		NextAttemptAt: s.now(),
	}
	if _, err := s.store.EnqueueMessage(ctx, message); err != nil {
		log.Printf("mail: enqueue %s for %s: %v", kind, user.Email, err)
	}
}

func userPayload(user store.PortalUser) map[string]any {
	return map[string]any{
		"id":            user.ID,
		"email":         user.Email,
		"displayName":   user.DisplayName,
		"role":          user.Role,
		"emailVerified": user.IsEmailVerified,
		"createdAt":     user.CreatedAt,
	}
}
