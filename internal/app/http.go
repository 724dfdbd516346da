package app

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"beacon/api/internal/ratelimit"
	"beacon/api/internal/rbac"
	"beacon/api/internal/store"
)

type HTTPServer struct {
	service       *Service
	corsOrigin    string
	webhookSecret string
	limiter       *ratelimit.Limiter
}

func NewHTTPServer(service *Service, corsOrigin, webhookSecret string, limiter *ratelimit.Limiter) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, webhookSecret: webhookSecret, limiter: limiter}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) forbid(w http.ResponseWriter) {
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.SignIn(r.Context(), body.Email, body.Password)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, session)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, session)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/logout" {
		session := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				session = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		s.service.Logout(r.Context(), session, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/verify-email" {
		var body struct {
			Token string `json:"token"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.VerifyEmail(r.Context(), body.Token)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/reset-password/request" {
		var body struct {
			Email string `json:"email"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.RequestPasswordReset(r.Context(), body.Email); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message": "If an account exists, a reset email has been sent",
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/reset-password" {
		var body struct {
			Token       string `json:"token"`
			NewPassword string `json:"newPassword"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.ResetPassword(r.Context(), body.Token, body.NewPassword); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": "Password reset successfully"})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/webhooks/bookings" {
		s.handleBookingWebhook(w, r)
		return
	}

	parts := splitPath(r.URL.Path)

	// Public site and review landing, no authentication required.
	if len(parts) >= 2 && parts[0] == "p" {
		if len(parts) == 4 && parts[1] == "forms" && parts[3] == "submit" && r.Method == http.MethodPost {
			s.handlePublicSubmit(w, r, parts[2])
			return
		}
		if r.Method == http.MethodGet && len(parts) == 3 {
			payload, err := s.service.PublicFunnel(r.Context(), parts[1], parts[2])
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}
		if r.Method == http.MethodGet && len(parts) == 4 {
			payload, err := s.service.PublicPage(r.Context(), parts[1], parts[2], parts[3])
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if len(parts) == 2 && parts[0] == "r" && r.Method == http.MethodGet {
		target, err := s.service.HandleReviewClick(r.Context(), parts[1])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/me" {
		writeJSON(w, http.StatusOK, map[string]any{
			"userId":     session.UserID,
			"userName":   session.UserName,
			"email":      session.Email,
			"role":       session.Role,
			"businessId": session.BusinessID,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		if !s.service.Can(session, rbac.ActionRead) {
			s.forbid(w)
			return
		}
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		filterKind := strings.TrimSpace(r.URL.Query().Get("type"))
		limit := 20
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			limit = parsed
		}
		offset := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
				return
			}
			offset = parsed
		}

		payload, err := s.service.Search(r.Context(), session, q, filterKind, limit, offset)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.URL.Path == "/api/business" {
		if r.Method == http.MethodGet {
			if !s.service.Can(session, rbac.ActionRead) {
				s.forbid(w)
				return
			}
			payload, err := s.service.GetBusinessProfile(r.Context(), session)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}
		if r.Method == http.MethodPut {
			if !s.service.Can(session, rbac.ActionAdmin) {
				s.forbid(w)
				return
			}
			var input UpdateBusinessInput
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.UpdateBusinessProfile(r.Context(), session, input)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if r.URL.Path == "/api/users" {
		if !s.service.Can(session, rbac.ActionAdmin) {
			s.forbid(w)
			return
		}
		if r.Method == http.MethodGet {
			items, err := s.service.ListUsers(r.Context(), session)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"users": items})
			return
		}
		if r.Method == http.MethodPost {
			var input CreateUserInput
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateUser(r.Context(), session, input)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if r.URL.Path == "/api/funnels" {
		if r.Method == http.MethodGet {
			if !s.service.Can(session, rbac.ActionRead) {
				s.forbid(w)
				return
			}
			items, err := s.service.ListFunnels(r.Context(), session)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"funnels": items})
			return
		}
		if r.Method == http.MethodPost {
			if !s.service.Can(session, rbac.ActionWrite) {
				s.forbid(w)
				return
			}
			var input CreateFunnelInput
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateFunnel(r.Context(), session, input)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if r.URL.Path == "/api/forms" {
		if r.Method == http.MethodGet {
			if !s.service.Can(session, rbac.ActionRead) {
				s.forbid(w)
				return
			}
			items, err := s.service.ListForms(r.Context(), session)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"forms": items})
			return
		}
		if r.Method == http.MethodPost {
			if !s.service.Can(session, rbac.ActionWrite) {
				s.forbid(w)
				return
			}
			var input FormInput
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateForm(r.Context(), session, input)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/bookings" {
		if !s.service.Can(session, rbac.ActionRead) {
			s.forbid(w)
			return
		}
		items, err := s.service.ListBookings(r.Context(), session, queryLimit(r, 50))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"bookings": items})
		return
	}

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "bookings" && r.Method == http.MethodGet {
		if !s.service.Can(session, rbac.ActionRead) {
			s.forbid(w)
			return
		}
		payload, err := s.service.GetBookingDetail(r.Context(), session, parts[2])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.URL.Path == "/api/reviews/settings" {
		if r.Method == http.MethodGet {
			if !s.service.Can(session, rbac.ActionRead) {
				s.forbid(w)
				return
			}
			payload, err := s.service.GetReviewSettings(r.Context(), session)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}
		if r.Method == http.MethodPut {
			if !s.service.Can(session, rbac.ActionSend) {
				s.forbid(w)
				return
			}
			var input ReviewSettingsInput
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.UpdateReviewSettings(r.Context(), session, input)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if r.URL.Path == "/api/reviews/requests" {
		if r.Method == http.MethodGet {
			if !s.service.Can(session, rbac.ActionRead) {
				s.forbid(w)
				return
			}
			statusFilter := strings.TrimSpace(r.URL.Query().Get("status"))
			items, err := s.service.ListReviewRequests(r.Context(), session, statusFilter, queryLimit(r, 50))
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"requests": items})
			return
		}
		if r.Method == http.MethodPost {
			if !s.service.Can(session, rbac.ActionSend) {
				s.forbid(w)
				return
			}
			var input SendReviewRequestInput
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.SendReviewRequest(r.Context(), session, input)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if r.URL.Path == "/api/sequences" {
		if r.Method == http.MethodGet {
			if !s.service.Can(session, rbac.ActionRead) {
				s.forbid(w)
				return
			}
			items, err := s.service.ListSequences(r.Context(), session)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"sequences": items})
			return
		}
		if r.Method == http.MethodPost {
			if !s.service.Can(session, rbac.ActionWrite) {
				s.forbid(w)
				return
			}
			var input SequenceInput
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateSequence(r.Context(), session, input)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/outbox" {
		if !s.service.Can(session, rbac.ActionRead) {
			s.forbid(w)
			return
		}
		statusFilter := strings.TrimSpace(r.URL.Query().Get("status"))
		items, err := s.service.ListOutboxMessages(r.Context(), session, statusFilter, queryLimit(r, 50))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": items})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/outbox/stats" {
		if !s.service.Can(session, rbac.ActionRead) {
			s.forbid(w)
			return
		}
		payload, err := s.service.GetOutboxStats(r.Context(), session)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.URL.Path == "/api/assets" {
		if r.Method == http.MethodGet {
			if !s.service.Can(session, rbac.ActionRead) {
				s.forbid(w)
				return
			}
			kind := strings.TrimSpace(r.URL.Query().Get("kind"))
			items, err := s.service.ListAssets(r.Context(), session, kind)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"assets": items})
			return
		}
		if r.Method == http.MethodPost {
			if !s.service.Can(session, rbac.ActionWrite) {
				s.forbid(w)
				return
			}
			s.handleAssetUpload(w, r, session)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(parts) >= 3 && parts[0] == "api" {
		switch parts[1] {
		case "funnels":
			s.handleFunnels(w, r, session, parts)
			return
		case "forms":
			s.handleForms(w, r, session, parts)
			return
		case "reviews":
			s.handleReviews(w, r, session, parts)
			return
		case "sequences":
			s.handleSequences(w, r, session, parts[2])
			return
		case "outbox":
			s.handleOutbox(w, r, session, parts)
			return
		case "assets":
			s.handleAssets(w, r, session, parts)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleFunnels(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	funnelID := parts[2]

	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			if !s.service.Can(session, rbac.ActionRead) {
				s.forbid(w)
				return
			}
			payload, err := s.service.GetFunnelDetail(r.Context(), session, funnelID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodPut:
			if !s.service.Can(session, rbac.ActionWrite) {
				s.forbid(w)
				return
			}
			var input UpdateFunnelInput
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.UpdateFunnel(r.Context(), session, funnelID, input)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodDelete:
			if !s.service.Can(session, rbac.ActionWrite) {
				s.forbid(w)
				return
			}
			if err := s.service.ArchiveFunnel(r.Context(), session, funnelID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 4 {
		switch parts[3] {
		case "pages":
			if r.Method == http.MethodGet {
				if !s.service.Can(session, rbac.ActionRead) {
					s.forbid(w)
					return
				}
				items, err := s.service.ListFunnelPages(r.Context(), session, funnelID)
				if err != nil {
					status, code, message, details := mapError(err)
					writeError(w, status, code, message, details)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"pages": items})
				return
			}
			if r.Method == http.MethodPost {
				if !s.service.Can(session, rbac.ActionWrite) {
					s.forbid(w)
					return
				}
				var input CreatePageInput
				if err := decodeBody(r, &input); err != nil {
					writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
					return
				}
				payload, err := s.service.CreatePage(r.Context(), session, funnelID, input)
				if err != nil {
					status, code, message, details := mapError(err)
					writeError(w, status, code, message, details)
					return
				}
				writeJSON(w, http.StatusCreated, payload)
				return
			}
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		case "publish":
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
				return
			}
			if !s.service.Can(session, rbac.ActionPublish) {
				s.forbid(w)
				return
			}
			payload, err := s.service.PublishFunnel(r.Context(), session, funnelID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		case "duplicate":
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
				return
			}
			if !s.service.Can(session, rbac.ActionWrite) {
				s.forbid(w)
				return
			}
			payload, err := s.service.DuplicateFunnel(r.Context(), session, funnelID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
			return
		case "history":
			if r.Method != http.MethodGet {
				writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
				return
			}
			if !s.service.Can(session, rbac.ActionRead) {
				s.forbid(w)
				return
			}
			branch := strings.TrimSpace(r.URL.Query().Get("branch"))
			items, err := s.service.FunnelHistory(r.Context(), session, funnelID, branch, queryLimit(r, 20))
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"commits": items})
			return
		case "restore":
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
				return
			}
			if !s.service.Can(session, rbac.ActionWrite) {
				s.forbid(w)
				return
			}
			var body struct {
				Commit string `json:"commit"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.RestoreFunnelVersion(r.Context(), session, funnelID, body.Commit)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
			return
		case "snapshot":
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
				return
			}
			if !s.service.Can(session, rbac.ActionPublish) {
				s.forbid(w)
				return
			}
			payload, err := s.service.CaptureFunnelSnapshot(r.Context(), session, funnelID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusAccepted, payload)
			return
		}
	}

	if len(parts) == 5 && parts[3] == "pages" {
		if parts[4] == "reorder" {
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
				return
			}
			if !s.service.Can(session, rbac.ActionWrite) {
				s.forbid(w)
				return
			}
			var input ReorderPagesInput
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			items, err := s.service.ReorderFunnelPages(r.Context(), session, funnelID, input)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"pages": items})
			return
		}

		pageID := parts[4]
		switch r.Method {
		case http.MethodGet:
			if !s.service.Can(session, rbac.ActionRead) {
				s.forbid(w)
				return
			}
			payload, err := s.service.GetPageDetail(r.Context(), session, funnelID, pageID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodPut:
			if !s.service.Can(session, rbac.ActionWrite) {
				s.forbid(w)
				return
			}
			var input UpdatePageInput
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.UpdatePageMeta(r.Context(), session, funnelID, pageID, input)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodDelete:
			if !s.service.Can(session, rbac.ActionWrite) {
				s.forbid(w)
				return
			}
			if err := s.service.DeletePage(r.Context(), session, funnelID, pageID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 6 && parts[3] == "pages" && parts[5] == "content" {
		if r.Method != http.MethodPut {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if !s.service.Can(session, rbac.ActionWrite) {
			s.forbid(w)
			return
		}
		var input UpdatePageContentInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdatePageContent(r.Context(), session, funnelID, parts[4], input)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleForms(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	formID := parts[2]

	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			if !s.service.Can(session, rbac.ActionRead) {
				s.forbid(w)
				return
			}
			payload, err := s.service.GetFormDetail(r.Context(), session, formID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodPut:
			if !s.service.Can(session, rbac.ActionWrite) {
				s.forbid(w)
				return
			}
			var input FormInput
			if err := decodeBody(r, &input); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.UpdateForm(r.Context(), session, formID, input)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodDelete:
			if !s.service.Can(session, rbac.ActionWrite) {
				s.forbid(w)
				return
			}
			if err := s.service.DeleteForm(r.Context(), session, formID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 4 && parts[3] == "submissions" && r.Method == http.MethodGet {
		if !s.service.Can(session, rbac.ActionRead) {
			s.forbid(w)
			return
		}
		items, err := s.service.ListFormSubmissions(r.Context(), session, formID, queryLimit(r, 50))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"submissions": items})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReviews(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 5 && parts[2] == "requests" && parts[4] == "cancel" && r.Method == http.MethodPost {
		if !s.service.Can(session, rbac.ActionSend) {
			s.forbid(w)
			return
		}
		payload, err := s.service.CancelReviewRequest(r.Context(), session, parts[3])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSequences(w http.ResponseWriter, r *http.Request, session Session, sequenceID string) {
	switch r.Method {
	case http.MethodGet:
		if !s.service.Can(session, rbac.ActionRead) {
			s.forbid(w)
			return
		}
		payload, err := s.service.GetSequenceDetail(r.Context(), session, sequenceID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case http.MethodPut:
		if !s.service.Can(session, rbac.ActionWrite) {
			s.forbid(w)
			return
		}
		var input SequenceInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateSequence(r.Context(), session, sequenceID, input)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case http.MethodDelete:
		if !s.service.Can(session, rbac.ActionWrite) {
			s.forbid(w)
			return
		}
		if err := s.service.DeleteSequence(r.Context(), session, sequenceID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleOutbox(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 4 && r.Method == http.MethodPost {
		if !s.service.Can(session, rbac.ActionSend) {
			s.forbid(w)
			return
		}
		messageID := parts[2]
		var payload map[string]any
		var err error
		switch parts[3] {
		case "cancel":
			payload, err = s.service.CancelOutboxMessage(r.Context(), session, messageID)
		case "requeue":
			payload, err = s.service.RequeueOutboxMessage(r.Context(), session, messageID)
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleAssets(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	assetID := parts[2]

	if len(parts) == 3 && r.Method == http.MethodDelete {
		if !s.service.Can(session, rbac.ActionWrite) {
			s.forbid(w)
			return
		}
		if err := s.service.DeleteAsset(r.Context(), session, assetID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if len(parts) == 4 && parts[3] == "url" && r.Method == http.MethodGet {
		if !s.service.Can(session, rbac.ActionRead) {
			s.forbid(w)
			return
		}
		payload, err := s.service.GetAssetURL(r.Context(), session, assetID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleAssetUpload(w http.ResponseWriter, r *http.Request, session Session) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAssetBytes+1<<20)
	if err := r.ParseMultipartForm(maxAssetBytes); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid multipart body", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file field is required", nil)
		return
	}
	defer file.Close()

	payload, err := s.service.UploadAsset(r.Context(), session, header.Filename, header.Header.Get("Content-Type"), header.Size, file)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) handleBookingWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhookSecret == "" {
		writeError(w, http.StatusServiceUnavailable, "WEBHOOK_DISABLED", "booking webhook is not configured", nil)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "could not read body", nil)
		return
	}

	signature := strings.ToLower(strings.TrimSpace(r.Header.Get("X-Beacon-Signature")))
	mac := hmac.New(sha256.New, []byte(s.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if signature == "" || !hmac.Equal([]byte(signature), []byte(expected)) {
		writeError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature mismatch", nil)
		return
	}

	var input BookingWebhookInput
	if err := json.Unmarshal(body, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
		return
	}
	payload, err := s.service.HandleBookingWebhook(r.Context(), input)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handlePublicSubmit(w http.ResponseWriter, r *http.Request, formID string) {
	allowed, err := s.limiter.Allow(r.Context(), "form-submit:"+clientIP(r))
	if err != nil {
		// A broken limiter should not take forms down with it.
		log.Printf("ratelimit: %v", err)
		allowed = true
	}
	if !allowed {
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many submissions, try again later", nil)
		return
	}

	var raw map[string]any
	if err := decodeBody(r, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.SubmitForm(r.Context(), formID, submitInputFromBody(raw))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Beacon-Signature")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// queryLimit reads a positive integer limit from the query string, keeping
// the fallback on anything unparseable.
func queryLimit(r *http.Request, fallback int) int {
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func clientIP(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
