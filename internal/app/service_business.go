package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"beacon/api/internal/store"
)

type UpdateBusinessInput struct {
	Name             *string `json:"name"`
	Timezone         *string `json:"timezone"`
	ReviewURL        *string `json:"reviewUrl"`
	NotifyEmail      *string `json:"notifyEmail"`
	QuietStartMinute *int    `json:"quietStartMinute"`
	QuietEndMinute   *int    `json:"quietEndMinute"`
}

// GetBusinessProfile returns the caller's business.
func (s *Service) GetBusinessProfile(ctx context.Context, session Session) (map[string]any, error) {
	business, err := s.store.GetBusiness(ctx, session.BusinessID)
	if err != nil {
		return nil, fmt.Errorf("get business: %w", err)
	}
	return businessPayload(business), nil
}

// UpdateBusinessProfile applies a partial update. The slug is fixed at
// creation because public funnel URLs embed it.
func (s *Service) UpdateBusinessProfile(ctx context.Context, session Session, input UpdateBusinessInput) (map[string]any, error) {
	business, err := s.store.GetBusiness(ctx, session.BusinessID)
	if err != nil {
		return nil, fmt.Errorf("get business: %w", err)
	}

	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name must not be empty", nil)
		}
		business.Name = name
	}
	if input.Timezone != nil {
		if _, err := time.LoadLocation(*input.Timezone); err != nil {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown timezone", map[string]string{"timezone": *input.Timezone})
		}
		business.Timezone = *input.Timezone
	}
	if input.ReviewURL != nil {
		url := strings.TrimSpace(*input.ReviewURL)
		if url != "" && !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "http://") {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "review URL must be absolute", nil)
		}
		business.ReviewURL = url
	}
	if input.NotifyEmail != nil {
		addr := strings.TrimSpace(*input.NotifyEmail)
		if addr != "" && !strings.Contains(addr, "@") {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "notify email is not an email address", nil)
		}
		business.NotifyEmail = addr
	}
	if input.QuietStartMinute != nil {
		if *input.QuietStartMinute < 0 || *input.QuietStartMinute > 1439 {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "quietStartMinute must be between 0 and 1439", nil)
		}
		business.QuietStartMinute = *input.QuietStartMinute
	}
	if input.QuietEndMinute != nil {
		if *input.QuietEndMinute < 0 || *input.QuietEndMinute > 1439 {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "quietEndMinute must be between 0 and 1439", nil)
		}
		business.QuietEndMinute = *input.QuietEndMinute
	}

	if err := s.store.UpdateBusiness(ctx, business); err != nil {
		return nil, fmt.Errorf("update business: %w", err)
	}
	return businessPayload(business), nil
}

func businessPayload(business store.Business) map[string]any {
	return map[string]any{
		"id":               business.ID,
		"name":             business.Name,
		"slug":             business.Slug,
		"timezone":         business.Timezone,
		"reviewUrl":        business.ReviewURL,
		"notifyEmail":      business.NotifyEmail,
		"quietStartMinute": business.QuietStartMinute,
		"quietEndMinute":   business.QuietEndMinute,
		"createdAt":        business.CreatedAt,
		"updatedAt":        business.UpdatedAt,
	}
}
