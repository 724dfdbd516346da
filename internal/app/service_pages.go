package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"beacon/api/internal/content"
	"beacon/api/internal/store"
	"beacon/api/internal/util"
)

// maxContentBytes caps a single page body regardless of mode.
const maxContentBytes = 100 * 1024

type CreatePageInput struct {
	Title       string `json:"title"`
	Slug        string `json:"slug"`
	ContentMode string `json:"contentMode"`
}

type UpdatePageInput struct {
	Title          *string `json:"title"`
	Slug           *string `json:"slug"`
	SeoTitle       *string `json:"seoTitle"`
	SeoDescription *string `json:"seoDescription"`
}

type UpdatePageContentInput struct {
	ContentMode string          `json:"contentMode"`
	Content     json.RawMessage `json:"content"`
}

type ReorderPagesInput struct {
	PageIDs []string `json:"pageIds"`
}

// CreatePage appends a page to the end of a funnel.
func (s *Service) CreatePage(ctx context.Context, session Session, funnelID string, input CreatePageInput) (map[string]any, error) {
	funnel, err := s.funnelScoped(ctx, session, funnelID)
	if err != nil {
		return nil, err
	}

	title := strings.TrimSpace(input.Title)
	if title == "" || len(title) > 120 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title must be 1-120 characters", nil)
	}
	slug := input.Slug
	if slug == "" {
		slug = slugify(title)
	}
	if !validSlug(slug) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "slug must be lowercase letters, digits, and hyphens", map[string]string{"slug": slug})
	}
	if _, err := s.store.GetPageBySlug(ctx, funnel.ID, slug); err == nil {
		return nil, domainError(http.StatusConflict, "SLUG_TAKEN", "a page with this slug already exists in the funnel", map[string]string{"slug": slug})
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("check page slug: %w", err)
	}

	mode := input.ContentMode
	if mode == "" {
		mode = "blocks"
	}
	var initial string
	switch mode {
	case "blocks":
		initial = "[]"
	case "markdown", "html":
		initial = ""
	default:
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "contentMode must be markdown, blocks, or html", map[string]string{"contentMode": mode})
	}

	existing, err := s.store.ListPages(ctx, funnel.ID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}

	page := store.Page{
		ID:          util.NewID("pag"),
		FunnelID:    funnel.ID,
		BusinessID:  funnel.BusinessID,
		Title:       title,
		Slug:        slug,
		Position:    len(existing) + 1,
		ContentMode: mode,
		Content:     initial,
	}
	if err := s.store.InsertPage(ctx, page); err != nil {
		return nil, fmt.Errorf("insert page: %w", err)
	}
	if _, err := s.commitDraft(ctx, funnel, commitAuthor(session), fmt.Sprintf("Add page %s", title)); err != nil {
		return nil, err
	}
	s.indexRecord(ctx, "page", page.ID, funnel.BusinessID, page.Title, pagePlainText(page), funnel.Slug+"/"+page.Slug)
	return pagePayload(page), nil
}

// ListFunnelPages returns the funnel's pages in display order.
func (s *Service) ListFunnelPages(ctx context.Context, session Session, funnelID string) ([]map[string]any, error) {
	funnel, err := s.funnelScoped(ctx, session, funnelID)
	if err != nil {
		return nil, err
	}
	pages, err := s.store.ListPages(ctx, funnel.ID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	payload := make([]map[string]any, 0, len(pages))
	for _, page := range pages {
		payload = append(payload, pageSummaryPayload(page))
	}
	return payload, nil
}

// GetPageDetail returns one page with its full content.
func (s *Service) GetPageDetail(ctx context.Context, session Session, funnelID, pageID string) (map[string]any, error) {
	_, page, err := s.pageScoped(ctx, session, funnelID, pageID)
	if err != nil {
		return nil, err
	}
	return pagePayload(page), nil
}

// UpdatePageMeta changes a page's title, slug, or SEO fields.
func (s *Service) UpdatePageMeta(ctx context.Context, session Session, funnelID, pageID string, input UpdatePageInput) (map[string]any, error) {
	funnel, page, err := s.pageScoped(ctx, session, funnelID, pageID)
	if err != nil {
		return nil, err
	}

	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" || len(title) > 120 {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title must be 1-120 characters", nil)
		}
		page.Title = title
	}
	if input.Slug != nil && *input.Slug != page.Slug {
		if !validSlug(*input.Slug) {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "slug must be lowercase letters, digits, and hyphens", map[string]string{"slug": *input.Slug})
		}
		if existing, err := s.store.GetPageBySlug(ctx, funnel.ID, *input.Slug); err == nil && existing.ID != page.ID {
			return nil, domainError(http.StatusConflict, "SLUG_TAKEN", "a page with this slug already exists in the funnel", map[string]string{"slug": *input.Slug})
		} else if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("check page slug: %w", err)
		}
		page.Slug = *input.Slug
	}
	if input.SeoTitle != nil {
		page.SeoTitle = strings.TrimSpace(*input.SeoTitle)
	}
	if input.SeoDescription != nil {
		page.SeoDescription = strings.TrimSpace(*input.SeoDescription)
	}

	if err := s.store.UpdatePage(ctx, page.ID, page.Title, page.Slug, page.SeoTitle, page.SeoDescription); err != nil {
		return nil, fmt.Errorf("update page: %w", err)
	}
	if _, err := s.commitDraft(ctx, funnel, commitAuthor(session), fmt.Sprintf("Update page %s", page.Title)); err != nil {
		return nil, err
	}
	s.indexRecord(ctx, "page", page.ID, funnel.BusinessID, page.Title, pagePlainText(page), funnel.Slug+"/"+page.Slug)
	return pagePayload(page), nil
}

// UpdatePageContent replaces a page's body. Blocks are normalized and their
// form and asset references checked before anything is stored; the page's
// content mode may change with the content.
func (s *Service) UpdatePageContent(ctx context.Context, session Session, funnelID, pageID string, input UpdatePageContentInput) (map[string]any, error) {
	funnel, page, err := s.pageScoped(ctx, session, funnelID, pageID)
	if err != nil {
		return nil, err
	}

	mode := input.ContentMode
	if mode == "" {
		mode = page.ContentMode
	}
	raw := rawContentString(mode, input.Content)
	stored, _, err := s.validatePageContent(ctx, session.BusinessID, mode, raw)
	if err != nil {
		return nil, err
	}

	if err := s.store.UpdatePageContent(ctx, page.ID, mode, stored); err != nil {
		return nil, fmt.Errorf("update page content: %w", err)
	}
	page.ContentMode = mode
	page.Content = stored
	if _, err := s.commitDraft(ctx, funnel, commitAuthor(session), fmt.Sprintf("Edit page %s", page.Title)); err != nil {
		return nil, err
	}
	s.indexRecord(ctx, "page", page.ID, funnel.BusinessID, page.Title, pagePlainText(page), funnel.Slug+"/"+page.Slug)
	return pagePayload(page), nil
}

// DeletePage removes a page. The last page of a funnel cannot be deleted so
// a published funnel never goes blank.
func (s *Service) DeletePage(ctx context.Context, session Session, funnelID, pageID string) error {
	funnel, page, err := s.pageScoped(ctx, session, funnelID, pageID)
	if err != nil {
		return err
	}
	pages, err := s.store.ListPages(ctx, funnel.ID)
	if err != nil {
		return fmt.Errorf("list pages: %w", err)
	}
	if len(pages) <= 1 {
		return domainError(http.StatusUnprocessableEntity, "LAST_PAGE", "a funnel must keep at least one page", nil)
	}
	if err := s.store.DeletePage(ctx, page.ID); err != nil {
		return fmt.Errorf("delete page: %w", err)
	}
	remaining := make([]string, 0, len(pages)-1)
	for _, p := range pages {
		if p.ID != page.ID {
			remaining = append(remaining, p.ID)
		}
	}
	if err := s.store.ReorderPages(ctx, funnel.ID, remaining); err != nil {
		return fmt.Errorf("compact page order: %w", err)
	}
	if _, err := s.commitDraft(ctx, funnel, commitAuthor(session), fmt.Sprintf("Delete page %s", page.Title)); err != nil {
		return err
	}
	s.removeRecord(ctx, "page", page.ID)
	return nil
}

// ReorderFunnelPages sets a new page order. The list must name every page of
// the funnel exactly once.
func (s *Service) ReorderFunnelPages(ctx context.Context, session Session, funnelID string, input ReorderPagesInput) ([]map[string]any, error) {
	funnel, err := s.funnelScoped(ctx, session, funnelID)
	if err != nil {
		return nil, err
	}
	pages, err := s.store.ListPages(ctx, funnel.ID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	known := make(map[string]bool, len(pages))
	for _, p := range pages {
		known[p.ID] = true
	}
	seen := make(map[string]bool, len(input.PageIDs))
	for _, id := range input.PageIDs {
		if !known[id] || seen[id] {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "pageIds must name every page of the funnel exactly once", nil)
		}
		seen[id] = true
	}
	if len(input.PageIDs) != len(pages) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "pageIds must name every page of the funnel exactly once", nil)
	}
	if err := s.store.ReorderPages(ctx, funnel.ID, input.PageIDs); err != nil {
		return nil, fmt.Errorf("reorder pages: %w", err)
	}
	if _, err := s.commitDraft(ctx, funnel, commitAuthor(session), "Reorder pages"); err != nil {
		return nil, err
	}

	ordered, err := s.store.ListPages(ctx, funnel.ID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	payload := make([]map[string]any, 0, len(ordered))
	for _, p := range ordered {
		payload = append(payload, pageSummaryPayload(p))
	}
	return payload, nil
}

// validatePageContent checks a page body for its mode and returns the form
// to store plus a plain-text projection for search.
func (s *Service) validatePageContent(ctx context.Context, businessID, mode, raw string) (string, string, error) {
	if len(raw) > maxContentBytes {
		return "", "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content exceeds the 100 KiB limit", nil)
	}
	switch mode {
	case "markdown":
		if _, err := content.RenderMarkdown(raw); err != nil {
			return "", "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "markdown does not render", map[string]string{"error": err.Error()})
		}
		return raw, raw, nil
	case "html":
		return raw, "", nil
	case "blocks":
		if raw == "" {
			raw = "[]"
		}
		blocks, err := content.ParseBlocks([]byte(raw))
		if err != nil {
			return "", "", blockValidationError(err)
		}
		normalized, refs, err := content.Normalize(blocks)
		if err != nil {
			return "", "", blockValidationError(err)
		}
		if err := s.checkContentRefs(ctx, businessID, refs); err != nil {
			return "", "", err
		}
		encoded, err := json.Marshal(normalized)
		if err != nil {
			return "", "", fmt.Errorf("encode blocks: %w", err)
		}
		return string(encoded), content.PlainText(normalized), nil
	default:
		return "", "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "contentMode must be markdown, blocks, or html", map[string]string{"contentMode": mode})
	}
}

// checkContentRefs verifies that every form and asset a block tree points at
// exists in the same business.
func (s *Service) checkContentRefs(ctx context.Context, businessID string, refs content.Refs) error {
	for _, formID := range refs.FormIDs {
		form, err := s.store.GetForm(ctx, formID)
		if err != nil || form.BusinessID != businessID {
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("check form ref: %w", err)
			}
			return domainError(http.StatusUnprocessableEntity, "UNKNOWN_REFERENCE", "content references a form that does not exist", map[string]string{"formId": formID})
		}
	}
	for _, assetID := range refs.AssetIDs {
		asset, err := s.store.GetAsset(ctx, assetID)
		if err != nil || asset.BusinessID != businessID {
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("check asset ref: %w", err)
			}
			return domainError(http.StatusUnprocessableEntity, "UNKNOWN_REFERENCE", "content references an asset that does not exist", map[string]string{"assetId": assetID})
		}
	}
	return nil
}

func blockValidationError(err error) error {
	var vErr *content.ValidationError
	if errors.As(err, &vErr) {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", vErr.Message, map[string]string{"path": vErr.Path})
	}
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
}

// pageScoped loads a page through its funnel so both tenancy and nesting are
// checked in one place.
func (s *Service) pageScoped(ctx context.Context, session Session, funnelID, pageID string) (store.Funnel, store.Page, error) {
	funnel, err := s.funnelScoped(ctx, session, funnelID)
	if err != nil {
		return store.Funnel{}, store.Page{}, err
	}
	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return store.Funnel{}, store.Page{}, err
	}
	if page.FunnelID != funnel.ID {
		return store.Funnel{}, store.Page{}, sql.ErrNoRows
	}
	return funnel, page, nil
}

// rawContentString keeps blocks as raw JSON and unwraps JSON strings for the
// text modes.
func rawContentString(mode string, raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if mode == "blocks" {
		return string(raw)
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return string(raw)
}

func pagePlainText(page store.Page) string {
	switch page.ContentMode {
	case "blocks":
		blocks, err := content.ParseBlocks([]byte(page.Content))
		if err != nil {
			return ""
		}
		return content.PlainText(blocks)
	case "markdown":
		return page.Content
	default:
		return ""
	}
}

func pageSummaryPayload(page store.Page) map[string]any {
	return map[string]any{
		"id":          page.ID,
		"title":       page.Title,
		"slug":        page.Slug,
		"position":    page.Position,
		"contentMode": page.ContentMode,
		"updatedAt":   page.UpdatedAt,
	}
}

func pagePayload(page store.Page) map[string]any {
	payload := pageSummaryPayload(page)
	payload["content"] = page.Content
	payload["seoTitle"] = page.SeoTitle
	payload["seoDescription"] = page.SeoDescription
	payload["createdAt"] = page.CreatedAt
	return payload
}
