package app

import (
	"context"
	"log"
	"net/http"
	"strings"

	"beacon/api/internal/search"
)

// Search runs a tenant-scoped full-text query across funnels, pages, and
// forms.
func (s *Service) Search(ctx context.Context, session Session, text, kind string, limit, offset int) (search.Response, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "query text is required", nil)
	}
	var filter search.ResultKind
	switch kind {
	case "":
	case "funnel", "page", "form":
		filter = search.ResultKind(kind)
	default:
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "kind must be funnel, page, or form", map[string]string{"kind": kind})
	}
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.search.Search(search.Query{
		Text:       text,
		BusinessID: session.BusinessID,
		FilterKind: filter,
		Limit:      limit,
		Offset:     offset,
	}), nil
}

// indexRecord writes a searchable entity to the database mirror and the
// external index. The mirror is the source of truth for reindexing, so a
// failed write there is logged loudly; the external index call is
// fire-and-forget inside the search service.
func (s *Service) indexRecord(ctx context.Context, kind, id, businessID, title, body, slug string) {
	if err := s.store.UpsertSearchDocument(ctx, kind, id, businessID, title, body, slug); err != nil {
		log.Printf("search: upsert document %s/%s: %v", kind, id, err)
	}
	s.search.Index(search.Record{
		ID:         id,
		Kind:       kind,
		BusinessID: businessID,
		Title:      title,
		Body:       body,
		Slug:       slug,
	})
}

// removeRecord drops a searchable entity from both sides of the index.
func (s *Service) removeRecord(ctx context.Context, kind, id string) {
	if err := s.store.DeleteSearchDocument(ctx, kind, id); err != nil {
		log.Printf("search: delete document %s/%s: %v", kind, id, err)
	}
	s.search.Delete(id)
}
