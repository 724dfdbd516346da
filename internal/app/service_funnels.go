package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"beacon/api/internal/gitrepo"
	"beacon/api/internal/store"
	"beacon/api/internal/util"
)

type CreateFunnelInput struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type UpdateFunnelInput struct {
	Name *string `json:"name"`
	Slug *string `json:"slug"`
}

// ListFunnels returns every funnel in the caller's business.
func (s *Service) ListFunnels(ctx context.Context, session Session) ([]map[string]any, error) {
	funnels, err := s.store.ListFunnels(ctx, session.BusinessID)
	if err != nil {
		return nil, fmt.Errorf("list funnels: %w", err)
	}
	payload := make([]map[string]any, 0, len(funnels))
	for _, f := range funnels {
		payload = append(payload, funnelPayload(f))
	}
	return payload, nil
}

// CreateFunnel creates a funnel with one starter page and initializes its
// git repository. The first commit lands on main with the draft branch
// pointing at it.
func (s *Service) CreateFunnel(ctx context.Context, session Session, input CreateFunnelInput) (map[string]any, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" || len(name) > 120 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name must be 1-120 characters", nil)
	}
	slug := input.Slug
	if slug == "" {
		slug = slugify(name)
	}
	if !validSlug(slug) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "slug must be lowercase letters, digits, and hyphens", map[string]string{"slug": slug})
	}
	if _, err := s.store.GetFunnelBySlug(ctx, session.BusinessID, slug); err == nil {
		return nil, domainError(http.StatusConflict, "SLUG_TAKEN", "a funnel with this slug already exists", map[string]string{"slug": slug})
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("check funnel slug: %w", err)
	}

	funnel := store.Funnel{
		ID:         util.NewID("fun"),
		BusinessID: session.BusinessID,
		Name:       name,
		Slug:       slug,
		Status:     "draft",
	}
	if err := s.store.InsertFunnel(ctx, funnel); err != nil {
		return nil, fmt.Errorf("insert funnel: %w", err)
	}

	home := store.Page{
		ID:          util.NewID("pag"),
		FunnelID:    funnel.ID,
		BusinessID:  session.BusinessID,
		Title:       "Home",
		Slug:        "home",
		Position:    1,
		ContentMode: "blocks",
		Content:     "[]",
	}
	if err := s.store.InsertPage(ctx, home); err != nil {
		return nil, fmt.Errorf("insert starter page: %w", err)
	}

	content := funnelContent(funnel, []store.Page{home})
	if err := s.git.EnsureFunnelRepo(funnel.ID, content, commitAuthor(session)); err != nil {
		return nil, fmt.Errorf("init funnel repo: %w", err)
	}

	s.indexRecord(ctx, "funnel", funnel.ID, funnel.BusinessID, funnel.Name, "", funnel.Slug)
	return funnelPayload(funnel), nil
}

// GetFunnelDetail returns the funnel, its pages, and whether the draft has
// diverged from the last publish.
func (s *Service) GetFunnelDetail(ctx context.Context, session Session, funnelID string) (map[string]any, error) {
	funnel, err := s.funnelScoped(ctx, session, funnelID)
	if err != nil {
		return nil, err
	}
	pages, err := s.store.ListPages(ctx, funnel.ID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}

	draft, _, err := s.git.HeadContent(funnel.ID, gitrepo.DraftBranch)
	if err != nil {
		return nil, fmt.Errorf("read draft head: %w", err)
	}
	published, _, err := s.git.HeadContent(funnel.ID, gitrepo.MainBranch)
	if err != nil {
		return nil, fmt.Errorf("read main head: %w", err)
	}

	payload := funnelPayload(funnel)
	pagePayloads := make([]map[string]any, 0, len(pages))
	for _, p := range pages {
		pagePayloads = append(pagePayloads, pageSummaryPayload(p))
	}
	payload["pages"] = pagePayloads
	payload["hasUnpublishedChanges"] = gitrepo.HasChanges(published, draft)
	return payload, nil
}

// UpdateFunnel renames a funnel or changes its public slug, recording the
// change on the draft branch.
func (s *Service) UpdateFunnel(ctx context.Context, session Session, funnelID string, input UpdateFunnelInput) (map[string]any, error) {
	funnel, err := s.funnelScoped(ctx, session, funnelID)
	if err != nil {
		return nil, err
	}

	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" || len(name) > 120 {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name must be 1-120 characters", nil)
		}
		funnel.Name = name
	}
	if input.Slug != nil && *input.Slug != funnel.Slug {
		if !validSlug(*input.Slug) {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "slug must be lowercase letters, digits, and hyphens", map[string]string{"slug": *input.Slug})
		}
		if existing, err := s.store.GetFunnelBySlug(ctx, session.BusinessID, *input.Slug); err == nil && existing.ID != funnel.ID {
			return nil, domainError(http.StatusConflict, "SLUG_TAKEN", "a funnel with this slug already exists", map[string]string{"slug": *input.Slug})
		} else if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("check funnel slug: %w", err)
		}
		funnel.Slug = *input.Slug
	}

	if err := s.store.UpdateFunnel(ctx, funnel.ID, funnel.Name, funnel.Slug); err != nil {
		return nil, fmt.Errorf("update funnel: %w", err)
	}
	if _, err := s.commitDraft(ctx, funnel, commitAuthor(session), "Update funnel settings"); err != nil {
		return nil, err
	}

	s.indexRecord(ctx, "funnel", funnel.ID, funnel.BusinessID, funnel.Name, "", funnel.Slug)
	return funnelPayload(funnel), nil
}

// ArchiveFunnel takes a funnel off the public site and out of search. Its
// git history stays on disk.
func (s *Service) ArchiveFunnel(ctx context.Context, session Session, funnelID string) error {
	funnel, err := s.funnelScoped(ctx, session, funnelID)
	if err != nil {
		return err
	}
	if err := s.store.UpdateFunnelStatus(ctx, funnel.ID, "archived"); err != nil {
		return fmt.Errorf("archive funnel: %w", err)
	}

	s.removeRecord(ctx, "funnel", funnel.ID)
	pages, err := s.store.ListPages(ctx, funnel.ID)
	if err != nil {
		log.Printf("search: list pages for archived funnel %s: %v", funnel.ID, err)
		return nil
	}
	for _, p := range pages {
		s.removeRecord(ctx, "page", p.ID)
	}
	return nil
}

// PublishFunnel validates every page, copy-commits the draft head onto main,
// and marks the funnel published. Publishing never mutates draft content.
func (s *Service) PublishFunnel(ctx context.Context, session Session, funnelID string) (map[string]any, error) {
	funnel, err := s.funnelScoped(ctx, session, funnelID)
	if err != nil {
		return nil, err
	}
	pages, err := s.store.ListPages(ctx, funnel.ID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	if len(pages) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "cannot publish a funnel with no pages", nil)
	}
	for _, page := range pages {
		if _, _, err := s.validatePageContent(ctx, session.BusinessID, page.ContentMode, page.Content); err != nil {
			var derr *DomainError
			if errors.As(err, &derr) {
				return nil, domainError(http.StatusUnprocessableEntity, "PAGE_INVALID", fmt.Sprintf("page %q does not render: %s", page.Title, derr.Message), derr.Details)
			}
			return nil, err
		}
	}

	author := commitAuthor(session)
	// Fold any database state the draft branch missed into the publish.
	if _, err := s.commitDraft(ctx, funnel, author, "Prepare publish"); err != nil {
		return nil, err
	}
	commit, err := s.git.PublishToMain(funnel.ID, author, fmt.Sprintf("Publish %s", funnel.Name))
	if err != nil {
		return nil, fmt.Errorf("publish to main: %w", err)
	}
	if err := s.git.CreateTag(funnel.ID, commit.Hash, fmt.Sprintf("publish-%s", s.now().UTC().Format("20060102-150405"))); err != nil {
		log.Printf("git: tag publish commit %s: %v", commit.Hash, err)
	}
	if err := s.store.MarkFunnelPublished(ctx, funnel.ID); err != nil {
		return nil, fmt.Errorf("mark funnel published: %w", err)
	}
	funnel.Status = "published"

	s.indexRecord(ctx, "funnel", funnel.ID, funnel.BusinessID, funnel.Name, "", funnel.Slug)
	for _, page := range pages {
		s.indexRecord(ctx, "page", page.ID, funnel.BusinessID, page.Title, pagePlainText(page), funnel.Slug+"/"+page.Slug)
	}
	s.captureSnapshotAsync(funnel)

	payload := funnelPayload(funnel)
	payload["commit"] = commitPayload(commit)
	return payload, nil
}

// DuplicateFunnel copies a funnel's draft pages into a new funnel with a
// fresh git history. Publish state does not carry over.
func (s *Service) DuplicateFunnel(ctx context.Context, session Session, funnelID string) (map[string]any, error) {
	source, err := s.funnelScoped(ctx, session, funnelID)
	if err != nil {
		return nil, err
	}
	pages, err := s.store.ListPages(ctx, source.ID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}

	name := source.Name + " Copy"
	slug, err := s.availableFunnelSlug(ctx, session.BusinessID, slugify(name))
	if err != nil {
		return nil, err
	}
	dup := store.Funnel{
		ID:         util.NewID("fun"),
		BusinessID: session.BusinessID,
		Name:       name,
		Slug:       slug,
		Status:     "draft",
	}
	if err := s.store.InsertFunnel(ctx, dup); err != nil {
		return nil, fmt.Errorf("insert funnel copy: %w", err)
	}

	copied := make([]store.Page, 0, len(pages))
	for _, page := range pages {
		cp := page
		cp.ID = util.NewID("pag")
		cp.FunnelID = dup.ID
		if err := s.store.InsertPage(ctx, cp); err != nil {
			return nil, fmt.Errorf("copy page %s: %w", page.ID, err)
		}
		copied = append(copied, cp)
	}

	if err := s.git.EnsureFunnelRepo(dup.ID, funnelContent(dup, copied), commitAuthor(session)); err != nil {
		return nil, fmt.Errorf("init funnel repo: %w", err)
	}
	s.indexRecord(ctx, "funnel", dup.ID, dup.BusinessID, dup.Name, "", dup.Slug)
	return funnelPayload(dup), nil
}

// FunnelHistory lists publishes (main) or draft commits, newest first.
func (s *Service) FunnelHistory(ctx context.Context, session Session, funnelID, branch string, limit int) ([]map[string]any, error) {
	funnel, err := s.funnelScoped(ctx, session, funnelID)
	if err != nil {
		return nil, err
	}
	switch branch {
	case "":
		branch = gitrepo.MainBranch
	case gitrepo.MainBranch, gitrepo.DraftBranch:
	default:
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "branch must be main or draft", map[string]string{"branch": branch})
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	commits, err := s.git.History(funnel.ID, branch, limit)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	payload := make([]map[string]any, 0, len(commits))
	for _, c := range commits {
		payload = append(payload, commitPayload(c))
	}
	return payload, nil
}

// RestoreFunnelVersion replaces the draft pages with the content recorded at
// a commit. The restore itself becomes a new draft commit, so nothing in
// history is lost.
func (s *Service) RestoreFunnelVersion(ctx context.Context, session Session, funnelID, commitHash string) (map[string]any, error) {
	funnel, err := s.funnelScoped(ctx, session, funnelID)
	if err != nil {
		return nil, err
	}
	if commitHash == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "commit is required", nil)
	}
	content, err := s.git.ContentAt(funnel.ID, commitHash)
	if err != nil {
		return nil, domainError(http.StatusNotFound, "COMMIT_NOT_FOUND", "no such commit for this funnel", map[string]string{"commit": commitHash})
	}

	current, err := s.store.ListPages(ctx, funnel.ID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	restoredIDs := make(map[string]bool, len(content.Pages))
	for _, pc := range content.Pages {
		restoredIDs[pc.ID] = true
	}
	for _, page := range current {
		if !restoredIDs[page.ID] {
			if err := s.store.DeletePage(ctx, page.ID); err != nil {
				return nil, fmt.Errorf("drop page %s: %w", page.ID, err)
			}
			s.removeRecord(ctx, "page", page.ID)
		}
	}
	currentIDs := make(map[string]bool, len(current))
	for _, page := range current {
		currentIDs[page.ID] = true
	}
	for _, pc := range content.Pages {
		page := store.Page{
			ID:             pc.ID,
			FunnelID:       funnel.ID,
			BusinessID:     funnel.BusinessID,
			Title:          pc.Title,
			Slug:           pc.Slug,
			Position:       pc.Position,
			ContentMode:    pc.ContentMode,
			Content:        pc.Content,
			SeoTitle:       pc.SeoTitle,
			SeoDescription: pc.SeoDescription,
		}
		if currentIDs[pc.ID] {
			if err := s.store.UpdatePage(ctx, page.ID, page.Title, page.Slug, page.SeoTitle, page.SeoDescription); err != nil {
				return nil, fmt.Errorf("restore page %s: %w", page.ID, err)
			}
			if err := s.store.UpdatePageContent(ctx, page.ID, page.ContentMode, page.Content); err != nil {
				return nil, fmt.Errorf("restore page content %s: %w", page.ID, err)
			}
		} else {
			if err := s.store.InsertPage(ctx, page); err != nil {
				return nil, fmt.Errorf("restore page %s: %w", page.ID, err)
			}
		}
	}
	ordered := make([]string, 0, len(content.Pages))
	for _, pc := range content.Pages {
		ordered = append(ordered, pc.ID)
	}
	if err := s.store.ReorderPages(ctx, funnel.ID, ordered); err != nil {
		return nil, fmt.Errorf("restore page order: %w", err)
	}

	short := commitHash
	if len(short) > 8 {
		short = short[:8]
	}
	commit, err := s.commitDraft(ctx, funnel, commitAuthor(session), fmt.Sprintf("Restore %s", short))
	if err != nil {
		return nil, err
	}
	payload := funnelPayload(funnel)
	payload["commit"] = commitPayload(commit)
	return payload, nil
}

// funnelScoped loads a funnel and hides other tenants' funnels behind a
// not-found.
func (s *Service) funnelScoped(ctx context.Context, session Session, funnelID string) (store.Funnel, error) {
	funnel, err := s.store.GetFunnel(ctx, funnelID)
	if err != nil {
		return store.Funnel{}, err
	}
	if funnel.BusinessID != session.BusinessID {
		return store.Funnel{}, sql.ErrNoRows
	}
	return funnel, nil
}

func (s *Service) availableFunnelSlug(ctx context.Context, businessID, base string) (string, error) {
	slug := base
	for i := 2; i < 50; i++ {
		_, err := s.store.GetFunnelBySlug(ctx, businessID, slug)
		if errors.Is(err, sql.ErrNoRows) {
			return slug, nil
		}
		if err != nil {
			return "", fmt.Errorf("check funnel slug: %w", err)
		}
		slug = fmt.Sprintf("%s-%d", base, i)
	}
	return "", domainError(http.StatusConflict, "SLUG_TAKEN", "could not find a free slug", nil)
}

// commitDraft commits the database state of a funnel onto the draft branch,
// skipping the commit when nothing changed.
func (s *Service) commitDraft(ctx context.Context, funnel store.Funnel, author, message string) (store.CommitInfo, error) {
	pages, err := s.store.ListPages(ctx, funnel.ID)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("list pages: %w", err)
	}
	content := funnelContent(funnel, pages)
	if head, headCommit, err := s.git.HeadContent(funnel.ID, gitrepo.DraftBranch); err == nil && !gitrepo.HasChanges(head, content) {
		return headCommit, nil
	}
	commit, err := s.git.CommitDraft(funnel.ID, content, author, message)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("commit draft: %w", err)
	}
	return commit, nil
}

func funnelContent(funnel store.Funnel, pages []store.Page) gitrepo.FunnelContent {
	content := gitrepo.FunnelContent{
		Name:  funnel.Name,
		Slug:  funnel.Slug,
		Pages: make([]gitrepo.PageContent, 0, len(pages)),
	}
	for _, p := range pages {
		content.Pages = append(content.Pages, gitrepo.PageContent{
			ID:             p.ID,
			Title:          p.Title,
			Slug:           p.Slug,
			Position:       p.Position,
			ContentMode:    p.ContentMode,
			Content:        p.Content,
			SeoTitle:       p.SeoTitle,
			SeoDescription: p.SeoDescription,
		})
	}
	return content
}

func commitAuthor(session Session) string {
	return firstNonBlank(session.UserName, session.Email, "beacon")
}

func funnelPayload(funnel store.Funnel) map[string]any {
	return map[string]any{
		"id":              funnel.ID,
		"name":            funnel.Name,
		"slug":            funnel.Slug,
		"status":          funnel.Status,
		"snapshotAssetId": funnel.SnapshotAssetID,
		"publishedAt":     funnel.PublishedAt,
		"createdAt":       funnel.CreatedAt,
		"updatedAt":       funnel.UpdatedAt,
	}
}

func commitPayload(commit store.CommitInfo) map[string]any {
	return map[string]any{
		"hash":      commit.Hash,
		"message":   commit.Message,
		"author":    commit.Author,
		"createdAt": commit.CreatedAt,
	}
}
