package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"

	"beacon/api/internal/content"
	"beacon/api/internal/gitrepo"
	"beacon/api/internal/store"
)

// PublicFunnel returns the published page list for a funnel plus the
// rendered first page. Content comes from the published branch, so draft
// edits stay invisible until the next publish.
func (s *Service) PublicFunnel(ctx context.Context, businessSlug, funnelSlug string) (map[string]any, error) {
	business, funnel, published, err := s.publishedContent(ctx, businessSlug, funnelSlug)
	if err != nil {
		return nil, err
	}

	pages := make([]map[string]any, 0, len(published.Pages))
	for _, page := range published.Pages {
		pages = append(pages, map[string]any{
			"title":    page.Title,
			"slug":     page.Slug,
			"position": page.Position,
		})
	}

	payload := map[string]any{
		"business": map[string]any{"name": business.Name, "slug": business.Slug},
		"funnel":   map[string]any{"name": funnel.Name, "slug": funnel.Slug},
		"pages":    pages,
	}
	if len(published.Pages) > 0 {
		rendered, err := s.renderPublishedPage(ctx, business.ID, published.Pages[0])
		if err != nil {
			return nil, err
		}
		payload["page"] = rendered
	}
	return payload, nil
}

// PublicPage renders one published page as JSON.
func (s *Service) PublicPage(ctx context.Context, businessSlug, funnelSlug, pageSlug string) (map[string]any, error) {
	business, _, published, err := s.publishedContent(ctx, businessSlug, funnelSlug)
	if err != nil {
		return nil, err
	}
	for _, page := range published.Pages {
		if page.Slug == pageSlug {
			return s.renderPublishedPage(ctx, business.ID, page)
		}
	}
	return nil, sql.ErrNoRows
}

// publishedContent resolves slugs to the published branch content.
// Unpublished funnels look identical to missing ones from outside.
func (s *Service) publishedContent(ctx context.Context, businessSlug, funnelSlug string) (store.Business, store.Funnel, gitrepo.FunnelContent, error) {
	business, err := s.store.GetBusinessBySlug(ctx, businessSlug)
	if err != nil {
		return store.Business{}, store.Funnel{}, gitrepo.FunnelContent{}, err
	}
	funnel, err := s.store.GetFunnelBySlug(ctx, business.ID, funnelSlug)
	if err != nil {
		return store.Business{}, store.Funnel{}, gitrepo.FunnelContent{}, err
	}
	if funnel.Status != "published" {
		return store.Business{}, store.Funnel{}, gitrepo.FunnelContent{}, sql.ErrNoRows
	}
	published, _, err := s.git.HeadContent(funnel.ID, gitrepo.MainBranch)
	if err != nil {
		return store.Business{}, store.Funnel{}, gitrepo.FunnelContent{}, fmt.Errorf("read published content: %w", err)
	}
	sort.Slice(published.Pages, func(i, j int) bool { return published.Pages[i].Position < published.Pages[j].Position })
	return business, funnel, published, nil
}

func (s *Service) renderPublishedPage(ctx context.Context, businessID string, page gitrepo.PageContent) (map[string]any, error) {
	payload := map[string]any{
		"id":             page.ID,
		"title":          page.Title,
		"slug":           page.Slug,
		"contentMode":    page.ContentMode,
		"seoTitle":       page.SeoTitle,
		"seoDescription": page.SeoDescription,
	}

	switch page.ContentMode {
	case "markdown":
		html, err := content.RenderMarkdown(page.Content)
		if err != nil {
			return nil, fmt.Errorf("render markdown for page %s: %w", page.ID, err)
		}
		payload["html"] = html
	case "blocks":
		blocks, err := content.ParseBlocks([]byte(page.Content))
		if err != nil {
			return nil, fmt.Errorf("parse blocks for page %s: %w", page.ID, err)
		}
		payload["html"] = content.RenderBlocks(blocks, s.assetResolver(ctx, businessID))
		payload["blocks"] = blocks
	default:
		payload["html"] = page.Content
	}
	return payload, nil
}

// assetResolver maps image block asset refs to presigned URLs. Unknown,
// foreign, or unreachable assets resolve to an empty src rather than
// failing the whole page.
func (s *Service) assetResolver(ctx context.Context, businessID string) content.AssetResolver {
	return func(assetID string) string {
		if s.blobs == nil {
			return ""
		}
		asset, err := s.store.GetAsset(ctx, assetID)
		if err != nil || asset.BusinessID != businessID {
			return ""
		}
		url, err := s.blobs.PresignedGet(ctx, asset.ObjectKey)
		if err != nil {
			log.Printf("assets: presign %s: %v", asset.ObjectKey, err)
			return ""
		}
		return url
	}
}
