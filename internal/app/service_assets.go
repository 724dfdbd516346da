package app

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"beacon/api/internal/store"
	"beacon/api/internal/util"
)

// maxAssetBytes caps one uploaded file.
const maxAssetBytes = 10 << 20

var assetExtensions = map[string]string{
	"image/png":     ".png",
	"image/jpeg":    ".jpg",
	"image/gif":     ".gif",
	"image/webp":    ".webp",
	"image/svg+xml": ".svg",
}

// UploadAsset stores an image in object storage and records it. Object keys
// are prefixed with the business ID so tenants never share a namespace.
func (s *Service) UploadAsset(ctx context.Context, session Session, filename, contentType string, size int64, r io.Reader) (map[string]any, error) {
	if s.blobs == nil {
		return nil, domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "object storage is not configured", nil)
	}
	if size <= 0 || size > maxAssetBytes {
		return nil, domainError(http.StatusRequestEntityTooLarge, "TOO_LARGE", "uploads are limited to 10 MiB", nil)
	}
	ext, ok := assetExtensions[contentType]
	if !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unsupported image type", map[string]string{"contentType": contentType})
	}

	asset := store.Asset{
		ID:          util.NewID("ast"),
		BusinessID:  session.BusinessID,
		Filename:    filename,
		ContentType: contentType,
		SizeBytes:   size,
		Kind:        "upload",
	}
	asset.ObjectKey = fmt.Sprintf("%s/%s%s", session.BusinessID, asset.ID, ext)

	if err := s.blobs.Put(ctx, asset.ObjectKey, r, size, contentType); err != nil {
		return nil, fmt.Errorf("store object: %w", err)
	}
	if err := s.store.InsertAsset(ctx, asset); err != nil {
		return nil, fmt.Errorf("insert asset: %w", err)
	}

	payload := assetPayload(asset)
	if url, err := s.blobs.PresignedGet(ctx, asset.ObjectKey); err == nil {
		payload["url"] = url
	}
	return payload, nil
}

// ListAssets returns the business's assets, optionally filtered to uploads
// or snapshots.
func (s *Service) ListAssets(ctx context.Context, session Session, kind string) ([]map[string]any, error) {
	if kind != "" && kind != "upload" && kind != "snapshot" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "kind must be upload or snapshot", map[string]string{"kind": kind})
	}
	assets, err := s.store.ListAssets(ctx, session.BusinessID, kind)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	payload := make([]map[string]any, 0, len(assets))
	for _, asset := range assets {
		payload = append(payload, assetPayload(asset))
	}
	return payload, nil
}

// GetAssetURL returns a short-lived signed URL for one asset.
func (s *Service) GetAssetURL(ctx context.Context, session Session, assetID string) (map[string]any, error) {
	if s.blobs == nil {
		return nil, domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "object storage is not configured", nil)
	}
	asset, err := s.assetScoped(ctx, session, assetID)
	if err != nil {
		return nil, err
	}
	url, err := s.blobs.PresignedGet(ctx, asset.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("presign asset: %w", err)
	}
	return map[string]any{"id": asset.ID, "url": url}, nil
}

// DeleteAsset removes the object and its record. A failed object delete
// still drops the record; the orphan costs storage, not correctness.
func (s *Service) DeleteAsset(ctx context.Context, session Session, assetID string) error {
	asset, err := s.assetScoped(ctx, session, assetID)
	if err != nil {
		return err
	}
	if s.blobs != nil {
		if err := s.blobs.Remove(ctx, asset.ObjectKey); err != nil {
			log.Printf("assets: remove object %s: %v", asset.ObjectKey, err)
		}
	}
	if err := s.store.DeleteAsset(ctx, asset.ID); err != nil {
		return fmt.Errorf("delete asset: %w", err)
	}
	return nil
}

func (s *Service) assetScoped(ctx context.Context, session Session, assetID string) (store.Asset, error) {
	asset, err := s.store.GetAsset(ctx, assetID)
	if err != nil {
		return store.Asset{}, err
	}
	if asset.BusinessID != session.BusinessID {
		return store.Asset{}, sql.ErrNoRows
	}
	return asset, nil
}

// CaptureFunnelSnapshot queues a fresh thumbnail for a published funnel.
func (s *Service) CaptureFunnelSnapshot(ctx context.Context, session Session, funnelID string) (map[string]any, error) {
	if !s.snaps.Enabled() {
		return nil, domainError(http.StatusServiceUnavailable, "SNAPSHOTS_DISABLED", "snapshot capture is not enabled", nil)
	}
	if s.blobs == nil {
		return nil, domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "object storage is not configured", nil)
	}
	funnel, err := s.funnelScoped(ctx, session, funnelID)
	if err != nil {
		return nil, err
	}
	if funnel.Status != "published" {
		return nil, domainError(http.StatusConflict, "NOT_PUBLISHED", "only published funnels can be captured", nil)
	}
	s.captureSnapshotAsync(funnel)
	return map[string]any{"ok": true, "funnelId": funnel.ID}, nil
}

// captureSnapshotAsync renders the published funnel's landing page to a PNG
// in the background. Snapshots are cosmetic, so every failure is only
// logged.
func (s *Service) captureSnapshotAsync(funnel store.Funnel) {
	if !s.snaps.Enabled() || s.blobs == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		business, err := s.store.GetBusiness(ctx, funnel.BusinessID)
		if err != nil {
			log.Printf("snapshot: load business for %s: %v", funnel.ID, err)
			return
		}
		url := fmt.Sprintf("%s/p/%s/%s", s.cfg.PublicBaseURL, business.Slug, funnel.Slug)
		png, err := s.snaps.Capture(ctx, url)
		if err != nil {
			log.Printf("snapshot: capture %s: %v", url, err)
			return
		}

		asset := store.Asset{
			ID:          util.NewID("ast"),
			BusinessID:  funnel.BusinessID,
			Filename:    funnel.Slug + ".png",
			ContentType: "image/png",
			SizeBytes:   int64(len(png)),
			Kind:        "snapshot",
		}
		asset.ObjectKey = fmt.Sprintf("%s/%s.png", funnel.BusinessID, asset.ID)
		if err := s.blobs.Put(ctx, asset.ObjectKey, bytes.NewReader(png), asset.SizeBytes, asset.ContentType); err != nil {
			log.Printf("snapshot: store %s: %v", asset.ObjectKey, err)
			return
		}
		if err := s.store.InsertAsset(ctx, asset); err != nil {
			log.Printf("snapshot: record asset for %s: %v", funnel.ID, err)
			return
		}
		if err := s.store.SetFunnelSnapshot(ctx, funnel.ID, asset.ID); err != nil {
			log.Printf("snapshot: link asset to %s: %v", funnel.ID, err)
		}
	}()
}

func assetPayload(asset store.Asset) map[string]any {
	return map[string]any{
		"id":          asset.ID,
		"filename":    asset.Filename,
		"contentType": asset.ContentType,
		"sizeBytes":   asset.SizeBytes,
		"kind":        asset.Kind,
		"createdAt":   asset.CreatedAt,
	}
}
