package store

import (
	"context"
	"fmt"
)

func (s *PostgresStore) InsertAsset(ctx context.Context, asset Asset) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assets (id, business_id, object_key, filename, content_type, size_bytes, kind)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, asset.ID, asset.BusinessID, asset.ObjectKey, asset.Filename, asset.ContentType, asset.SizeBytes, asset.Kind)
	if err != nil {
		return fmt.Errorf("insert asset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAsset(ctx context.Context, assetID string) (Asset, error) {
	var item Asset
	err := s.db.QueryRowContext(ctx, `
		SELECT id, business_id, object_key, filename, content_type, size_bytes, kind, created_at
		FROM assets
		WHERE id=$1
	`, assetID).Scan(&item.ID, &item.BusinessID, &item.ObjectKey, &item.Filename, &item.ContentType, &item.SizeBytes, &item.Kind, &item.CreatedAt)
	if err != nil {
		return Asset{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListAssets(ctx context.Context, businessID, kind string) ([]Asset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, business_id, object_key, filename, content_type, size_bytes, kind, created_at
		FROM assets
		WHERE business_id=$1 AND ($2='' OR kind=$2)
		ORDER BY created_at DESC
	`, businessID, kind)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	items := make([]Asset, 0)
	for rows.Next() {
		var item Asset
		if err := rows.Scan(&item.ID, &item.BusinessID, &item.ObjectKey, &item.Filename, &item.ContentType, &item.SizeBytes, &item.Kind, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assets: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteAsset(ctx context.Context, assetID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM assets WHERE id=$1`, assetID)
	if err != nil {
		return fmt.Errorf("delete asset: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertSearchDocument(ctx context.Context, kind, id, businessID, title, body, slug string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO search_documents (kind, id, business_id, title, body, slug)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (kind, id) DO UPDATE
		SET business_id=EXCLUDED.business_id, title=EXCLUDED.title, body=EXCLUDED.body, slug=EXCLUDED.slug, updated_at=NOW()
	`, kind, id, businessID, title, body, slug)
	if err != nil {
		return fmt.Errorf("upsert search document: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteSearchDocument(ctx context.Context, kind, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM search_documents WHERE kind=$1 AND id=$2`, kind, id)
	if err != nil {
		return fmt.Errorf("delete search document: %w", err)
	}
	return nil
}
