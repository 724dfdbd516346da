package store

import (
	"context"
	"database/sql"
	"fmt"
)

const funnelColumns = `id, business_id, name, slug, status, snapshot_asset_id, published_at, created_at, updated_at`

func (s *PostgresStore) scanFunnel(row *sql.Row) (Funnel, error) {
	var item Funnel
	err := row.Scan(
		&item.ID,
		&item.BusinessID,
		&item.Name,
		&item.Slug,
		&item.Status,
		&item.SnapshotAssetID,
		&item.PublishedAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Funnel{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListFunnels(ctx context.Context, businessID string) ([]Funnel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+funnelColumns+`
		FROM funnels
		WHERE business_id=$1
		ORDER BY updated_at DESC
	`, businessID)
	if err != nil {
		return nil, fmt.Errorf("list funnels: %w", err)
	}
	defer rows.Close()

	items := make([]Funnel, 0)
	for rows.Next() {
		var item Funnel
		if err := rows.Scan(
			&item.ID,
			&item.BusinessID,
			&item.Name,
			&item.Slug,
			&item.Status,
			&item.SnapshotAssetID,
			&item.PublishedAt,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan funnel: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate funnels: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetFunnel(ctx context.Context, funnelID string) (Funnel, error) {
	return s.scanFunnel(s.db.QueryRowContext(ctx, `
		SELECT `+funnelColumns+` FROM funnels WHERE id=$1
	`, funnelID))
}

func (s *PostgresStore) GetFunnelBySlug(ctx context.Context, businessID, slug string) (Funnel, error) {
	return s.scanFunnel(s.db.QueryRowContext(ctx, `
		SELECT `+funnelColumns+` FROM funnels WHERE business_id=$1 AND slug=$2
	`, businessID, slug))
}

func (s *PostgresStore) InsertFunnel(ctx context.Context, funnel Funnel) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO funnels (id, business_id, name, slug, status)
		VALUES ($1, $2, $3, $4, $5)
	`, funnel.ID, funnel.BusinessID, funnel.Name, funnel.Slug, funnel.Status)
	if err != nil {
		return fmt.Errorf("insert funnel: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateFunnel(ctx context.Context, funnelID, name, slug string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE funnels SET name=$2, slug=$3, updated_at=NOW() WHERE id=$1
	`, funnelID, name, slug)
	if err != nil {
		return fmt.Errorf("update funnel: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateFunnelStatus(ctx context.Context, funnelID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE funnels SET status=$2, updated_at=NOW() WHERE id=$1
	`, funnelID, status)
	if err != nil {
		return fmt.Errorf("update funnel status: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkFunnelPublished(ctx context.Context, funnelID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE funnels SET status='published', published_at=NOW(), updated_at=NOW() WHERE id=$1
	`, funnelID)
	if err != nil {
		return fmt.Errorf("mark funnel published: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetFunnelSnapshot(ctx context.Context, funnelID, assetID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE funnels SET snapshot_asset_id=$2, updated_at=NOW() WHERE id=$1
	`, funnelID, assetID)
	if err != nil {
		return fmt.Errorf("set funnel snapshot: %w", err)
	}
	return nil
}

const pageColumns = `id, funnel_id, business_id, title, slug, position, content_mode, content, seo_title, seo_description, created_at, updated_at`

func (s *PostgresStore) scanPage(row *sql.Row) (Page, error) {
	var item Page
	err := row.Scan(
		&item.ID,
		&item.FunnelID,
		&item.BusinessID,
		&item.Title,
		&item.Slug,
		&item.Position,
		&item.ContentMode,
		&item.Content,
		&item.SeoTitle,
		&item.SeoDescription,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Page{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListPages(ctx context.Context, funnelID string) ([]Page, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pageColumns+`
		FROM pages
		WHERE funnel_id=$1
		ORDER BY position ASC, created_at ASC
	`, funnelID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	items := make([]Page, 0)
	for rows.Next() {
		var item Page
		if err := rows.Scan(
			&item.ID,
			&item.FunnelID,
			&item.BusinessID,
			&item.Title,
			&item.Slug,
			&item.Position,
			&item.ContentMode,
			&item.Content,
			&item.SeoTitle,
			&item.SeoDescription,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetPage(ctx context.Context, pageID string) (Page, error) {
	return s.scanPage(s.db.QueryRowContext(ctx, `
		SELECT `+pageColumns+` FROM pages WHERE id=$1
	`, pageID))
}

func (s *PostgresStore) GetPageBySlug(ctx context.Context, funnelID, slug string) (Page, error) {
	return s.scanPage(s.db.QueryRowContext(ctx, `
		SELECT `+pageColumns+` FROM pages WHERE funnel_id=$1 AND slug=$2
	`, funnelID, slug))
}

func (s *PostgresStore) InsertPage(ctx context.Context, page Page) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pages (id, funnel_id, business_id, title, slug, position, content_mode, content, seo_title, seo_description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, page.ID, page.FunnelID, page.BusinessID, page.Title, page.Slug, page.Position, page.ContentMode, page.Content, page.SeoTitle, page.SeoDescription)
	if err != nil {
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdatePage(ctx context.Context, pageID, title, slug, seoTitle, seoDescription string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pages
		SET title=$2, slug=$3, seo_title=$4, seo_description=$5, updated_at=NOW()
		WHERE id=$1
	`, pageID, title, slug, seoTitle, seoDescription)
	if err != nil {
		return fmt.Errorf("update page: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdatePageContent(ctx context.Context, pageID, contentMode, content string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pages SET content_mode=$2, content=$3, updated_at=NOW() WHERE id=$1
	`, pageID, contentMode, content)
	if err != nil {
		return fmt.Errorf("update page content: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeletePage(ctx context.Context, pageID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pages WHERE id=$1`, pageID)
	if err != nil {
		return fmt.Errorf("delete page: %w", err)
	}
	return nil
}

// ReorderPages rewrites the position column for a funnel so pages appear in
// the order given. Every page of the funnel must be listed exactly once.
func (s *PostgresStore) ReorderPages(ctx context.Context, funnelID string, pageIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reorder: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pages WHERE funnel_id=$1`, funnelID).Scan(&total); err != nil {
		return fmt.Errorf("count pages: %w", err)
	}
	if total != len(pageIDs) {
		return fmt.Errorf("reorder lists %d pages, funnel has %d", len(pageIDs), total)
	}

	for index, pageID := range pageIDs {
		result, err := tx.ExecContext(ctx, `
			UPDATE pages SET position=$3, updated_at=NOW() WHERE id=$1 AND funnel_id=$2
		`, pageID, funnelID, index+1)
		if err != nil {
			return fmt.Errorf("reorder page: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("reorder page rows: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("page %s not in funnel", pageID)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reorder: %w", err)
	}
	return nil
}
