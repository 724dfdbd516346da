package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
// It reads the search_documents projection that the application keeps in
// step with funnels, pages, and forms.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs websearch_to_tsquery with ts_rank ordering and ts_headline
// snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "fts @@ websearch_to_tsquery('english', $1) AND business_id = $2"
	args := []any{q.Text, q.BusinessID}
	if q.FilterKind != "" {
		where += " AND kind = $3"
		args = append(args, string(q.FilterKind))
	}

	countSQL := "SELECT count(*) FROM search_documents WHERE " + where

	dataSQL := fmt.Sprintf(`
		SELECT kind, id, title,
			ts_headline('english', coalesce(body, ''), websearch_to_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			slug, business_id
		FROM search_documents
		WHERE %s
		ORDER BY ts_rank(fts, websearch_to_tsquery('english', $1)) DESC, updated_at DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var kind string
		if err := rows.Scan(&kind, &r.ID, &r.Title, &r.Snippet, &r.Slug, &r.BusinessID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Kind = ResultKind(kind)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns every search document for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT kind, id, business_id, title, body, slug
		FROM search_documents
	`)
	if err != nil {
		return nil, fmt.Errorf("load search documents: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Kind, &rec.ID, &rec.BusinessID, &rec.Title, &rec.Body, &rec.Slug); err != nil {
			return nil, fmt.Errorf("scan search document: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search documents: %w", err)
	}

	return records, nil
}
