package store

import (
	"context"
	"fmt"
)

func (s *PostgresStore) ListForms(ctx context.Context, businessID string) ([]Form, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, business_id, name, fields::text, success_message, notify, created_at, updated_at
		FROM forms
		WHERE business_id=$1
		ORDER BY created_at DESC
	`, businessID)
	if err != nil {
		return nil, fmt.Errorf("list forms: %w", err)
	}
	defer rows.Close()

	items := make([]Form, 0)
	for rows.Next() {
		var item Form
		if err := rows.Scan(&item.ID, &item.BusinessID, &item.Name, &item.Fields, &item.SuccessMessage, &item.Notify, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan form: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate forms: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetForm(ctx context.Context, formID string) (Form, error) {
	var item Form
	err := s.db.QueryRowContext(ctx, `
		SELECT id, business_id, name, fields::text, success_message, notify, created_at, updated_at
		FROM forms
		WHERE id=$1
	`, formID).Scan(&item.ID, &item.BusinessID, &item.Name, &item.Fields, &item.SuccessMessage, &item.Notify, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Form{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertForm(ctx context.Context, form Form) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO forms (id, business_id, name, fields, success_message, notify)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6)
	`, form.ID, form.BusinessID, form.Name, form.Fields, form.SuccessMessage, form.Notify)
	if err != nil {
		return fmt.Errorf("insert form: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateForm(ctx context.Context, formID, name, fields, successMessage string, notify bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE forms
		SET name=$2, fields=$3::jsonb, success_message=$4, notify=$5, updated_at=NOW()
		WHERE id=$1
	`, formID, name, fields, successMessage, notify)
	if err != nil {
		return fmt.Errorf("update form: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteForm(ctx context.Context, formID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM forms WHERE id=$1`, formID)
	if err != nil {
		return fmt.Errorf("delete form: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertSubmission(ctx context.Context, submission FormSubmission) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO form_submissions (id, form_id, business_id, page_id, data, contact_name, contact_email, contact_phone)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8)
	`, submission.ID, submission.FormID, submission.BusinessID, submission.PageID, submission.Data, submission.ContactName, submission.ContactEmail, submission.ContactPhone)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSubmissions(ctx context.Context, formID string, limit int) ([]FormSubmission, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, form_id, business_id, page_id, data::text, contact_name, contact_email, contact_phone, created_at
		FROM form_submissions
		WHERE form_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, formID, limit)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	items := make([]FormSubmission, 0)
	for rows.Next() {
		var item FormSubmission
		if err := rows.Scan(&item.ID, &item.FormID, &item.BusinessID, &item.PageID, &item.Data, &item.ContactName, &item.ContactEmail, &item.ContactPhone, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountSubmissions(ctx context.Context, formID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM form_submissions WHERE form_id=$1`, formID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count submissions: %w", err)
	}
	return count, nil
}
