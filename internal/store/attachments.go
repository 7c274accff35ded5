package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const attachmentColumns = `id, tenant_id, corrective_id, file_name, content_type, size_bytes, object_key, uploaded_by, uploaded_by_name, created_at`

func scanAttachment(row pgx.Row) (Attachment, error) {
	var a Attachment
	err := row.Scan(&a.ID, &a.TenantID, &a.CorrectiveID, &a.FileName, &a.ContentType, &a.SizeBytes, &a.ObjectKey, &a.UploadedBy, &a.UploadedByName, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Attachment{}, ErrNotFound
	}
	return a, err
}

func (s *PostgresStore) InsertAttachment(ctx context.Context, a Attachment) (Attachment, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO attachments (id, tenant_id, corrective_id, file_name, content_type, size_bytes, object_key, uploaded_by, uploaded_by_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+attachmentColumns,
		a.ID, a.TenantID, a.CorrectiveID, a.FileName, a.ContentType, a.SizeBytes, a.ObjectKey, a.UploadedBy, a.UploadedByName)
	out, err := scanAttachment(row)
	if err != nil {
		return Attachment{}, fmt.Errorf("insert attachment: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, tenantID, correctiveID string) ([]Attachment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+attachmentColumns+` FROM attachments
		WHERE tenant_id=$1 AND corrective_id=$2
		ORDER BY created_at, id
	`, tenantID, correctiveID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var out []Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetAttachment(ctx context.Context, tenantID, id string) (Attachment, error) {
	a, err := scanAttachment(s.pool.QueryRow(ctx, `
		SELECT `+attachmentColumns+` FROM attachments WHERE tenant_id=$1 AND id=$2
	`, tenantID, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Attachment{}, fmt.Errorf("get attachment: %w", err)
	}
	return a, err
}

func (s *PostgresStore) DeleteAttachment(ctx context.Context, tenantID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM attachments WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
