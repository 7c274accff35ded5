package store

import (
	"context"
	"fmt"
)

// ListAuditEvents returns the workflow trail of one record, newest first.
func (s *PostgresStore) ListAuditEvents(ctx context.Context, kind, tenantID, recordID string, limit int) ([]AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, tenant_id, record_id, event, actor_id, actor_name, comment, version, created_at
		FROM audit_events
		WHERE kind=$1 AND tenant_id=$2 AND record_id=$3
		ORDER BY id DESC
		LIMIT $4
	`, kind, tenantID, recordID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.Kind, &e.TenantID, &e.RecordID, &e.Event, &e.ActorID, &e.ActorName, &e.Comment, &e.Version, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return out, nil
}
