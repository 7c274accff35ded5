package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"facilityops/api/internal/workflow"
)

// InTx runs fn in a read-committed transaction. Mutations serialise on the
// records row, which LockEntity takes with FOR UPDATE.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx workflow.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&workflowTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const entitySelect = `
	SELECT r.kind, r.tenant_id, r.id, r.version,
		r.updated_by, COALESCE(u.display_name, r.updated_by_name),
		r.is_deleted, COALESCE(r.deleted_by, ''), COALESCE(d.display_name, r.deleted_by_name, ''),
		r.is_published, r.created_at, r.created_by, r.created_by_name
	FROM records r
	LEFT JOIN users u ON u.id = r.updated_by
	LEFT JOIN users d ON d.id = r.deleted_by
	WHERE r.kind=$1 AND r.tenant_id=$2 AND r.id=$3
`

func scanEntity(row pgx.Row) (*workflow.EntityRow, error) {
	var (
		e       workflow.EntityRow
		kind    string
		version time.Time
	)
	err := row.Scan(&kind, &e.Key.TenantID, &e.Key.ID, &version,
		&e.UpdatedBy, &e.UpdatedByName,
		&e.Deleted, &e.DeletedBy, &e.DeletedByName,
		&e.Published, &e.CreatedAt, &e.CreatedBy, &e.CreatedByName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Key.Kind = workflow.Kind(kind)
	e.Version = workflow.VersionOf(version)
	return &e, nil
}

func (s *PostgresStore) LookupEntity(ctx context.Context, key workflow.Key) (*workflow.EntityRow, error) {
	row, err := scanEntity(s.pool.QueryRow(ctx, entitySelect, keyArgs(key)...))
	if err != nil {
		return nil, fmt.Errorf("lookup entity: %w", err)
	}
	return row, nil
}

func (s *PostgresStore) ListSummaries(ctx context.Context, kind workflow.Kind, tenantID string, filter workflow.ListFilter) ([]workflow.Summary, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.version, d.state, r.is_published, d.content,
			COALESCE(u.display_name, r.updated_by_name), d.updated_at
		FROM records r
		JOIN record_drafts d ON d.kind = r.kind AND d.tenant_id = r.tenant_id AND d.id = r.id
		LEFT JOIN users u ON u.id = r.updated_by
		WHERE r.kind=$1 AND r.tenant_id=$2 AND NOT r.is_deleted
			AND ($3 = '' OR d.state = $3)
		ORDER BY d.updated_at DESC, r.id
		LIMIT $4 OFFSET $5
	`, string(kind), tenantID, string(filter.State), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []workflow.Summary
	for rows.Next() {
		var (
			item    = workflow.Summary{Key: workflow.Key{Kind: kind, TenantID: tenantID}}
			version time.Time
			state   string
		)
		if err := rows.Scan(&item.Key.ID, &version, &state, &item.Published, &item.Draft, &item.UpdatedByName, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		item.Version = workflow.VersionOf(version)
		item.State = workflow.State(state)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

type workflowTx struct {
	tx pgx.Tx
}

func (t *workflowTx) LoadEntity(ctx context.Context, key workflow.Key) (*workflow.EntityRow, error) {
	return scanEntity(t.tx.QueryRow(ctx, entitySelect, keyArgs(key)...))
}

func (t *workflowTx) LockEntity(ctx context.Context, key workflow.Key) (*workflow.EntityRow, error) {
	return scanEntity(t.tx.QueryRow(ctx, entitySelect+` FOR UPDATE OF r`, keyArgs(key)...))
}

func (t *workflowTx) InsertEntity(ctx context.Context, key workflow.Key, actor workflow.Actor) (workflow.Version, error) {
	var version time.Time
	err := t.tx.QueryRow(ctx, `
		INSERT INTO records (kind, tenant_id, id, version, updated_by, updated_by_name, created_by, created_by_name)
		VALUES ($1, $2, $3, date_trunc('second', NOW()), $4, $5, $4, $5)
		RETURNING version
	`, string(key.Kind), key.TenantID, key.ID, actor.UserID, actor.DisplayName).Scan(&version)
	if err != nil {
		return "", err
	}
	return workflow.VersionOf(version), nil
}

// The version moves to the current second, or one second past the previous
// version when several writes land in the same second.
const bumpVersion = `version = GREATEST(date_trunc('second', NOW()), version + INTERVAL '1 second')`

func (t *workflowTx) TouchEntity(ctx context.Context, key workflow.Key, actor workflow.Actor) (workflow.Version, error) {
	var version time.Time
	err := t.tx.QueryRow(ctx, `
		UPDATE records SET `+bumpVersion+`, updated_by=$4, updated_by_name=$5
		WHERE kind=$1 AND tenant_id=$2 AND id=$3 AND NOT is_deleted
		RETURNING version
	`, string(key.Kind), key.TenantID, key.ID, actor.UserID, actor.DisplayName).Scan(&version)
	if err != nil {
		return "", err
	}
	return workflow.VersionOf(version), nil
}

func (t *workflowTx) MarkPublished(ctx context.Context, key workflow.Key) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE records SET is_published=TRUE WHERE kind=$1 AND tenant_id=$2 AND id=$3
	`, keyArgs(key)...)
	return err
}

func (t *workflowTx) TombstoneEntity(ctx context.Context, key workflow.Key, actor workflow.Actor) (workflow.Version, error) {
	var version time.Time
	err := t.tx.QueryRow(ctx, `
		UPDATE records SET `+bumpVersion+`,
			updated_by=$4, updated_by_name=$5,
			is_deleted=TRUE, deleted_by=$4, deleted_by_name=$5
		WHERE kind=$1 AND tenant_id=$2 AND id=$3 AND NOT is_deleted
		RETURNING version
	`, string(key.Kind), key.TenantID, key.ID, actor.UserID, actor.DisplayName).Scan(&version)
	if err != nil {
		return "", err
	}
	return workflow.VersionOf(version), nil
}

// stampCols holds the nullable columns of one approval step.
type stampCols struct {
	userID  *string
	name    *string
	at      *time.Time
	comment *string
}

func (c *stampCols) targets(withComment bool) []any {
	if withComment {
		return []any{&c.userID, &c.name, &c.at, &c.comment}
	}
	return []any{&c.userID, &c.name, &c.at}
}

func (c stampCols) stamp() *workflow.Stamp {
	if c.userID == nil {
		return nil
	}
	s := &workflow.Stamp{UserID: *c.userID}
	if c.name != nil {
		s.Name = *c.name
	}
	if c.at != nil {
		s.At = *c.at
	}
	if c.comment != nil {
		s.Comment = *c.comment
	}
	return s
}

func stampArgs(s *workflow.Stamp, withComment bool) []any {
	if s == nil {
		if withComment {
			return []any{nil, nil, nil, nil}
		}
		return []any{nil, nil, nil}
	}
	if withComment {
		return []any{s.UserID, s.Name, s.At, s.Comment}
	}
	return []any{s.UserID, s.Name, s.At}
}

func keyArgs(key workflow.Key) []any {
	return []any{string(key.Kind), key.TenantID, key.ID}
}

func (t *workflowTx) LoadDraft(ctx context.Context, key workflow.Key) (*workflow.DraftRow, error) {
	var (
		row       = workflow.DraftRow{Key: key}
		state     string
		request   stampCols
		approval1 stampCols
	)
	dest := []any{&state, &row.Content}
	dest = append(dest, request.targets(false)...)
	dest = append(dest, approval1.targets(true)...)
	dest = append(dest, &row.UpdatedAt)
	err := t.tx.QueryRow(ctx, `
		SELECT state, content,
			request_user_id, request_user_name, request_at,
			approval1_user_id, approval1_user_name, approval1_at, approval1_comment,
			updated_at
		FROM record_drafts
		WHERE kind=$1 AND tenant_id=$2 AND id=$3
	`, keyArgs(key)...).Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	row.State = workflow.State(state)
	row.Request = request.stamp()
	row.Approval1 = approval1.stamp()
	return &row, nil
}

func (t *workflowTx) SaveDraft(ctx context.Context, row workflow.DraftRow) error {
	args := keyArgs(row.Key)
	args = append(args, string(row.State), json.RawMessage(row.Content))
	args = append(args, stampArgs(row.Request, false)...)
	args = append(args, stampArgs(row.Approval1, true)...)
	args = append(args, row.UpdatedAt)
	_, err := t.tx.Exec(ctx, `
		INSERT INTO record_drafts (kind, tenant_id, id, state, content,
			request_user_id, request_user_name, request_at,
			approval1_user_id, approval1_user_name, approval1_at, approval1_comment,
			updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (kind, tenant_id, id) DO UPDATE SET
			state=EXCLUDED.state, content=EXCLUDED.content,
			request_user_id=EXCLUDED.request_user_id, request_user_name=EXCLUDED.request_user_name,
			request_at=EXCLUDED.request_at,
			approval1_user_id=EXCLUDED.approval1_user_id, approval1_user_name=EXCLUDED.approval1_user_name,
			approval1_at=EXCLUDED.approval1_at, approval1_comment=EXCLUDED.approval1_comment,
			updated_at=EXCLUDED.updated_at
	`, args...)
	return err
}

func (t *workflowTx) DeleteDraft(ctx context.Context, key workflow.Key) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM record_drafts WHERE kind=$1 AND tenant_id=$2 AND id=$3`, keyArgs(key)...)
	return err
}

func (t *workflowTx) LoadPublished(ctx context.Context, key workflow.Key) (*workflow.PublishedRow, error) {
	var (
		row                            = workflow.PublishedRow{Key: key}
		request, approval1, approval2 stampCols
	)
	dest := []any{&row.Content}
	dest = append(dest, request.targets(false)...)
	dest = append(dest, approval1.targets(true)...)
	dest = append(dest, approval2.targets(true)...)
	dest = append(dest, &row.CreatedOn, &row.LastPublishedOn)
	err := t.tx.QueryRow(ctx, `
		SELECT content,
			request_user_id, request_user_name, request_at,
			approval1_user_id, approval1_user_name, approval1_at, approval1_comment,
			approval2_user_id, approval2_user_name, approval2_at, approval2_comment,
			created_on, last_published_on
		FROM record_published
		WHERE kind=$1 AND tenant_id=$2 AND id=$3
	`, keyArgs(key)...).Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	row.Request = request.stamp()
	row.Approval1 = approval1.stamp()
	row.Approval2 = approval2.stamp()
	return &row, nil
}

func (t *workflowTx) SavePublished(ctx context.Context, row workflow.PublishedRow) error {
	args := keyArgs(row.Key)
	args = append(args, json.RawMessage(row.Content))
	args = append(args, stampArgs(row.Request, false)...)
	args = append(args, stampArgs(row.Approval1, true)...)
	args = append(args, stampArgs(row.Approval2, true)...)
	args = append(args, row.CreatedOn, row.LastPublishedOn)
	_, err := t.tx.Exec(ctx, `
		INSERT INTO record_published (kind, tenant_id, id, content,
			request_user_id, request_user_name, request_at,
			approval1_user_id, approval1_user_name, approval1_at, approval1_comment,
			approval2_user_id, approval2_user_name, approval2_at, approval2_comment,
			created_on, last_published_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (kind, tenant_id, id) DO UPDATE SET
			content=EXCLUDED.content,
			request_user_id=EXCLUDED.request_user_id, request_user_name=EXCLUDED.request_user_name,
			request_at=EXCLUDED.request_at,
			approval1_user_id=EXCLUDED.approval1_user_id, approval1_user_name=EXCLUDED.approval1_user_name,
			approval1_at=EXCLUDED.approval1_at, approval1_comment=EXCLUDED.approval1_comment,
			approval2_user_id=EXCLUDED.approval2_user_id, approval2_user_name=EXCLUDED.approval2_user_name,
			approval2_at=EXCLUDED.approval2_at, approval2_comment=EXCLUDED.approval2_comment,
			created_on=EXCLUDED.created_on, last_published_on=EXCLUDED.last_published_on
	`, args...)
	return err
}

func (t *workflowTx) DeletePublished(ctx context.Context, key workflow.Key) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM record_published WHERE kind=$1 AND tenant_id=$2 AND id=$3`, keyArgs(key)...)
	return err
}

func memberTable(side workflow.Side) (string, error) {
	switch side {
	case workflow.SideDraft:
		return "draft_members", nil
	case workflow.SidePublished:
		return "published_members", nil
	default:
		return "", fmt.Errorf("unknown membership side %q", side)
	}
}

func (t *workflowTx) Members(ctx context.Context, key workflow.Key, side workflow.Side) ([]string, error) {
	table, err := memberTable(side)
	if err != nil {
		return nil, err
	}
	rows, err := t.tx.Query(ctx, `
		SELECT member_id FROM `+table+`
		WHERE kind=$1 AND tenant_id=$2 AND owner_id=$3
		ORDER BY member_id
	`, keyArgs(key)...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (t *workflowTx) DeleteMembers(ctx context.Context, key workflow.Key, side workflow.Side) error {
	table, err := memberTable(side)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `DELETE FROM `+table+` WHERE kind=$1 AND tenant_id=$2 AND owner_id=$3`, keyArgs(key)...)
	return err
}

func (t *workflowTx) InsertMember(ctx context.Context, key workflow.Key, side workflow.Side, memberID string) error {
	table, err := memberTable(side)
	if err != nil {
		return err
	}
	args := append(keyArgs(key), memberID)
	_, err = t.tx.Exec(ctx, `INSERT INTO `+table+` (kind, tenant_id, owner_id, member_id) VALUES ($1, $2, $3, $4)`, args...)
	return err
}

func (t *workflowTx) AppendAudit(ctx context.Context, entry workflow.AuditEntry) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO audit_events (kind, tenant_id, record_id, event, actor_id, actor_name, comment, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, string(entry.Key.Kind), entry.Key.TenantID, entry.Key.ID, string(entry.Event),
		entry.ActorID, entry.Name, entry.Comment, string(entry.Version), entry.At)
	return err
}
