package search

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"facilityops/api/internal/facility"
	"facilityops/api/internal/workflow"
)

// PgFTS searches the generated search_vector of published snapshots.
type PgFTS struct {
	pool *pgxpool.Pool
}

func NewPgFTS(pool *pgxpool.Pool) *PgFTS {
	return &PgFTS{pool: pool}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

type ftsRow struct {
	Kind    string
	ID      string
	Content json.RawMessage
	Snippet string
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if q.Text == "" {
		return nil, 0, nil
	}
	where := `p.tenant_id = $1 AND p.search_vector @@ plainto_tsquery('simple', $2)`
	args := []any{q.TenantID, q.Text}
	if q.Kind != "" {
		where += ` AND p.kind = $3`
		args = append(args, string(q.Kind))
	}

	var total int
	if err := p.pool.QueryRow(ctx, `SELECT count(*) FROM record_published p WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.pool.Query(ctx, fmt.Sprintf(`
		SELECT p.kind, p.id, p.content,
			ts_headline('simple', p.content::text, plainto_tsquery('simple', $2), 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>')
		FROM record_published p
		WHERE %s
		ORDER BY ts_rank(p.search_vector, plainto_tsquery('simple', $2)) DESC, p.kind, p.id
		LIMIT %d OFFSET %d`, where, q.limit(), q.offset()), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowToStructByPos[ftsRow])
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts scan: %w", err)
	}

	results := make([]Result, 0, len(found))
	for _, r := range found {
		title, _, err := facility.Describe(workflow.Kind(r.Kind), r.Content)
		if err != nil {
			return nil, 0, fmt.Errorf("pgfts result %s/%s: %w", r.Kind, r.ID, err)
		}
		results = append(results, Result{Kind: workflow.Kind(r.Kind), ID: r.ID, Title: title, Snippet: r.Snippet})
	}
	return results, total, nil
}

// LoadAllDocuments returns every published record for full reindexing.
func (p *PgFTS) LoadAllDocuments(ctx context.Context) ([]Document, error) {
	rows, err := p.pool.Query(ctx, `SELECT kind, tenant_id, id, content FROM record_published ORDER BY kind, tenant_id, id`)
	if err != nil {
		return nil, fmt.Errorf("load published records: %w", err)
	}
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		var (
			key     workflow.Key
			kind    string
			content json.RawMessage
		)
		if err := rows.Scan(&kind, &key.TenantID, &key.ID, &content); err != nil {
			return nil, fmt.Errorf("scan published record: %w", err)
		}
		key.Kind = workflow.Kind(kind)
		doc, err := documentOf(key, content)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}
