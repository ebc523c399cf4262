package postgres

import (
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/clausepipe/internal/domain"
)

// ClauseRepo persists clauses extracted from a document.
type ClauseRepo struct {
	Pool   PgxPool
	Schema Schema
}

// NewClauseRepo constructs a ClauseRepo.
func NewClauseRepo(p PgxPool, schema Schema) *ClauseRepo {
	return &ClauseRepo{Pool: p, Schema: schema}
}

// InsertBatch inserts one row per clause, assigning ids where missing.
func (r *ClauseRepo) InsertBatch(ctx domain.Context, clauses []domain.Clause) ([]domain.Clause, error) {
	tracer := otel.Tracer("repo.clauses")
	ctx, span := tracer.Start(ctx, "clauses.InsertBatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "clauses"),
		attribute.Int("clause.count", len(clauses)),
	)

	table := r.Schema.Table("clauses")
	q := fmt.Sprintf(`INSERT INTO %s (id, document_id, clause_key, title, text, start_idx, end_idx, page_hint, score, json_meta, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now())`, table)

	out := make([]domain.Clause, 0, len(clauses))
	for _, c := range clauses {
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		if _, err := executorFrom(ctx, r.Pool).Exec(ctx, q, c.ID, c.DocumentID, c.ClauseKey, c.Title, c.Text, c.StartIdx, c.EndIdx, c.PageHint, c.Score, c.Metadata); err != nil {
			return nil, fmt.Errorf("op=clauses.insert_batch: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

// ListByDocument returns every clause belonging to a document, ordered by start_idx.
func (r *ClauseRepo) ListByDocument(ctx domain.Context, documentID string) ([]domain.Clause, error) {
	tracer := otel.Tracer("repo.clauses")
	ctx, span := tracer.Start(ctx, "clauses.ListByDocument")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "clauses"),
	)

	q := fmt.Sprintf(`SELECT id, document_id, clause_key, title, text, start_idx, end_idx, page_hint, score, json_meta
		FROM %s WHERE document_id=$1 ORDER BY start_idx ASC`, r.Schema.Table("clauses"))
	rows, err := executorFrom(ctx, r.Pool).Query(ctx, q, documentID)
	if err != nil {
		return nil, fmt.Errorf("op=clauses.list_by_document: %w", err)
	}
	defer rows.Close()

	var out []domain.Clause
	for rows.Next() {
		var c domain.Clause
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ClauseKey, &c.Title, &c.Text, &c.StartIdx, &c.EndIdx, &c.PageHint, &c.Score, &c.Metadata); err != nil {
			return nil, fmt.Errorf("op=clauses.list_by_document: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=clauses.list_by_document: %w", err)
	}
	return out, nil
}

// CountByDocument reports how many clauses a document owns.
func (r *ClauseRepo) CountByDocument(ctx domain.Context, documentID string) (int64, error) {
	tracer := otel.Tracer("repo.clauses")
	ctx, span := tracer.Start(ctx, "clauses.CountByDocument")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "clauses"),
	)

	q := fmt.Sprintf(`SELECT count(*) FROM %s WHERE document_id=$1`, r.Schema.Table("clauses"))
	var n int64
	if err := executorFrom(ctx, r.Pool).QueryRow(ctx, q, documentID).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=clauses.count_by_document: %w", err)
	}
	return n, nil
}

// BindChunk records that a clause was derived from a specific physical chunk,
// via the json_meta bag (§4.4.3's block_id/page_hint/page-0 binding order).
func (r *ClauseRepo) BindChunk(ctx domain.Context, clauseID, chunkID string) error {
	tracer := otel.Tracer("repo.clauses")
	ctx, span := tracer.Start(ctx, "clauses.BindChunk")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "clauses"),
	)

	q := fmt.Sprintf(`UPDATE %s SET json_meta = COALESCE(json_meta, '{}'::jsonb) || jsonb_build_object('chunk_id', $2::text) WHERE id=$1`, r.Schema.Table("clauses"))
	if _, err := executorFrom(ctx, r.Pool).Exec(ctx, q, clauseID, chunkID); err != nil {
		return fmt.Errorf("op=clauses.bind_chunk: %w", err)
	}
	return nil
}
