package postgres

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/clausepipe/internal/domain"
)

// ChunkRepo persists physical text chunks derived from a document's parsed structure.
type ChunkRepo struct {
	Pool   PgxPool
	Schema Schema
}

// NewChunkRepo constructs a ChunkRepo.
func NewChunkRepo(p PgxPool, schema Schema) *ChunkRepo {
	return &ChunkRepo{Pool: p, Schema: schema}
}

// InsertBatch inserts one row per chunk, assigning ids where missing.
func (r *ChunkRepo) InsertBatch(ctx domain.Context, chunks []domain.Chunk) ([]domain.Chunk, error) {
	tracer := otel.Tracer("repo.chunks")
	ctx, span := tracer.Start(ctx, "chunks.InsertBatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "chunks"),
		attribute.Int("chunk.count", len(chunks)),
	)

	table := r.Schema.Table("chunks")
	q := fmt.Sprintf(`INSERT INTO %s (id, document_id, clause_id, block_id, page, kind, text, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, table)

	out := make([]domain.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		if _, err := executorFrom(ctx, r.Pool).Exec(ctx, q, c.ID, c.DocumentID, c.ClauseID, c.BlockID, c.Page, c.Kind, c.Text, c.Metadata); err != nil {
			return nil, fmt.Errorf("op=chunks.insert_batch: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

// ListByDocument returns every chunk belonging to a document, ordered by page.
func (r *ChunkRepo) ListByDocument(ctx domain.Context, documentID string) ([]domain.Chunk, error) {
	tracer := otel.Tracer("repo.chunks")
	ctx, span := tracer.Start(ctx, "chunks.ListByDocument")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "chunks"),
	)

	q := fmt.Sprintf(`SELECT id, document_id, clause_id, block_id, page, kind, text, metadata
		FROM %s WHERE document_id=$1 ORDER BY page ASC`, r.Schema.Table("chunks"))
	rows, err := executorFrom(ctx, r.Pool).Query(ctx, q, documentID)
	if err != nil {
		return nil, fmt.Errorf("op=chunks.list_by_document: %w", err)
	}
	defer rows.Close()

	var out []domain.Chunk
	for rows.Next() {
		var c domain.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ClauseID, &c.BlockID, &c.Page, &c.Kind, &c.Text, &c.Metadata); err != nil {
			return nil, fmt.Errorf("op=chunks.list_by_document: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=chunks.list_by_document: %w", err)
	}
	return out, nil
}

// ExistsForDocument reports whether CHUNK_EMBED has already run for a document
// (used by the CHUNK_EMBED handler as its idempotency check).
func (r *ChunkRepo) ExistsForDocument(ctx domain.Context, documentID string) (bool, error) {
	tracer := otel.Tracer("repo.chunks")
	ctx, span := tracer.Start(ctx, "chunks.ExistsForDocument")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "chunks"),
	)

	q := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE document_id=$1)`, r.Schema.Table("chunks"))
	var ok bool
	if err := executorFrom(ctx, r.Pool).QueryRow(ctx, q, documentID).Scan(&ok); err != nil {
		return false, fmt.Errorf("op=chunks.exists_for_document: %w", err)
	}
	return ok, nil
}

// FindByBlockID returns the chunk carrying a given stable block id, used by
// the first rung of the clause-to-chunk binding order (§4.4.3).
func (r *ChunkRepo) FindByBlockID(ctx domain.Context, documentID, blockID string) (domain.Chunk, error) {
	tracer := otel.Tracer("repo.chunks")
	ctx, span := tracer.Start(ctx, "chunks.FindByBlockID")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "chunks"),
	)

	q := fmt.Sprintf(`SELECT id, document_id, clause_id, block_id, page, kind, text, metadata
		FROM %s WHERE document_id=$1 AND block_id=$2 LIMIT 1`, r.Schema.Table("chunks"))
	c, err := scanChunk(executorFrom(ctx, r.Pool).QueryRow(ctx, q, documentID, blockID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Chunk{}, fmt.Errorf("op=chunks.find_by_block_id: %w", domain.ErrNotFound)
		}
		return domain.Chunk{}, fmt.Errorf("op=chunks.find_by_block_id: %w", err)
	}
	return c, nil
}

// FindByPage returns a chunk on the given page, the second and third rungs of
// the clause-to-chunk binding order (page_hint, then page 0).
func (r *ChunkRepo) FindByPage(ctx domain.Context, documentID string, page int) (domain.Chunk, error) {
	tracer := otel.Tracer("repo.chunks")
	ctx, span := tracer.Start(ctx, "chunks.FindByPage")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "chunks"),
	)

	q := fmt.Sprintf(`SELECT id, document_id, clause_id, block_id, page, kind, text, metadata
		FROM %s WHERE document_id=$1 AND page=$2 LIMIT 1`, r.Schema.Table("chunks"))
	c, err := scanChunk(executorFrom(ctx, r.Pool).QueryRow(ctx, q, documentID, page))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Chunk{}, fmt.Errorf("op=chunks.find_by_page: %w", domain.ErrNotFound)
		}
		return domain.Chunk{}, fmt.Errorf("op=chunks.find_by_page: %w", err)
	}
	return c, nil
}

func scanChunk(row pgx.Row) (domain.Chunk, error) {
	var c domain.Chunk
	err := row.Scan(&c.ID, &c.DocumentID, &c.ClauseID, &c.BlockID, &c.Page, &c.Kind, &c.Text, &c.Metadata)
	if err != nil {
		return domain.Chunk{}, err
	}
	return c, nil
}
