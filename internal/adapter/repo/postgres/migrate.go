package postgres

import (
	"fmt"

	"github.com/fairyhunter13/clausepipe/internal/domain"
)

// EnsureSchema creates the tables the repo layer assumes exist, using
// CREATE TABLE IF NOT EXISTS so it is safe to call on every process start and
// from integration tests against a throwaway database. Index/constraint
// names are schema-local: running it twice under two different DB_SCHEMA
// prefixes is fine, but two callers sharing one prefix must agree on shape.
func EnsureSchema(ctx domain.Context, pool PgxPool, schema Schema) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			mime TEXT NOT NULL,
			blob_path TEXT NOT NULL,
			checksum TEXT NOT NULL,
			status TEXT NOT NULL,
			pages_json JSONB,
			text_plain TEXT,
			graph_json JSONB,
			leverage_json JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (user_id, checksum)
		)`, schema.Table("documents")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			type TEXT NOT NULL,
			document_id UUID,
			payload JSONB NOT NULL,
			status TEXT NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			idempotency_key TEXT UNIQUE,
			last_error TEXT,
			failed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, schema.Table("jobs")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (status, created_at)`,
			indexName("jobs", "status_created_at"), schema.Table("jobs")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (document_id, status)`,
			indexName("jobs", "document_status"), schema.Table("jobs")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			document_id UUID NOT NULL,
			clause_key TEXT NOT NULL,
			title TEXT NOT NULL,
			text TEXT NOT NULL,
			start_idx INT NOT NULL,
			end_idx INT NOT NULL,
			page_hint INT,
			score DOUBLE PRECISION NOT NULL DEFAULT 0,
			json_meta JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, schema.Table("clauses")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (document_id, start_idx)`,
			indexName("clauses", "document_start_idx"), schema.Table("clauses")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			document_id UUID NOT NULL,
			clause_id UUID,
			block_id TEXT NOT NULL,
			page INT NOT NULL,
			kind TEXT NOT NULL,
			text TEXT NOT NULL,
			metadata JSONB
		)`, schema.Table("chunks")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (document_id, page)`,
			indexName("chunks", "document_page"), schema.Table("chunks")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (document_id, block_id)`,
			indexName("chunks", "document_block_id"), schema.Table("chunks")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			document_id UUID NOT NULL,
			clause_id UUID NOT NULL UNIQUE,
			band_name TEXT NOT NULL,
			band_score DOUBLE PRECISION NOT NULL,
			inputs_json JSONB,
			analysis_json JSONB,
			redraft_text TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, schema.Table("analyses")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (document_id)`,
			indexName("analyses", "document_id"), schema.Table("analyses")),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			bucket_key TEXT PRIMARY KEY,
			capacity BIGINT NOT NULL,
			refill_rate DOUBLE PRECISION NOT NULL,
			tokens DOUBLE PRECISION NOT NULL,
			last_refill TIMESTAMPTZ NOT NULL
		)`, schema.Table("rate_limit_buckets")),
	}

	if schema.Prefix != "" {
		stmts = append([]string{fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema.Prefix)}, stmts...)
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=postgres.ensure_schema: %w", err)
		}
	}
	return nil
}

// indexName builds a schema-local index identifier. Postgres index names are
// unique per-schema, not per-database, so the bare table+suffix is enough.
func indexName(table, suffix string) string {
	return fmt.Sprintf("idx_%s_%s", table, suffix)
}
