// Package postgres provides PostgreSQL database adapters.
//
// It implements repository interfaces for data persistence.
// The package provides type-safe database operations with
// connection pooling and transaction support.
package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/clausepipe/internal/domain"
)

// JobRepo persists and loads jobs from PostgreSQL using a minimal pgx pool.
// It implements the job store (C1) and the claimer (C2).
type JobRepo struct {
	Pool   PgxPool
	Schema Schema
}

// NewJobRepo constructs a JobRepo with the given pool and schema prefix.
func NewJobRepo(p PgxPool, schema Schema) *JobRepo { return &JobRepo{Pool: p, Schema: schema} }

// Enqueue inserts a new queued job, or — when idempotencyKey is non-empty and
// already owns a row — upserts that row back to queued/attempts=0 with the
// new payload (the auto-heal contract, §4.1).
func (r *JobRepo) Enqueue(ctx domain.Context, jobType domain.JobType, documentID *string, payload json.RawMessage, idempotencyKey string) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Enqueue")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "jobs"),
		attribute.String("job.type", string(jobType)),
	)

	id := uuid.New().String()
	table := r.Schema.Table("jobs")

	if idempotencyKey == "" {
		q := fmt.Sprintf(`INSERT INTO %s (id, type, document_id, payload, status, attempts, idempotency_key, created_at, updated_at)
			VALUES ($1,$2,$3,$4,'queued',0,NULL,now(),now())`, table)
		if _, err := executorFrom(ctx, r.Pool).Exec(ctx, q, id, jobType, documentID, payload); err != nil {
			return "", fmt.Errorf("op=jobs.enqueue: %w", err)
		}
		return id, nil
	}

	q := fmt.Sprintf(`INSERT INTO %s (id, type, document_id, payload, status, attempts, idempotency_key, created_at, updated_at)
		VALUES ($1,$2,$3,$4,'queued',0,$5,now(),now())
		ON CONFLICT (idempotency_key) DO UPDATE SET
			status='queued', attempts=0, last_error=NULL, failed_at=NULL,
			payload=excluded.payload, document_id=excluded.document_id, type=excluded.type,
			updated_at=now()
		RETURNING id`, table)
	row := executorFrom(ctx, r.Pool).QueryRow(ctx, q, id, jobType, documentID, payload, idempotencyKey)
	var canonicalID string
	if err := row.Scan(&canonicalID); err != nil {
		return "", fmt.Errorf("op=jobs.enqueue: %w", err)
	}
	return canonicalID, nil
}

// Mark performs an atomic status transition (C5 success/failure paths).
// attempts, lastError and failedAt are applied only when non-nil.
func (r *JobRepo) Mark(ctx domain.Context, jobID string, status domain.JobStatus, attempts *int, lastError *string, failedAt *time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Mark")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "jobs"),
		attribute.String("job.status", string(status)),
	)

	q := fmt.Sprintf(`UPDATE %s SET status=$2, attempts=COALESCE($3,attempts), last_error=COALESCE($4,last_error), failed_at=COALESCE($5,failed_at), updated_at=now() WHERE id=$1`, r.Schema.Table("jobs"))
	_, err := executorFrom(ctx, r.Pool).Exec(ctx, q, jobID, status, attempts, lastError, failedAt)
	if err != nil {
		return fmt.Errorf("op=jobs.mark: %w", err)
	}
	return nil
}

// Claim selects and locks exactly one queued job, transitioning it to
// working (C2). It returns (nil, queuedCount, nil) when no job is available.
func (r *JobRepo) Claim(ctx domain.Context) (*domain.Job, int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Claim")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "jobs"),
	)

	table := r.Schema.Table("jobs")

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, 0, fmt.Errorf("op=jobs.claim.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var queuedCount int
	if err := tx.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s WHERE status='queued'`, table)).Scan(&queuedCount); err != nil {
		return nil, 0, fmt.Errorf("op=jobs.claim.count: %w", err)
	}

	q := fmt.Sprintf(`WITH next_job AS (
			SELECT id FROM %s
			WHERE status='queued'
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE %s SET status='working', updated_at=now()
		WHERE id IN (SELECT id FROM next_job)
		RETURNING id, type, document_id, payload, status, attempts, idempotency_key, last_error, failed_at, created_at, updated_at`, table, table)

	row := tx.QueryRow(ctx, q)
	var j domain.Job
	err = row.Scan(&j.ID, &j.Type, &j.DocumentID, &j.Payload, &j.Status, &j.Attempts, &j.IdempotencyKey, &j.LastError, &j.FailedAt, &j.CreatedAt, &j.UpdatedAt)
	if err == pgx.ErrNoRows {
		if err := tx.Commit(ctx); err != nil {
			return nil, 0, fmt.Errorf("op=jobs.claim.commit: %w", err)
		}
		committed = true
		return nil, queuedCount, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("op=jobs.claim.scan: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("op=jobs.claim.commit: %w", err)
	}
	committed = true
	return &j, queuedCount, nil
}

// ResetStale requeues working jobs whose updated_at predates threshold (C6).
func (r *JobRepo) ResetStale(ctx domain.Context, threshold time.Duration) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ResetStale")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "jobs"),
	)

	q := fmt.Sprintf(`UPDATE %s SET status='queued', attempts=attempts+1,
			last_error=COALESCE(last_error,'') || ' [reset-stale]', updated_at=now()
		WHERE status='working' AND updated_at < now() - make_interval(secs => $1)`, r.Schema.Table("jobs"))
	tag, err := executorFrom(ctx, r.Pool).Exec(ctx, q, threshold.Seconds())
	if err != nil {
		return 0, fmt.Errorf("op=jobs.reset_stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "jobs"),
	)

	q := fmt.Sprintf(`SELECT id, type, document_id, payload, status, attempts, idempotency_key, last_error, failed_at, created_at, updated_at FROM %s WHERE id=$1`, r.Schema.Table("jobs"))
	row := executorFrom(ctx, r.Pool).QueryRow(ctx, q, id)
	var j domain.Job
	if err := row.Scan(&j.ID, &j.Type, &j.DocumentID, &j.Payload, &j.Status, &j.Attempts, &j.IdempotencyKey, &j.LastError, &j.FailedAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=jobs.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=jobs.get: %w", err)
	}
	return j, nil
}

// FindByIdempotencyKey loads a job by idempotency key.
func (r *JobRepo) FindByIdempotencyKey(ctx domain.Context, key string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.FindByIdempotencyKey")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "jobs"),
	)

	q := fmt.Sprintf(`SELECT id, type, document_id, payload, status, attempts, idempotency_key, last_error, failed_at, created_at, updated_at FROM %s WHERE idempotency_key=$1 LIMIT 1`, r.Schema.Table("jobs"))
	row := executorFrom(ctx, r.Pool).QueryRow(ctx, q, key)
	var j domain.Job
	if err := row.Scan(&j.ID, &j.Type, &j.DocumentID, &j.Payload, &j.Status, &j.Attempts, &j.IdempotencyKey, &j.LastError, &j.FailedAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=jobs.find_idem: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=jobs.find_idem: %w", err)
	}
	return j, nil
}

// CountActiveForDocument returns how many queued/working jobs reference a document.
func (r *JobRepo) CountActiveForDocument(ctx domain.Context, documentID string) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountActiveForDocument")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "jobs"),
	)

	q := fmt.Sprintf(`SELECT count(*) FROM %s WHERE document_id=$1 AND status IN ('queued','working')`, r.Schema.Table("jobs"))
	row := executorFrom(ctx, r.Pool).QueryRow(ctx, q, documentID)
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("op=jobs.count_active: %w", err)
	}
	return count, nil
}
