package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/clausepipe/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/clausepipe/internal/domain"
)

func TestJobRepo_Enqueue_NoIdempotencyKey(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewJobRepo(m, postgres.NewSchema(""))
	ctx := context.Background()

	m.ExpectExec("INSERT INTO jobs").
		WithArgs(pgxmock.AnyArg(), domain.JobTypeParseDoc, (*string)(nil), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := repo.Enqueue(ctx, domain.JobTypeParseDoc, nil, []byte(`{}`), "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestJobRepo_Enqueue_UpsertsOnIdempotencyKey(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewJobRepo(m, postgres.NewSchema(""))
	ctx := context.Background()

	docID := "doc-1"
	canonicalID := "existing-job-id"
	rows := pgxmock.NewRows([]string{"id"}).AddRow(canonicalID)
	m.ExpectQuery("INSERT INTO jobs").
		WithArgs(pgxmock.AnyArg(), domain.JobTypeChunkEmbed, &docID, pgxmock.AnyArg(), "parse::doc-1::abc").
		WillReturnRows(rows)

	id, err := repo.Enqueue(ctx, domain.JobTypeChunkEmbed, &docID, []byte(`{}`), "parse::doc-1::abc")
	require.NoError(t, err)
	assert.Equal(t, canonicalID, id)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestJobRepo_Mark(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewJobRepo(m, postgres.NewSchema(""))
	ctx := context.Background()

	attempts := 1
	lastErr := "boom"
	m.ExpectExec("UPDATE jobs SET status").
		WithArgs("job-1", domain.JobFailed, &attempts, &lastErr, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	failedAt := time.Now().UTC()
	err = repo.Mark(ctx, "job-1", domain.JobFailed, &attempts, &lastErr, &failedAt)
	require.NoError(t, err)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestJobRepo_Claim_ReturnsJobWhenAvailable(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewJobRepo(m, postgres.NewSchema(""))
	ctx := context.Background()

	fixed := time.Now().UTC()
	m.ExpectBegin()
	m.ExpectQuery("SELECT count\\(\\*\\) FROM jobs").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))
	jobRows := pgxmock.NewRows([]string{
		"id", "type", "document_id", "payload", "status", "attempts",
		"idempotency_key", "last_error", "failed_at", "created_at", "updated_at",
	}).AddRow("job-1", string(domain.JobTypeParseDoc), (*string)(nil), []byte(`{}`),
		string(domain.JobWorking), 0, (*string)(nil), (*string)(nil), (*time.Time)(nil), fixed, fixed)
	m.ExpectQuery("WITH next_job AS").WillReturnRows(jobRows)
	m.ExpectCommit()

	job, queuedCount, err := repo.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, 3, queuedCount)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestJobRepo_Claim_NoRowsReturnsNilJob(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewJobRepo(m, postgres.NewSchema(""))
	ctx := context.Background()

	m.ExpectBegin()
	m.ExpectQuery("SELECT count\\(\\*\\) FROM jobs").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	m.ExpectQuery("WITH next_job AS").WillReturnError(pgx.ErrNoRows)
	m.ExpectCommit()

	job, queuedCount, err := repo.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.Equal(t, 0, queuedCount)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestJobRepo_ResetStale(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewJobRepo(m, postgres.NewSchema(""))
	ctx := context.Background()

	m.ExpectExec("UPDATE jobs SET status='queued'").
		WithArgs(float64(300)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := repo.ResetStale(ctx, 300*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestJobRepo_Get_NotFound(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewJobRepo(m, postgres.NewSchema(""))
	ctx := context.Background()

	m.ExpectQuery("SELECT id, type, document_id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err = repo.Get(ctx, "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestJobRepo_CountActiveForDocument(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewJobRepo(m, postgres.NewSchema("tenant_a"))
	ctx := context.Background()

	m.ExpectQuery("SELECT count\\(\\*\\) FROM tenant_a.jobs").
		WithArgs("doc-1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))

	n, err := repo.CountActiveForDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.NoError(t, m.ExpectationsWereMet())
}
