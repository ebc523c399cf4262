package postgres_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/clausepipe/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/clausepipe/internal/domain"
)

func TestChunkRepo_InsertBatch(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewChunkRepo(m, postgres.NewSchema(""))
	ctx := context.Background()

	m.ExpectExec("INSERT INTO chunks").
		WithArgs(pgxmock.AnyArg(), "doc-1", (*string)(nil), "block-1", 0, "para", "text", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	out, err := repo.InsertBatch(ctx, []domain.Chunk{{
		DocumentID: "doc-1",
		BlockID:    "block-1",
		Page:       0,
		Kind:       "para",
		Text:       "text",
	}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.NotEmpty(t, out[0].ID)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestChunkRepo_ExistsForDocument(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewChunkRepo(m, postgres.NewSchema(""))
	ctx := context.Background()

	m.ExpectQuery("SELECT EXISTS").
		WithArgs("doc-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := repo.ExistsForDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestChunkRepo_FindByBlockID_NotFound(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewChunkRepo(m, postgres.NewSchema(""))
	ctx := context.Background()

	m.ExpectQuery("SELECT id, document_id, clause_id, block_id").
		WithArgs("doc-1", "missing-block").
		WillReturnError(pgx.ErrNoRows)

	_, err = repo.FindByBlockID(ctx, "doc-1", "missing-block")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, m.ExpectationsWereMet())
}
