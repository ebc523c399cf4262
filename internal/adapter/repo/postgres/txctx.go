package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/clausepipe/internal/domain"
)

// txCtxKey scopes the transaction executor stashed in a context by TxManager.
type txCtxKey struct{}

// executorFrom returns the transaction executor carried by ctx, or fallback
// when none is present. Every repo method routes its statement through this
// so a handler's RunInTx call transparently makes every repo call inside fn
// participate in the same database transaction (§4.4, §5).
func executorFrom(ctx context.Context, fallback PgxPool) PgxPool {
	if v, ok := ctx.Value(txCtxKey{}).(PgxPool); ok && v != nil {
		return v
	}
	return fallback
}

// txExecutor adapts a pgx.Tx to the PgxPool interface so it can be stashed as
// the in-context executor. BeginTx opens a savepoint via pgx.Tx.Begin,
// satisfying callers that only ever need the narrower Exec/QueryRow/Query
// surface (JobRepo.Claim is the only caller that truly opens a top-level
// transaction, and it is never invoked from inside another transaction).
type txExecutor struct{ pgx.Tx }

func (t txExecutor) BeginTx(ctx context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	return t.Tx.Begin(ctx)
}

// TxManager opens a single database transaction per call and exposes it to
// every repository invoked with the returned context, implementing
// domain.TxManager (the unit-of-work the stage handlers use to commit their
// artifact writes and next-stage enqueue atomically, per §4.4/§5).
type TxManager struct {
	Pool PgxPool
}

// NewTxManager constructs a TxManager over the given pool.
func NewTxManager(p PgxPool) *TxManager { return &TxManager{Pool: p} }

// RunInTx begins a transaction, runs fn with a context carrying it, and
// commits on success or rolls back on error or panic.
func (m *TxManager) RunInTx(ctx domain.Context, fn func(ctx domain.Context) error) (err error) {
	tx, err := m.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("op=tx.begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	txCtx := context.WithValue(ctx, txCtxKey{}, PgxPool(txExecutor{tx}))
	if err := fn(txCtx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=tx.commit: %w", err)
	}
	committed = true
	return nil
}
