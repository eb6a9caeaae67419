package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gliderblog/gliderblog/internal/shared"
)

// WithTx executes fn inside a transaction with the given options. The transaction is
// rolled back when fn fails or ctx is cancelled before commit.
func WithTx(ctx context.Context, pool *pgxpool.Pool, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("%w: platform/db: begin tx: %w", shared.ErrStoreUnavailable, err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: platform/db: commit tx: %w", shared.ErrStoreUnavailable, err)
	}

	return nil
}
