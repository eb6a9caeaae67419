package accounts

import (
	"context"
	"time"
)

// Queries are the keyed reads and the full-row write available both directly on a
// Store and inside Store.WithTx. Lookups are exact match and return shared.ErrNotFound
// when nothing matches. Inside WithTx the rows read are locked until the unit ends.
type Queries interface {
	FindByID(ctx context.Context, id int64) (*Account, error)
	FindByUsername(ctx context.Context, username string) (*Account, error)
	FindByEmail(ctx context.Context, email string) (*Account, error)
	FindByVerificationToken(ctx context.Context, fingerprint string) (*Account, error)
	FindByResetToken(ctx context.Context, fingerprint string) (*Account, error)
	Update(ctx context.Context, account *Account) error
}

// Store is the credential store, the single source of truth for accounts.
type Store interface {
	Queries
	// Create inserts a new account. A colliding username yields shared.ErrDuplicateUsername;
	// the check is enforced by the store itself, not by a prior lookup.
	Create(ctx context.Context, account NewAccount) (*Account, error)
	// List returns all accounts ordered by id.
	List(ctx context.Context) ([]Account, error)
	// SweepExpiredTokens clears every pending token expired at now and reports how many.
	SweepExpiredTokens(ctx context.Context, now time.Time) (int64, error)
	// WithTx runs fn as one all-or-nothing unit.
	WithTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error
}
