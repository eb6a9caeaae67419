package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gliderblog/gliderblog/internal/platform/db"
	"github.com/gliderblog/gliderblog/internal/shared"
)

const (
	uniqueViolation     = "23505"
	usernameConstraint  = "accounts_username_key"
	accountColumns      = `id, username, password_hash, email, role, is_active, email_verification_token, email_verification_expires_at, password_reset_token, password_reset_expires_at, password_changed_at, created_at`
	selectAccountPrefix = `SELECT ` + accountColumns + ` FROM accounts WHERE `
)

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// PGStore implements Store on PostgreSQL.
type PGStore struct {
	pgQueries
	pool *pgxpool.Pool
}

// NewPGStore constructs a PostgreSQL backed store.
func NewPGStore(pool *pgxpool.Pool, codes RoleCodes) *PGStore {
	return &PGStore{pool: pool, pgQueries: pgQueries{db: pool, codes: codes}}
}

// Create inserts the account and relies on the username unique constraint to reject duplicates.
func (s *PGStore) Create(ctx context.Context, in NewAccount) (*Account, error) {
	code, err := s.codes.Encode(in.Role)
	if err != nil {
		return nil, err
	}
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	token, expires := pendingArgs(in.Verification)
	account := &Account{
		Username:     in.Username,
		PasswordHash: in.PasswordHash,
		Email:        in.Email,
		Role:         in.Role,
		State:        StatePendingVerification,
		Verification: in.Verification,
	}
	if in.Active {
		account.State = StateActive
	}
	var created pgtype.Timestamptz
	err = s.db.QueryRow(ctx,
		`INSERT INTO accounts (username, password_hash, email, role, is_active, email_verification_token, email_verification_expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at`,
		in.Username, in.PasswordHash, in.Email, code, in.Active, token, expires, createdAt,
	).Scan(&account.ID, &created)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == usernameConstraint {
			return nil, shared.ErrDuplicateUsername
		}
		return nil, fmt.Errorf("%w: insert account: %w", shared.ErrStoreUnavailable, err)
	}
	account.CreatedAt = created.Time
	return account, nil
}

// List returns every account ordered by id.
func (s *PGStore) List(ctx context.Context) ([]Account, error) {
	rows, err := s.db.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: list accounts: %w", shared.ErrStoreUnavailable, err)
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		account, err := s.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan account: %w", shared.ErrStoreUnavailable, err)
		}
		out = append(out, *account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list accounts: %w", shared.ErrStoreUnavailable, err)
	}
	return out, nil
}

// SweepExpiredTokens clears verification and reset tokens whose expiry is at or before now.
func (s *PGStore) SweepExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for _, stmt := range []string{
		`UPDATE accounts SET email_verification_token = NULL, email_verification_expires_at = NULL
		 WHERE email_verification_expires_at IS NOT NULL AND email_verification_expires_at <= $1`,
		`UPDATE accounts SET password_reset_token = NULL, password_reset_expires_at = NULL
		 WHERE password_reset_expires_at IS NOT NULL AND password_reset_expires_at <= $1`,
	} {
		tag, err := s.db.Exec(ctx, stmt, now.UTC())
		if err != nil {
			return total, fmt.Errorf("%w: sweep tokens: %w", shared.ErrStoreUnavailable, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

// WithTx runs fn in a READ COMMITTED transaction whose lookups take row locks. A second
// caller blocked on the same row re-evaluates its predicate after the first commits, so a
// token cleared by the first transaction is simply not found by the second.
func (s *PGStore) WithTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error {
	return db.WithTx(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, pgQueries{db: tx, codes: s.codes, lock: true})
	})
}

type pgQueries struct {
	db    dbtx
	codes RoleCodes
	lock  bool
}

func (q pgQueries) FindByID(ctx context.Context, id int64) (*Account, error) {
	return q.findOne(ctx, `id = $1`, id)
}

func (q pgQueries) FindByUsername(ctx context.Context, username string) (*Account, error) {
	return q.findOne(ctx, `username = $1`, username)
}

func (q pgQueries) FindByEmail(ctx context.Context, email string) (*Account, error) {
	return q.findOne(ctx, `email = $1 ORDER BY id LIMIT 1`, email)
}

func (q pgQueries) FindByVerificationToken(ctx context.Context, fingerprint string) (*Account, error) {
	return q.findOne(ctx, `email_verification_token = $1`, fingerprint)
}

func (q pgQueries) FindByResetToken(ctx context.Context, fingerprint string) (*Account, error) {
	return q.findOne(ctx, `password_reset_token = $1`, fingerprint)
}

// Update writes every mutable column of the row in a single statement.
func (q pgQueries) Update(ctx context.Context, a *Account) error {
	code, err := q.codes.Encode(a.Role)
	if err != nil {
		return err
	}
	verifyToken, verifyExpires := pendingArgs(a.Verification)
	resetToken, resetExpires := pendingArgs(a.Reset)
	changed := pgtype.Timestamptz{Time: a.PasswordChangedAt, Valid: !a.PasswordChangedAt.IsZero()}
	tag, err := q.db.Exec(ctx,
		`UPDATE accounts SET
			password_hash = $2,
			email = $3,
			role = $4,
			is_active = $5,
			email_verification_token = $6,
			email_verification_expires_at = $7,
			password_reset_token = $8,
			password_reset_expires_at = $9,
			password_changed_at = $10
		 WHERE id = $1`,
		a.ID, a.PasswordHash, a.Email, code, a.State == StateActive,
		verifyToken, verifyExpires, resetToken, resetExpires, changed,
	)
	if err != nil {
		return fmt.Errorf("%w: update account: %w", shared.ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (q pgQueries) findOne(ctx context.Context, where string, arg any) (*Account, error) {
	query := selectAccountPrefix + where
	if q.lock {
		query += ` FOR UPDATE`
	}
	account, err := q.scan(q.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("%w: find account: %w", shared.ErrStoreUnavailable, err)
	}
	return account, nil
}

func (q pgQueries) scan(row scanner) (*Account, error) {
	var (
		a             Account
		code          int16
		active        bool
		verifyToken   pgtype.Text
		verifyExpires pgtype.Timestamptz
		resetToken    pgtype.Text
		resetExpires  pgtype.Timestamptz
		changed       pgtype.Timestamptz
		created       pgtype.Timestamptz
	)
	if err := row.Scan(&a.ID, &a.Username, &a.PasswordHash, &a.Email, &code, &active,
		&verifyToken, &verifyExpires, &resetToken, &resetExpires, &changed, &created); err != nil {
		return nil, err
	}
	role, err := q.codes.Decode(code)
	if err != nil {
		return nil, err
	}
	a.Role = role
	a.State = StatePendingVerification
	if active {
		a.State = StateActive
	}
	a.Verification = pendingFromColumns(verifyToken, verifyExpires)
	a.Reset = pendingFromColumns(resetToken, resetExpires)
	a.PasswordChangedAt = changed.Time
	a.CreatedAt = created.Time
	return &a, nil
}

func pendingArgs(p *PendingToken) (pgtype.Text, pgtype.Timestamptz) {
	if p == nil {
		return pgtype.Text{}, pgtype.Timestamptz{}
	}
	return pgtype.Text{String: p.Fingerprint, Valid: true},
		pgtype.Timestamptz{Time: p.ExpiresAt.UTC(), Valid: !p.ExpiresAt.IsZero()}
}

func pendingFromColumns(token pgtype.Text, expires pgtype.Timestamptz) *PendingToken {
	if !token.Valid {
		return nil
	}
	p := &PendingToken{Fingerprint: token.String}
	if expires.Valid {
		p.ExpiresAt = expires.Time
	}
	return p
}

var _ Store = (*PGStore)(nil)
