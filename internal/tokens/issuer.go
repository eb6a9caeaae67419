// Package tokens issues and consumes the single-use tokens mailed for email
// verification and password reset. Only a SHA-256 fingerprint of each token is stored.
package tokens

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/gliderblog/gliderblog/internal/accounts"
	"github.com/gliderblog/gliderblog/internal/shared"
)

// Purpose binds a token to the flow it authorises.
type Purpose string

const (
	// PurposeVerify gates first activation of a self-registered account.
	PurposeVerify Purpose = "verify"
	// PurposeReset authorises one password replacement.
	PurposeReset Purpose = "reset"
)

// Size is the number of random bytes per token (256 bits, 43 base64url characters).
const Size = 32

// Issuer mints tokens and consumes them against the credential store.
type Issuer struct {
	store accounts.Store
	now   func() time.Time
}

// Option customises an Issuer.
type Option func(*Issuer)

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

// NewIssuer constructs an Issuer over store.
func NewIssuer(store accounts.Store, opts ...Option) *Issuer {
	i := &Issuer{store: store, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Generate returns a new random URL-safe token.
func Generate() (string, error) {
	buf := make([]byte, Size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("tokens: read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Fingerprint returns the stored form of token.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Mint generates a token and the pending record to store for it. A ttl of zero never expires.
func (i *Issuer) Mint(ttl time.Duration) (string, *accounts.PendingToken, error) {
	token, err := Generate()
	if err != nil {
		return "", nil, err
	}
	pending := &accounts.PendingToken{Fingerprint: Fingerprint(token)}
	if ttl > 0 {
		pending.ExpiresAt = i.now().Add(ttl).UTC()
	}
	return token, pending, nil
}

// Issue writes a fresh token for purpose onto the account, replacing any pending token of
// the same purpose, and returns the clear token for mailing.
func (i *Issuer) Issue(ctx context.Context, accountID int64, purpose Purpose, ttl time.Duration) (string, error) {
	token, pending, err := i.Mint(ttl)
	if err != nil {
		return "", err
	}
	err = i.store.WithTx(ctx, func(ctx context.Context, q accounts.Queries) error {
		account, err := q.FindByID(ctx, accountID)
		if err != nil {
			return err
		}
		if err := attach(account, purpose, pending); err != nil {
			return err
		}
		return q.Update(ctx, account)
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// Consume redeems token for purpose. Inside one store unit it locates the owning account,
// checks expiry, clears the token, lets apply mutate the account and persists the result.
// Either all of that commits or none of it does, so a token can succeed at most once.
// An expired token is cleared and reported as shared.ErrExpiredToken.
func (i *Issuer) Consume(ctx context.Context, token string, purpose Purpose, apply func(*accounts.Account) error) (*accounts.Account, error) {
	if !wellFormed(token) {
		return nil, shared.ErrInvalidToken
	}
	fingerprint := Fingerprint(token)
	var (
		result  *accounts.Account
		expired bool
	)
	err := i.store.WithTx(ctx, func(ctx context.Context, q accounts.Queries) error {
		account, err := find(ctx, q, purpose, fingerprint)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return shared.ErrInvalidToken
			}
			return err
		}
		pending := pendingFor(account, purpose)
		if err := attach(account, purpose, nil); err != nil {
			return err
		}
		if pending.Expired(i.now()) {
			expired = true
			return q.Update(ctx, account)
		}
		if apply != nil {
			if err := apply(account); err != nil {
				return err
			}
		}
		if err := q.Update(ctx, account); err != nil {
			return err
		}
		result = account
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, shared.ErrExpiredToken
	}
	return result, nil
}

func wellFormed(token string) bool {
	if len(token) != base64.RawURLEncoding.EncodedLen(Size) {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(token)
	return err == nil
}

func find(ctx context.Context, q accounts.Queries, purpose Purpose, fingerprint string) (*accounts.Account, error) {
	switch purpose {
	case PurposeVerify:
		return q.FindByVerificationToken(ctx, fingerprint)
	case PurposeReset:
		return q.FindByResetToken(ctx, fingerprint)
	}
	return nil, fmt.Errorf("tokens: unknown purpose %q", purpose)
}

func pendingFor(account *accounts.Account, purpose Purpose) *accounts.PendingToken {
	if purpose == PurposeVerify {
		return account.Verification
	}
	return account.Reset
}

func attach(account *accounts.Account, purpose Purpose, pending *accounts.PendingToken) error {
	switch purpose {
	case PurposeVerify:
		account.Verification = pending
	case PurposeReset:
		account.Reset = pending
	default:
		return fmt.Errorf("tokens: unknown purpose %q", purpose)
	}
	return nil
}
