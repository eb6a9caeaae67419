package accounts

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/gliderblog/gliderblog/internal/shared"
)

// MaxPasswordLength bounds accepted passwords in bytes.
const MaxPasswordLength = 1024

// Hasher hashes passwords with bcrypt over a SHA-256 pre-hash, so inputs longer than
// bcrypt's 72 byte window still count in full. The cost is stored inside every hash,
// which lets the configured cost change without a data migration.
type Hasher struct {
	cost  int
	dummy []byte
}

// NewHasher builds a Hasher with the given bcrypt cost. Zero selects bcrypt.DefaultCost.
func NewHasher(cost int) (*Hasher, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("accounts: bcrypt cost %d outside [%d, %d]", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	dummy, err := bcrypt.GenerateFromPassword(prepare("gliderblog-timing-equaliser"), cost)
	if err != nil {
		return nil, fmt.Errorf("accounts: dummy hash: %w", err)
	}
	return &Hasher{cost: cost, dummy: dummy}, nil
}

// Cost returns the configured work factor.
func (h *Hasher) Cost() int {
	return h.cost
}

// ValidatePassword checks the accepted password shape.
func ValidatePassword(password string) error {
	if password == "" {
		return fmt.Errorf("%w: password is required", shared.ErrValidation)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("%w: password longer than %d bytes", shared.ErrValidation, MaxPasswordLength)
	}
	return nil
}

// Hash returns a salted bcrypt hash of password.
func (h *Hasher) Hash(password string) (string, error) {
	if err := ValidatePassword(password); err != nil {
		return "", err
	}
	hashed, err := bcrypt.GenerateFromPassword(prepare(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("accounts: hash password: %w", err)
	}
	return string(hashed), nil
}

// Compare checks password against hash and returns shared.ErrInvalidCredentials on mismatch.
func (h *Hasher) Compare(hash, password string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), prepare(password))
	if err == nil {
		return nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return shared.ErrInvalidCredentials
	}
	return fmt.Errorf("%w: %v", shared.ErrInvalidCredentials, err)
}

// CompareDummy burns the same time as a real comparison. Used when the username is unknown.
func (h *Hasher) CompareDummy(password string) {
	_ = bcrypt.CompareHashAndPassword(h.dummy, prepare(password))
}

// NeedsRehash reports whether hash was produced with a different cost.
func (h *Hasher) NeedsRehash(hash string) bool {
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return true
	}
	return cost != h.cost
}

func prepare(password string) []byte {
	sum := sha256.Sum256([]byte(password))
	out := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(out, sum[:])
	return out
}
