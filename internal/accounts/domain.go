package accounts

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"

	"github.com/gliderblog/gliderblog/internal/shared"
)

// MaxUsernameLength bounds usernames in runes.
const MaxUsernameLength = 64

// Role is the closed set of account roles.
type Role int

const (
	// RoleStandard is a regular blog author.
	RoleStandard Role = iota + 1
	// RoleAdmin may manage other accounts.
	RoleAdmin
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case RoleStandard:
		return "standard"
	case RoleAdmin:
		return "admin"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleStandard || r == RoleAdmin
}

// ParseRole converts the textual role name.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "standard":
		return RoleStandard, nil
	case "admin":
		return RoleAdmin, nil
	}
	return 0, fmt.Errorf("%w: unknown role %q", shared.ErrValidation, s)
}

// MarshalText renders the role name for JSON payloads.
func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("accounts: invalid role %d", int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText parses the role name.
func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// State is the verification state of an account.
type State int

const (
	// StatePendingVerification means the account was self-registered and the email is not yet confirmed.
	StatePendingVerification State = iota + 1
	// StateActive means the account may log in.
	StateActive
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StatePendingVerification:
		return "pending_verification"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// PendingToken is the stored half of an emailed token. Only the fingerprint is kept.
type PendingToken struct {
	Fingerprint string
	// ExpiresAt is zero when the token never expires.
	ExpiresAt time.Time
}

// Expired reports whether the token can no longer be consumed at now.
func (p *PendingToken) Expired(now time.Time) bool {
	if p == nil {
		return true
	}
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// Account is one user of the blog.
type Account struct {
	ID                int64
	Username          string
	PasswordHash      string
	Email             string
	Role              Role
	State             State
	CreatedAt         time.Time
	PasswordChangedAt time.Time
	Verification      *PendingToken
	Reset             *PendingToken
}

// IsActive reports whether the account completed verification.
func (a *Account) IsActive() bool {
	return a != nil && a.State == StateActive
}

// IsAdmin reports whether the account holds the admin role.
func (a *Account) IsAdmin() bool {
	return a != nil && a.Role == RoleAdmin
}

// HasPendingVerification reports whether a verification token is outstanding.
func (a *Account) HasPendingVerification() bool {
	return a != nil && a.Verification != nil
}

// HasPendingReset reports whether a password reset token is outstanding.
func (a *Account) HasPendingReset() bool {
	return a != nil && a.Reset != nil
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	if a.Verification != nil {
		v := *a.Verification
		c.Verification = &v
	}
	if a.Reset != nil {
		r := *a.Reset
		c.Reset = &r
	}
	return &c
}

// NewAccount carries the fields required to insert an account.
type NewAccount struct {
	Username     string
	PasswordHash string
	Email        string
	Role         Role
	Active       bool
	Verification *PendingToken
	CreatedAt    time.Time
}

// ValidateUsername enforces the username shape. Comparison stays exact; nothing is folded.
func ValidateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("%w: username is required", shared.ErrValidation)
	}
	if !utf8.ValidString(username) {
		return fmt.Errorf("%w: username must be valid UTF-8", shared.ErrValidation)
	}
	if utf8.RuneCountInString(username) > MaxUsernameLength {
		return fmt.Errorf("%w: username longer than %d characters", shared.ErrValidation, MaxUsernameLength)
	}
	for _, r := range username {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: username must not contain whitespace", shared.ErrValidation)
		}
	}
	return nil
}

// NormalizeEmail trims and case-folds an email address for storage and lookup.
func NormalizeEmail(email string) string {
	return cases.Fold().String(strings.TrimSpace(email))
}
