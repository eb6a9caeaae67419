package auth

import (
	"time"

	"github.com/gliderblog/gliderblog/internal/accounts"
)

// Config carries the lifecycle tunables.
type Config struct {
	VerifyTokenTTL time.Duration
	ResetTokenTTL  time.Duration
	// ResponseFloor pads forgot-password and resend calls so every outcome takes as long.
	ResponseFloor time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		VerifyTokenTTL: 7 * 24 * time.Hour,
		ResetTokenTTL:  45 * time.Minute,
		ResponseFloor:  300 * time.Millisecond,
	}
}

// RegisterInput is a self-registration request.
type RegisterInput struct {
	Username string
	Password string
	Email    string
}

// AccountView is the public projection of an account.
type AccountView struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// NewAccountView projects a.
func NewAccountView(a *accounts.Account) AccountView {
	return AccountView{
		ID:        a.ID,
		Username:  a.Username,
		Email:     a.Email,
		Role:      a.Role.String(),
		Active:    a.IsActive(),
		CreatedAt: a.CreatedAt,
	}
}
