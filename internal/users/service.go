package users

import (
	"context"
	"fmt"

	"github.com/gliderblog/gliderblog/internal/accounts"
	"github.com/gliderblog/gliderblog/internal/auth"
	"github.com/gliderblog/gliderblog/internal/shared"
)

// AccountAdmin is the privileged part of the account lifecycle.
type AccountAdmin interface {
	ListAccounts(ctx context.Context, actorCookie string) ([]accounts.Account, error)
	AdminSetRole(ctx context.Context, actorCookie string, targetID int64, role accounts.Role) (*accounts.Account, error)
}

// Service handles user administration.
type Service struct {
	admin AccountAdmin
}

// NewService builds Service instance.
func NewService(admin AccountAdmin) *Service {
	return &Service{admin: admin}
}

// ListUsers returns all accounts.
func (s *Service) ListUsers(ctx context.Context, actorCookie string) ([]auth.AccountView, error) {
	list, err := s.admin.ListAccounts(ctx, actorCookie)
	if err != nil {
		return nil, err
	}
	out := make([]auth.AccountView, 0, len(list))
	for i := range list {
		out = append(out, auth.NewAccountView(&list[i]))
	}
	return out, nil
}

// SetRole changes the role of accountID; role is the textual role name.
func (s *Service) SetRole(ctx context.Context, actorCookie string, accountID int64, role string) (auth.AccountView, error) {
	if accountID <= 0 {
		return auth.AccountView{}, fmt.Errorf("%w: account_id is required", shared.ErrValidation)
	}
	parsed, err := accounts.ParseRole(role)
	if err != nil {
		return auth.AccountView{}, err
	}
	updated, err := s.admin.AdminSetRole(ctx, actorCookie, accountID, parsed)
	if err != nil {
		return auth.AccountView{}, err
	}
	return auth.NewAccountView(updated), nil
}
