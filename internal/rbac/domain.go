// Package rbac decides what each account role may do and guards HTTP routes accordingly.
package rbac

import (
	"github.com/gliderblog/gliderblog/internal/accounts"
	"github.com/gliderblog/gliderblog/internal/shared"
)

// Action is an atomic capability checked before privileged operations.
type Action string

const (
	ActionViewSelf    Action = "self.view"
	ActionListUsers   Action = "users.view"
	ActionManageRoles Action = "users.manage_roles"
	ActionViewJobs    Action = "jobs.view"
)

var grants = map[accounts.Role]map[Action]struct{}{
	accounts.RoleStandard: {
		ActionViewSelf: {},
	},
	accounts.RoleAdmin: {
		ActionViewSelf:    {},
		ActionListUsers:   {},
		ActionManageRoles: {},
		ActionViewJobs:    {},
	},
}

// Allowed reports whether role grants action.
func Allowed(role accounts.Role, action Action) bool {
	_, ok := grants[role][action]
	return ok
}

// Authorize checks that actor may perform action. A missing or inactive actor is
// unauthenticated; an active actor lacking the grant is forbidden.
func Authorize(actor *accounts.Account, action Action) error {
	if actor == nil || !actor.IsActive() {
		return shared.ErrUnauthenticated
	}
	if !Allowed(actor.Role, action) {
		return shared.ErrForbidden
	}
	return nil
}
