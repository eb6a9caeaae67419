package accounts

import "fmt"

// RoleCodes maps roles onto the integer stored in the role column. The legacy seed data
// used 0 for the administrator and 1 as the column default, so the mapping is configurable.
type RoleCodes struct {
	Standard int16
	Admin    int16
}

// DefaultRoleCodes matches the legacy schema.
func DefaultRoleCodes() RoleCodes {
	return RoleCodes{Standard: 1, Admin: 0}
}

// Validate rejects ambiguous mappings.
func (c RoleCodes) Validate() error {
	if c.Standard == c.Admin {
		return fmt.Errorf("accounts: role codes must differ, both are %d", c.Standard)
	}
	return nil
}

// Encode returns the stored code for r.
func (c RoleCodes) Encode(r Role) (int16, error) {
	switch r {
	case RoleStandard:
		return c.Standard, nil
	case RoleAdmin:
		return c.Admin, nil
	}
	return 0, fmt.Errorf("accounts: cannot encode %s", r)
}

// Decode maps a stored code back to a role.
func (c RoleCodes) Decode(code int16) (Role, error) {
	switch code {
	case c.Standard:
		return RoleStandard, nil
	case c.Admin:
		return RoleAdmin, nil
	}
	return 0, fmt.Errorf("accounts: unknown role code %d", code)
}
