package models

import (
	"errors"
	"strings"
)

// Role is the closed set of account roles.
type Role string

const (
	RoleAdmin Role = "ADMIN"
	RoleStaff Role = "STAFF"
)

// ErrInvalidRole is returned for role strings outside the known set.
var ErrInvalidRole = errors.New("invalid role")

// ParseRole normalises s and rejects anything that is not ADMIN or STAFF.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleStaff:
		return r, nil
	default:
		return "", ErrInvalidRole
	}
}

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleStaff
}

func (r Role) String() string { return string(r) }
