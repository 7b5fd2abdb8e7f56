package domain

import (
	dErrors "hearth/pkg/domain-errors"
)

// Role is a household role. It is a domain primitive: construct it through
// ParseRole at trust boundaries.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleParent Role = "parent"
	RoleKid    Role = "kid"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.IsValid() {
		return "", dErrors.New(dErrors.CodeBadRequest, "role must be one of admin, parent, kid")
	}
	return r, nil
}

func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleParent, RoleKid:
		return true
	}
	return false
}

// IsElevated reports whether the role may manage other profiles.
func (r Role) IsElevated() bool {
	return r == RoleAdmin || r == RoleParent
}

func (r Role) String() string {
	return string(r)
}
