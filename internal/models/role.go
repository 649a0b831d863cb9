package models

import "fmt"

// Role is a participant's role inside a teleprompter session.
type Role string

const (
	RoleController Role = "controller"
	RoleViewer     Role = "viewer"
)

// ParseRole returns the Role for s or an error when s is not one of the two session roles.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleController, RoleViewer:
		return Role(s), nil
	default:
		return "", fmt.Errorf("invalid role %q", s)
	}
}

// Valid reports whether r is controller or viewer.
func (r Role) Valid() bool {
	return r == RoleController || r == RoleViewer
}

func (r Role) rank() int {
	switch r {
	case RoleController:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// Within reports whether r does not exceed ceiling.
func (r Role) Within(ceiling Role) bool {
	return r.Valid() && r.rank() <= ceiling.rank()
}

// MaxRole returns the higher of a and b.
func MaxRole(a, b Role) Role {
	if a.rank() >= b.rank() {
		return a
	}
	return b
}

// PrincipalRole is an authenticated user's platform role (distinct from the session Role).
type PrincipalRole string

const (
	PrincipalSuperAdmin PrincipalRole = "super_admin"
	PrincipalAdmin      PrincipalRole = "admin"
	PrincipalMember     PrincipalRole = "member"
	PrincipalGuest      PrincipalRole = "guest"
)

// Valid reports whether r is one of the platform roles.
func (r PrincipalRole) Valid() bool {
	switch r {
	case PrincipalSuperAdmin, PrincipalAdmin, PrincipalMember, PrincipalGuest:
		return true
	}
	return false
}

// In reports whether r is one of roles.
func (r PrincipalRole) In(roles ...PrincipalRole) bool {
	for _, o := range roles {
		if r == o {
			return true
		}
	}
	return false
}

// Principal identifies the caller of an operation.
type Principal struct {
	UserID    string        `json:"user_id"`
	CompanyID string        `json:"company_id"`
	Name      string        `json:"name"`
	Role      PrincipalRole `json:"role"`
}

// IsSuperAdmin reports whether the principal may manage permission entries.
func (p Principal) IsSuperAdmin() bool {
	return p.Role == PrincipalSuperAdmin
}
