package models

import "time"

// AccessGrant is an access code resolving to a (session, role) pair.
type AccessGrant struct {
	Code             string     `json:"code"`
	CompanyID        string     `json:"company_id"`
	StreamID         string     `json:"stream_id"`
	SessionID        string     `json:"session_id,omitempty"`
	Role             Role       `json:"role"`
	IssuedBy         string     `json:"issued_by"`
	IssuerPrivileged bool       `json:"issuer_privileged"`
	MaxUses          int        `json:"max_uses"`
	Uses             int        `json:"uses"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Revoked reports whether the grant has been revoked.
func (g *AccessGrant) Revoked() bool {
	return g.RevokedAt != nil
}

// Expired reports whether the grant carries an expiry that has passed.
func (g *AccessGrant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !now.Before(*g.ExpiresAt)
}

// Exhausted reports whether a use-limited grant has no uses left.
func (g *AccessGrant) Exhausted() bool {
	return g.MaxUses > 0 && g.Uses >= g.MaxUses
}

// Authority is one principal's right to mint codes for a stream.
type Authority struct {
	PrincipalID string    `json:"principal_id"`
	RoleCeiling Role      `json:"role_ceiling"`
	GrantedBy   string    `json:"granted_by"`
	GrantedAt   time.Time `json:"granted_at"`
}

// PermissionEntry is the per-stream table of who may mint access codes.
type PermissionEntry struct {
	CompanyID   string      `json:"company_id"`
	StreamID    string      `json:"stream_id"`
	RoleCeiling Role        `json:"role_ceiling"`
	Principals  []Authority `json:"principals"`
}

// Active reports whether the entry currently permits any access.
func (e *PermissionEntry) Active() bool {
	return e != nil && len(e.Principals) > 0
}

// Authority returns the authority held by principalID.
func (e *PermissionEntry) Authority(principalID string) (Authority, bool) {
	if e == nil {
		return Authority{}, false
	}
	for _, a := range e.Principals {
		if a.PrincipalID == principalID {
			return a, true
		}
	}
	return Authority{}, false
}
