package models

import (
	"time"

	"github.com/google/uuid"
)

// User represents a platform user. CompanyID is empty for guests without a tenant.
type User struct {
	ID        uuid.UUID     `json:"id"`
	Email     string        `json:"email"`
	Password  string        `json:"-"`
	FullName  string        `json:"full_name"`
	Role      PrincipalRole `json:"role"`
	CompanyID string        `json:"company_id,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// UserPublic is User without sensitive fields for API responses.
type UserPublic struct {
	ID        uuid.UUID     `json:"id"`
	Email     string        `json:"email"`
	FullName  string        `json:"full_name"`
	Role      PrincipalRole `json:"role"`
	CompanyID string        `json:"company_id,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// ToPublic converts User to UserPublic.
func (u *User) ToPublic() UserPublic {
	return UserPublic{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Role:      u.Role,
		CompanyID: u.CompanyID,
		CreatedAt: u.CreatedAt,
	}
}

// Principal returns the caller identity for u.
func (u *User) Principal() Principal {
	return Principal{UserID: u.ID.String(), CompanyID: u.CompanyID, Name: u.FullName, Role: u.Role}
}
