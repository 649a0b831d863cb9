package sessions

import (
	"github.com/aura-tokprompt/backend/internal/auth"
	"github.com/aura-tokprompt/backend/internal/models"
)

// RoleFor resolves the caller's role in s. A session token counts only for the session it
// pins; a signed-in member of the owning company enters as controller.
func RoleFor(claims *auth.Claims, s *models.Session) (models.Role, bool) {
	if claims == nil || s == nil {
		return "", false
	}
	if claims.IsSessionToken() {
		grant, ok := claims.SessionGrant()
		if !ok || grant.SessionID != s.ID {
			return "", false
		}
		return grant.Role, true
	}
	if claims.CompanyID == "" || claims.CompanyID != s.CompanyID {
		return "", false
	}
	if models.PrincipalRole(claims.Role) == models.PrincipalGuest {
		return "", false
	}
	return models.RoleController, true
}
