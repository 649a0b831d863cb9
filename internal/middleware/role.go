package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/aura-tokprompt/backend/internal/models"
	"github.com/aura-tokprompt/backend/pkg/response"
)

// RequireRole allows only principals holding one of roles. Session tokens never pass: they
// carry a session role, not platform authority.
func RequireRole(roles ...models.PrincipalRole) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			response.Unauthorized(c, "missing user context")
			return
		}
		if claims.IsSessionToken() || !models.PrincipalRole(claims.Role).In(roles...) {
			response.Forbidden(c, "insufficient permissions")
			return
		}
		c.Next()
	}
}

// RequireTenant rejects callers without a company. super_admin passes regardless.
func RequireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		if !ok {
			response.Unauthorized(c, "missing user context")
			return
		}
		if p.CompanyID == "" && !p.IsSuperAdmin() {
			response.Forbidden(c, "caller has no tenant")
			return
		}
		c.Next()
	}
}
