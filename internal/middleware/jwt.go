package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aura-tokprompt/backend/internal/auth"
	"github.com/aura-tokprompt/backend/internal/models"
	"github.com/aura-tokprompt/backend/pkg/response"
)

const (
	// ContextUserID is the key for user ID in gin context.
	ContextUserID = "user_id"
	// ContextUserRole is the key for the principal role in gin context.
	ContextUserRole = "user_role"
	// ContextCompanyID is the key for the caller's tenant in gin context.
	ContextCompanyID = "company_id"
	// ContextClaims is the key for the full token claims in gin context.
	ContextClaims = auth.ClaimsKey
)

// JWT returns a middleware that validates JWT and sets user claims in context.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearer(c)
		if !ok {
			response.Unauthorized(c, "missing or invalid authorization header")
			return
		}
		claims, err := jwtService.Validate(token)
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			return
		}
		setClaims(c, claims)
		c.Next()
	}
}

// OptionalJWT sets claims when a valid bearer token is present and lets anonymous callers through.
func OptionalJWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := bearer(c); ok {
			if claims, err := jwtService.Validate(token); err == nil {
				setClaims(c, claims)
			}
		}
		c.Next()
	}
}

// PrincipalFrom returns the authenticated caller, if any.
func PrincipalFrom(c *gin.Context) (models.Principal, bool) {
	v, ok := c.Get(ContextClaims)
	if !ok {
		return models.Principal{}, false
	}
	claims, ok := v.(*auth.Claims)
	if !ok {
		return models.Principal{}, false
	}
	return claims.Principal(), true
}

// ClaimsFrom returns the validated token claims, if any.
func ClaimsFrom(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(ContextClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}

func bearer(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func setClaims(c *gin.Context, claims *auth.Claims) {
	c.Set(ContextUserID, claims.UserID)
	c.Set(ContextUserRole, claims.Role)
	c.Set(ContextCompanyID, claims.CompanyID)
	c.Set(ContextClaims, claims)
}
