package navigation

import (
	"github.com/gin-gonic/gin"

	"github.com/aura-tokprompt/backend/internal/middleware"
	"github.com/aura-tokprompt/backend/internal/models"
	"github.com/aura-tokprompt/backend/pkg/response"
)

// Resolved is the response of GET /api/navigation.
type Resolved struct {
	State    State  `json:"state"`
	Location string `json:"location"`
}

// Handler resolves the caller's view from the request URL and token.
type Handler struct{}

// NewHandler creates a navigation handler.
func NewHandler() *Handler {
	return &Handler{}
}

// Resolve handles GET /api/navigation. A session token seeds the session view with the
// role it pins so the role survives navigation without re-submitting the code.
func (h *Handler) Resolve(c *gin.Context) {
	st := Initial()
	nav := FromQuery(c.Request.URL.Query())

	claims, _ := middleware.ClaimsFrom(c)
	if claims != nil {
		if grant, ok := claims.SessionGrant(); ok {
			st = Transition(st, AccessGranted{Role: grant.Role, SessionID: grant.SessionID, StreamID: grant.StreamID})
		}
	}
	if nav.Access != "" || nav.Session != "" || !st.Role.Valid() {
		st = Transition(st, nav)
	}
	if c.Query("view") == string(ViewPermissions) {
		st = Transition(st, OpenPermissions{SuperAdmin: claims != nil && !claims.IsSessionToken() &&
			models.PrincipalRole(claims.Role) == models.PrincipalSuperAdmin})
	}
	response.OK(c, Resolved{State: st, Location: Location(st)})
}
