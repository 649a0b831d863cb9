package sessions

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-tokprompt/backend/internal/middleware"
	"github.com/aura-tokprompt/backend/internal/models"
	"github.com/aura-tokprompt/backend/pkg/response"
)

// CreateRequest is the body for POST /sessions.
type CreateRequest struct {
	StreamID string `json:"stream_id" binding:"required"`
}

// View is a session together with the caller's role in it.
type View struct {
	*models.Session
	Revision int64       `json:"revision"`
	Role     models.Role `json:"role"`
}

// Handler handles session HTTP endpoints.
type Handler struct {
	manager *Manager
	logger  *zap.Logger
}

// NewHandler creates a sessions handler.
func NewHandler(manager *Manager, logger *zap.Logger) *Handler {
	return &Handler{manager: manager, logger: logger}
}

// CreateOrResume handles POST /sessions for a signed-in company member.
func (h *Handler) CreateOrResume(c *gin.Context) {
	claims, ok := middleware.ClaimsFrom(c)
	if !ok || claims.IsSessionToken() || claims.CompanyID == "" {
		response.Forbidden(c, "a company account is required to open a session")
		return
	}
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	s, created, err := h.manager.CreateOrResume(c.Request.Context(), req.StreamID, claims.CompanyID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	view := View{Session: s, Revision: s.Revision, Role: models.RoleController}
	if created {
		response.Created(c, view)
		return
	}
	response.OK(c, view)
}

// Get handles GET /sessions/:id.
func (h *Handler) Get(c *gin.Context) {
	s, role, ok := h.load(c)
	if !ok {
		return
	}
	response.OK(c, View{Session: s, Revision: s.Revision, Role: role})
}

// End handles POST /sessions/:id/end. Only controllers may end a session.
func (h *Handler) End(c *gin.Context) {
	s, role, ok := h.load(c)
	if !ok {
		return
	}
	if role != models.RoleController {
		response.Forbidden(c, "only a controller can end the session")
		return
	}
	final, err := h.manager.End(c.Request.Context(), s.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, View{Session: final, Revision: final.Revision, Role: role})
}

// load fetches the :id session and resolves the caller's role, writing the error response
// when either fails.
func (h *Handler) load(c *gin.Context) (*models.Session, models.Role, bool) {
	s, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return nil, "", false
	}
	claims, _ := middleware.ClaimsFrom(c)
	role, ok := RoleFor(claims, s)
	if !ok {
		response.Forbidden(c, "not a participant of this session")
		return nil, "", false
	}
	return s, role, true
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrMissingIdentifier), errors.Is(err, ErrInvalidRole):
		response.BadRequest(c, err.Error())
	case errors.Is(err, ErrSessionNotFound):
		response.NotFound(c, "session not found")
	case errors.Is(err, ErrSessionEnded):
		response.Conflict(c, "session has ended")
	case errors.Is(err, ErrBusy):
		response.ServiceUnavailable(c, "session is busy, retry")
	default:
		h.logger.Error("session request failed", zap.Error(err))
		response.Internal(c, "session store unavailable")
	}
}
