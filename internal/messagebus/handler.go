package messagebus

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-tokprompt/backend/internal/middleware"
	"github.com/aura-tokprompt/backend/internal/models"
	"github.com/aura-tokprompt/backend/internal/sessions"
	"github.com/aura-tokprompt/backend/pkg/response"
)

// PublishRequest is the body for POST /sessions/:id/messages. A nil duration takes the
// configured default; 0 keeps the message until dismissed.
type PublishRequest struct {
	Content  string `json:"content" binding:"required"`
	Type     string `json:"type"`
	Duration *int64 `json:"duration"`
}

// Handler handles message HTTP endpoints.
type Handler struct {
	bus             *Bus
	sessions        *sessions.Manager
	defaultDuration int64
	logger          *zap.Logger
}

// NewHandler creates a message handler. defaultDuration is in milliseconds.
func NewHandler(bus *Bus, manager *sessions.Manager, defaultDuration int64, logger *zap.Logger) *Handler {
	return &Handler{bus: bus, sessions: manager, defaultDuration: defaultDuration, logger: logger}
}

// List handles GET /sessions/:id/messages.
func (h *Handler) List(c *gin.Context) {
	s, ok := h.participant(c)
	if !ok {
		return
	}
	list, err := h.bus.List(c.Request.Context(), s.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, list)
}

// Publish handles POST /sessions/:id/messages.
func (h *Handler) Publish(c *gin.Context) {
	s, ok := h.participant(c)
	if !ok {
		return
	}
	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	m := models.FloatingMessage{Content: req.Content, Type: models.Severity(req.Type), Duration: h.defaultDuration}
	if req.Duration != nil {
		m.Duration = *req.Duration
	}
	if claims, ok := middleware.ClaimsFrom(c); ok {
		m.Sender = &models.Sender{UserID: claims.UserID, UserName: claims.Name}
	}
	published, err := h.bus.Publish(c.Request.Context(), s.ID, m)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Created(c, published)
}

// Dismiss handles DELETE /sessions/:id/messages/:messageId.
func (h *Handler) Dismiss(c *gin.Context) {
	s, ok := h.participant(c)
	if !ok {
		return
	}
	if err := h.bus.Dismiss(c.Request.Context(), s.ID, c.Param("messageId")); err != nil {
		h.writeError(c, err)
		return
	}
	response.NoContent(c)
}

func (h *Handler) participant(c *gin.Context) (*models.Session, bool) {
	s, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return nil, false
	}
	claims, _ := middleware.ClaimsFrom(c)
	if _, ok := sessions.RoleFor(claims, s); !ok {
		response.Forbidden(c, "not a participant of this session")
		return nil, false
	}
	return s, true
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrMissingIdentifier), errors.Is(err, ErrEmptyContent),
		errors.Is(err, ErrInvalidDuration), errors.Is(err, ErrInvalidSeverity):
		response.BadRequest(c, err.Error())
	case errors.Is(err, sessions.ErrSessionNotFound):
		response.NotFound(c, "session not found")
	case errors.Is(err, sessions.ErrSessionEnded):
		response.Conflict(c, "session has ended")
	default:
		h.logger.Error("message request failed", zap.Error(err))
		response.Internal(c, "message store unavailable")
	}
}
