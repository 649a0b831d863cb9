package sessionlog

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-tokprompt/backend/internal/middleware"
	"github.com/aura-tokprompt/backend/internal/models"
	"github.com/aura-tokprompt/backend/internal/sessions"
	"github.com/aura-tokprompt/backend/pkg/response"
)

// Reader lists activity for the handler.
type Reader interface {
	ListBySession(ctx context.Context, sessionID string) ([]models.ActivityEntry, error)
	Summarize(ctx context.Context, sessionID string) (*Summary, error)
}

// SessionGetter loads the session being inspected.
type SessionGetter interface {
	Get(ctx context.Context, sessionID string) (*models.Session, error)
}

// Handler handles GET /sessions/:id/activity.
type Handler struct {
	repo     Reader
	sessions SessionGetter
	logger   *zap.Logger
}

// NewHandler creates an activity handler.
func NewHandler(repo Reader, sessions SessionGetter, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, sessions: sessions, logger: logger}
}

// Activity handles GET /sessions/:id/activity (controllers of the session only).
func (h *Handler) Activity(c *gin.Context) {
	id := c.Param("id")
	s, err := h.sessions.Get(c.Request.Context(), id)
	if errors.Is(err, sessions.ErrSessionNotFound) {
		response.NotFound(c, "session not found")
		return
	}
	if err != nil {
		response.Internal(c, "failed to load session")
		return
	}
	claims, _ := middleware.ClaimsFrom(c)
	if role, ok := sessions.RoleFor(claims, s); !ok || role != models.RoleController {
		response.Forbidden(c, "controller access required")
		return
	}

	list, err := h.repo.ListBySession(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("list activity", zap.String("session_id", id), zap.Error(err))
		response.Internal(c, "failed to list activity")
		return
	}
	summary, err := h.repo.Summarize(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("summarize activity", zap.String("session_id", id), zap.Error(err))
		response.Internal(c, "failed to summarize activity")
		return
	}
	if list == nil {
		list = []models.ActivityEntry{}
	}
	response.OK(c, gin.H{"activity": list, "summary": summary})
}
