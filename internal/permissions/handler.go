package permissions

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-tokprompt/backend/internal/middleware"
	"github.com/aura-tokprompt/backend/internal/models"
	"github.com/aura-tokprompt/backend/pkg/response"
)

// GrantRequest is the body for PUT /permissions/:streamId/principals/:principalId.
type GrantRequest struct {
	RoleCeiling string `json:"role_ceiling" binding:"required,oneof=controller viewer"`
	CompanyID   string `json:"company_id"`
}

// Handler handles permission HTTP endpoints (super_admin only).
type Handler struct {
	registry *Registry
	logger   *zap.Logger
}

// NewHandler creates a permissions handler.
func NewHandler(registry *Registry, logger *zap.Logger) *Handler {
	return &Handler{registry: registry, logger: logger}
}

// List handles GET /permissions.
func (h *Handler) List(c *gin.Context) {
	actor, _ := middleware.PrincipalFrom(c)
	entries, err := h.registry.List(c.Request.Context(), actor)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if entries == nil {
		entries = []models.PermissionEntry{}
	}
	response.OK(c, entries)
}

// Grant handles PUT /permissions/:streamId/principals/:principalId.
func (h *Handler) Grant(c *gin.Context) {
	var req GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	actor, _ := middleware.PrincipalFrom(c)
	entry, err := h.registry.GrantCodeAuthority(c.Request.Context(), actor, req.CompanyID,
		c.Param("streamId"), c.Param("principalId"), models.Role(req.RoleCeiling))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, entry)
}

// Revoke handles DELETE /permissions/:streamId/principals/:principalId.
func (h *Handler) Revoke(c *gin.Context) {
	actor, _ := middleware.PrincipalFrom(c)
	entry, err := h.registry.Revoke(c.Request.Context(), actor, c.Query("company_id"),
		c.Param("streamId"), c.Param("principalId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, entry)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrForbidden):
		response.Forbidden(c, err.Error())
	case errors.Is(err, ErrMissingIdentifier), errors.Is(err, ErrInvalidRole):
		response.BadRequest(c, err.Error())
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, err.Error())
	default:
		h.logger.Error("permission request failed", zap.Error(err))
		response.Internal(c, "failed to update permissions")
	}
}
