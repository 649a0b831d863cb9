package access

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-tokprompt/backend/internal/auth"
	"github.com/aura-tokprompt/backend/internal/middleware"
	"github.com/aura-tokprompt/backend/internal/models"
	"github.com/aura-tokprompt/backend/internal/navigation"
	"github.com/aura-tokprompt/backend/pkg/response"
)

// RequestBody is the body for POST /access.
type RequestBody struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// GrantResponse is returned on a granted request.
type GrantResponse struct {
	Result
	Token    string `json:"token"`
	Location string `json:"location"`
}

// IssueBody is the body for POST /streams/:streamId/codes.
type IssueBody struct {
	Role      string `json:"role" binding:"required,oneof=controller viewer"`
	SessionID string `json:"session_id"`
	MaxUses   int    `json:"max_uses" binding:"min=0"`
	TTLHours  int    `json:"ttl_hours" binding:"min=0"`
}

// Handler handles access code HTTP endpoints.
type Handler struct {
	service *Service
	jwt     *auth.JWTService
	logger  *zap.Logger
}

// NewHandler creates an access handler.
func NewHandler(service *Service, jwt *auth.JWTService, logger *zap.Logger) *Handler {
	return &Handler{service: service, jwt: jwt, logger: logger}
}

// Request handles POST /access. Anonymous callers are admitted as guests; the returned
// session token pins the granted role so the code is not needed again.
func (h *Handler) Request(c *gin.Context) {
	var body RequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	caller, ok := middleware.PrincipalFrom(c)
	if !ok {
		name := body.Name
		if name == "" {
			name = "Guest"
		}
		caller = models.Principal{UserID: "guest-" + uuid.New().String(), Name: name, Role: models.PrincipalGuest}
	}

	res, err := h.service.RequestAccess(c.Request.Context(), caller.CompanyID, body.Code)
	if err != nil {
		h.logger.Error("access request failed", zap.Error(err))
		response.ServiceUnavailable(c, "access service unavailable")
		return
	}
	if !res.Granted {
		response.OK(c, res)
		return
	}

	token, err := h.jwt.GenerateSession(caller, auth.SessionGrant{SessionID: res.SessionID, StreamID: res.StreamID, Role: res.Role})
	if err != nil {
		response.Internal(c, "failed to generate token")
		return
	}
	st := navigation.Transition(navigation.Initial(), navigation.AccessGranted{
		Role: res.Role, SessionID: res.SessionID, StreamID: res.StreamID,
	})
	loc := navigation.Location(st)
	c.Header("Location", loc)
	response.OK(c, GrantResponse{Result: res, Token: token, Location: loc})
}

// Issue handles POST /streams/:streamId/codes.
func (h *Handler) Issue(c *gin.Context) {
	var body IssueBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	actor, _ := middleware.PrincipalFrom(c)
	g, err := h.service.IssueCode(c.Request.Context(), actor, IssueRequest{
		StreamID:  c.Param("streamId"),
		Role:      models.Role(body.Role),
		SessionID: body.SessionID,
		MaxUses:   body.MaxUses,
		TTL:       time.Duration(body.TTLHours) * time.Hour,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Created(c, g)
}

// List handles GET /streams/:streamId/codes.
func (h *Handler) List(c *gin.Context) {
	actor, _ := middleware.PrincipalFrom(c)
	list, err := h.service.ListCodes(c.Request.Context(), actor, c.Param("streamId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.OK(c, list)
}

// Revoke handles DELETE /codes/:code.
func (h *Handler) Revoke(c *gin.Context) {
	actor, _ := middleware.PrincipalFrom(c)
	if err := h.service.RevokeCode(c.Request.Context(), actor, c.Param("code")); err != nil {
		h.writeError(c, err)
		return
	}
	response.NoContent(c)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrMissingIdentifier), errors.Is(err, ErrInvalidRole), errors.Is(err, ErrInvalidSession):
		response.BadRequest(c, err.Error())
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrNoAuthority), errors.Is(err, ErrAboveCeiling):
		response.Forbidden(c, err.Error())
	case errors.Is(err, ErrCodeNotFound):
		response.NotFound(c, err.Error())
	default:
		h.logger.Error("access code request failed", zap.Error(err))
		response.Internal(c, "failed to process access code")
	}
}
