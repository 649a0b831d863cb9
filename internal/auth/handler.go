package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/aura-tokprompt/backend/internal/models"
	"github.com/aura-tokprompt/backend/pkg/response"
	"github.com/aura-tokprompt/backend/pkg/utils"
)

var (
	errEmailTaken   = response.NewError(http.StatusConflict, "email_taken", "email already registered")
	errBadLogin     = response.NewError(http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
	errUserNotFound = response.NewError(http.StatusNotFound, response.CodeNotFound, "user not found")
)

// RegisterRequest is the body for POST /auth/register.
type RegisterRequest struct {
	Email     string `json:"email" binding:"required,email"`
	Password  string `json:"password" binding:"required,min=6,max=72"`
	FullName  string `json:"full_name" binding:"required"`
	CompanyID string `json:"company_id"`
}

// LoginRequest is the body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// RoleRequest is the body for PATCH /users/:id/role.
type RoleRequest struct {
	Role string `json:"role" binding:"required"`
}

// TokenResponse is the auth response with JWT.
type TokenResponse struct {
	Token string            `json:"token"`
	User  models.UserPublic `json:"user"`
}

// MeResponse describes the caller. Session is set for tokens minted by an access request.
type MeResponse struct {
	Principal models.Principal `json:"principal"`
	Session   *SessionGrant    `json:"session,omitempty"`
}

// Users is the user store the handler needs.
type Users interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	ListByCompany(ctx context.Context, companyID string) ([]models.UserPublic, error)
	Create(ctx context.Context, email, passwordHash, fullName string, role models.PrincipalRole, companyID string) (*models.User, error)
	SetRole(ctx context.Context, id uuid.UUID, role models.PrincipalRole) error
}

// Handler handles auth and user HTTP endpoints.
type Handler struct {
	users  Users
	jwt    *JWTService
	logger *zap.Logger
}

// NewHandler creates an auth handler.
func NewHandler(users Users, jwt *JWTService, logger *zap.Logger) *Handler {
	return &Handler{users: users, jwt: jwt, logger: logger}
}

// Register handles POST /auth/register. Self-registered users join as members of the given
// company, or as guests without one; super_admin is only ever assigned through the CLI.
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	ctx := c.Request.Context()

	role := models.PrincipalGuest
	if req.CompanyID != "" {
		role = models.PrincipalMember
	}
	if _, err := h.users.GetByEmail(ctx, req.Email); err == nil {
		response.Fail(c, errEmailTaken)
		return
	} else if !errors.Is(err, pgx.ErrNoRows) {
		h.logger.Error("lookup user failed", zap.Error(err))
		response.Internal(c, "failed to create user")
		return
	}

	hash, err := utils.HashPassword(req.Password)
	if errors.Is(err, utils.ErrPasswordTooLong) {
		response.BadRequest(c, err.Error())
		return
	}
	if err != nil {
		response.Internal(c, "failed to hash password")
		return
	}
	user, err := h.users.Create(ctx, req.Email, hash, req.FullName, role, req.CompanyID)
	if err != nil {
		h.logger.Error("create user failed", zap.Error(err))
		response.Internal(c, "failed to create user")
		return
	}
	h.issue(c, http.StatusCreated, user)
}

// Login handles POST /auth/login.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	user, err := h.users.GetByEmail(c.Request.Context(), req.Email)
	if err != nil || !utils.CheckPassword(req.Password, user.Password) {
		response.Fail(c, errBadLogin)
		return
	}
	h.issue(c, http.StatusOK, user)
}

// Me handles GET /auth/me.
func (h *Handler) Me(c *gin.Context) {
	claims, ok := c.Get(ClaimsKey)
	cl, _ := claims.(*Claims)
	if !ok || cl == nil {
		response.Unauthorized(c, "missing user context")
		return
	}
	out := MeResponse{Principal: cl.Principal()}
	if grant, ok := cl.SessionGrant(); ok {
		out.Session = &grant
	}
	response.OK(c, out)
}

// ListUsers handles GET /users. Tenant admins see their own company; super_admin may pass
// ?company_id= or list everyone.
func (h *Handler) ListUsers(c *gin.Context) {
	claims, _ := c.Get(ClaimsKey)
	cl, _ := claims.(*Claims)
	if cl == nil {
		response.Unauthorized(c, "missing user context")
		return
	}
	p := cl.Principal()
	companyID := p.CompanyID
	if p.IsSuperAdmin() {
		companyID = c.Query("company_id")
	} else if companyID == "" {
		response.Forbidden(c, "no tenant")
		return
	}
	list, err := h.users.ListByCompany(c.Request.Context(), companyID)
	if err != nil {
		h.logger.Error("list users failed", zap.Error(err))
		response.Internal(c, "failed to list users")
		return
	}
	if list == nil {
		list = []models.UserPublic{}
	}
	response.OK(c, list)
}

// SetRole handles PATCH /users/:id/role. Only super_admin reaches it.
func (h *Handler) SetRole(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid user id")
		return
	}
	var req RoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	role := models.PrincipalRole(req.Role)
	if !role.Valid() {
		response.BadRequest(c, "unknown role "+req.Role)
		return
	}
	ctx := c.Request.Context()
	user, err := h.users.GetByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		response.Fail(c, errUserNotFound)
		return
	}
	if err != nil {
		h.logger.Error("lookup user failed", zap.Error(err))
		response.Internal(c, "failed to update user")
		return
	}
	if err := h.users.SetRole(ctx, id, role); err != nil {
		h.logger.Error("set role failed", zap.Error(err))
		response.Internal(c, "failed to update user")
		return
	}
	h.logger.Info("user role changed", zap.String("user_id", id.String()),
		zap.String("from", string(user.Role)), zap.String("to", string(role)))
	user.Role = role
	response.OK(c, user.ToPublic())
}

func (h *Handler) issue(c *gin.Context, status int, user *models.User) {
	token, err := h.jwt.Generate(user.Principal(), user.Email)
	if err != nil {
		response.Internal(c, "failed to generate token")
		return
	}
	c.JSON(status, response.Body{Success: true, Data: TokenResponse{Token: token, User: user.ToPublic()}})
}
