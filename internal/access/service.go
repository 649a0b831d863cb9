// Package access issues access codes and resolves them to a (session, role) pair.
package access

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-tokprompt/backend/internal/models"
	"github.com/aura-tokprompt/backend/pkg/utils"
)

// Denial reasons. "Not found" and "wrong tenant" share invalid_code.
const (
	ReasonInvalidCode  = "invalid_code"
	ReasonNoPermission = "no_permission"
)

var (
	ErrCodeExists        = errors.New("access code already exists")
	ErrCodeNotFound      = errors.New("access code not found")
	ErrForbidden         = errors.New("not allowed to manage this code")
	ErrNoAuthority       = errors.New("no authority to mint codes for this stream")
	ErrAboveCeiling      = errors.New("requested role exceeds the granted ceiling")
	ErrInvalidRole       = errors.New("invalid role")
	ErrInvalidSession    = errors.New("session does not belong to this stream")
	ErrMissingIdentifier = errors.New("missing identifier")
	errCodeSpace         = errors.New("failed to generate a unique access code")
)

const codeAttempts = 10

// GrantStore persists access grants. Get returns nil with no error for an unknown code.
type GrantStore interface {
	Create(ctx context.Context, g *models.AccessGrant) error
	Get(ctx context.Context, code string) (*models.AccessGrant, error)
	ConsumeUse(ctx context.Context, code string) (bool, error)
	Revoke(ctx context.Context, code string, at time.Time) (bool, error)
	ListByStream(ctx context.Context, companyID, streamID string) ([]models.AccessGrant, error)
}

// PermissionResolver returns a stream's permission entry, nil when it has none.
type PermissionResolver interface {
	Resolve(ctx context.Context, companyID, streamID string) (*models.PermissionEntry, error)
}

// SessionProvider looks up or opens the session a grant leads to.
type SessionProvider interface {
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	CreateOrResume(ctx context.Context, streamID, companyID string) (*models.Session, bool, error)
}

// Result is the outcome of RequestAccess. A denial is a Result, not an error.
type Result struct {
	Granted   bool        `json:"granted"`
	Role      models.Role `json:"role,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	StreamID  string      `json:"stream_id,omitempty"`
	CompanyID string      `json:"-"`
	Reason    string      `json:"reason,omitempty"`
}

func denied(reason string) Result {
	return Result{Reason: reason}
}

// IssueRequest describes a code to mint. Zero MaxUses is unlimited; zero TTL uses the
// service default, which may itself be no expiry.
type IssueRequest struct {
	StreamID  string
	Role      models.Role
	SessionID string
	MaxUses   int
	TTL       time.Duration
}

// Config tunes code generation.
type Config struct {
	CodeLength int
	DefaultTTL time.Duration
}

// Service resolves and mints access codes.
type Service struct {
	grants   GrantStore
	perms    PermissionResolver
	sessions SessionProvider
	logger   *zap.Logger
	cfg      Config
	now      func() time.Time

	mu        sync.RWMutex
	onGranted func(ctx context.Context, res Result)
}

// NewService creates the access service.
func NewService(grants GrantStore, perms PermissionResolver, sessions SessionProvider, cfg Config, logger *zap.Logger) *Service {
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = 6
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{grants: grants, perms: perms, sessions: sessions, cfg: cfg, logger: logger, now: time.Now}
}

// SetGrantedHandler registers fn to run after every granted request.
func (s *Service) SetGrantedHandler(fn func(ctx context.Context, res Result)) {
	s.mu.Lock()
	s.onGranted = fn
	s.mu.Unlock()
}

// RequestAccess resolves code for a caller in callerCompanyID. Callers without a tenant
// (anonymous guests) may redeem any tenant's code; callers with one only their own.
func (s *Service) RequestAccess(ctx context.Context, callerCompanyID, code string) (Result, error) {
	code = utils.NormalizeCode(code)
	if code == "" {
		return denied(ReasonInvalidCode), nil
	}
	g, err := s.grants.Get(ctx, code)
	if err != nil {
		return Result{}, fmt.Errorf("lookup code: %w", err)
	}
	if g == nil || (callerCompanyID != "" && g.CompanyID != callerCompanyID) {
		return denied(ReasonInvalidCode), nil
	}
	if g.Revoked() || g.Expired(s.now()) || g.Exhausted() {
		return denied(ReasonInvalidCode), nil
	}

	entry, err := s.perms.Resolve(ctx, g.CompanyID, g.StreamID)
	if err != nil {
		return Result{}, fmt.Errorf("resolve permissions: %w", err)
	}
	if !entry.Active() || !g.Role.Within(entry.RoleCeiling) {
		return denied(ReasonNoPermission), nil
	}
	if !g.IssuerPrivileged {
		a, ok := entry.Authority(g.IssuedBy)
		if !ok || !g.Role.Within(a.RoleCeiling) {
			return denied(ReasonInvalidCode), nil
		}
	}

	sess, err := s.targetSession(ctx, g)
	if err != nil {
		return Result{}, err
	}

	ok, err := s.grants.ConsumeUse(ctx, code)
	if err != nil {
		return Result{}, fmt.Errorf("consume code: %w", err)
	}
	if !ok {
		return denied(ReasonInvalidCode), nil
	}

	res := Result{Granted: true, Role: g.Role, SessionID: sess.ID, StreamID: sess.StreamID, CompanyID: g.CompanyID}
	s.logger.Info("access granted",
		zap.String("session_id", res.SessionID), zap.String("stream_id", res.StreamID), zap.String("role", string(res.Role)))
	s.mu.RLock()
	fn := s.onGranted
	s.mu.RUnlock()
	if fn != nil {
		fn(ctx, res)
	}
	return res, nil
}

// targetSession returns the grant's pinned session while it is active on the grant's stream,
// and otherwise the stream's current session, creating one on first use.
func (s *Service) targetSession(ctx context.Context, g *models.AccessGrant) (*models.Session, error) {
	if g.SessionID != "" {
		sess, err := s.sessions.Get(ctx, g.SessionID)
		if err == nil && sess.Active() && sess.StreamID == g.StreamID {
			return sess, nil
		}
	}
	sess, _, err := s.sessions.CreateOrResume(ctx, g.StreamID, g.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	return sess, nil
}

// IssueCode mints a code for the actor's tenant. Ordinary principals mint within the ceiling
// their stream authority grants; super_admin is bounded only by the role set.
func (s *Service) IssueCode(ctx context.Context, actor models.Principal, req IssueRequest) (*models.AccessGrant, error) {
	if actor.UserID == "" || actor.CompanyID == "" || req.StreamID == "" {
		s.logger.Warn("issue code without identity or stream",
			zap.String("user_id", actor.UserID), zap.String("stream_id", req.StreamID))
		return nil, ErrMissingIdentifier
	}
	if !req.Role.Valid() {
		return nil, ErrInvalidRole
	}
	if req.MaxUses < 0 || req.TTL < 0 {
		return nil, fmt.Errorf("max_uses and ttl must not be negative")
	}
	if !actor.IsSuperAdmin() {
		entry, err := s.perms.Resolve(ctx, actor.CompanyID, req.StreamID)
		if err != nil {
			return nil, fmt.Errorf("resolve permissions: %w", err)
		}
		a, ok := entry.Authority(actor.UserID)
		if !ok {
			return nil, ErrNoAuthority
		}
		if !req.Role.Within(a.RoleCeiling) {
			return nil, ErrAboveCeiling
		}
	}
	if req.SessionID != "" {
		sess, err := s.sessions.Get(ctx, req.SessionID)
		if err != nil || sess.StreamID != req.StreamID || sess.CompanyID != actor.CompanyID {
			return nil, ErrInvalidSession
		}
	}

	now := s.now().UTC()
	g := &models.AccessGrant{
		CompanyID:        actor.CompanyID,
		StreamID:         req.StreamID,
		SessionID:        req.SessionID,
		Role:             req.Role,
		IssuedBy:         actor.UserID,
		IssuerPrivileged: actor.IsSuperAdmin(),
		MaxUses:          req.MaxUses,
		CreatedAt:        now,
	}
	ttl := req.TTL
	if ttl == 0 {
		ttl = s.cfg.DefaultTTL
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		g.ExpiresAt = &exp
	}

	for i := 0; i < codeAttempts; i++ {
		code, err := utils.RandomCode(s.cfg.CodeLength)
		if err != nil {
			return nil, err
		}
		g.Code = code
		err = s.grants.Create(ctx, g)
		if errors.Is(err, ErrCodeExists) {
			continue
		}
		if err != nil {
			s.logger.Error("persist access code failed", zap.Error(err))
			return nil, err
		}
		s.logger.Info("access code issued",
			zap.String("stream_id", g.StreamID), zap.String("role", string(g.Role)), zap.String("by", actor.UserID))
		return g, nil
	}
	return nil, errCodeSpace
}

// RevokeCode revokes a code. The issuer, tenant admins and super_admin may revoke.
func (s *Service) RevokeCode(ctx context.Context, actor models.Principal, code string) error {
	code = utils.NormalizeCode(code)
	g, err := s.grants.Get(ctx, code)
	if err != nil {
		return err
	}
	if g == nil || (actor.CompanyID != "" && g.CompanyID != actor.CompanyID) {
		return ErrCodeNotFound
	}
	if g.IssuedBy != actor.UserID && !actor.IsSuperAdmin() && actor.Role != models.PrincipalAdmin {
		return ErrForbidden
	}
	if _, err := s.grants.Revoke(ctx, code, s.now().UTC()); err != nil {
		return err
	}
	s.logger.Info("access code revoked", zap.String("stream_id", g.StreamID), zap.String("by", actor.UserID))
	return nil
}

// ListCodes returns the actor's tenant codes for a stream.
func (s *Service) ListCodes(ctx context.Context, actor models.Principal, streamID string) ([]models.AccessGrant, error) {
	if actor.CompanyID == "" || streamID == "" {
		return nil, ErrMissingIdentifier
	}
	return s.grants.ListByStream(ctx, actor.CompanyID, streamID)
}
