// Package permissions keeps the per-stream table of principals allowed to mint access codes
// and the role ceiling each of them may grant.
package permissions

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-tokprompt/backend/internal/models"
)

var (
	ErrForbidden         = errors.New("only super_admin may manage permissions")
	ErrInvalidRole       = errors.New("invalid role ceiling")
	ErrMissingIdentifier = errors.New("missing identifier")
	ErrNotFound          = errors.New("authority not found")
)

// Store persists authorities. Get returns nil with no error when the stream has none.
type Store interface {
	Get(ctx context.Context, companyID, streamID string) (*models.PermissionEntry, error)
	Upsert(ctx context.Context, companyID, streamID string, a models.Authority) error
	Remove(ctx context.Context, companyID, streamID, principalID string) (bool, error)
	List(ctx context.Context, companyID string) ([]models.PermissionEntry, error)
}

// ChangeHandler is called after an entry changes. entry is inactive when its last
// authority was revoked.
type ChangeHandler func(ctx context.Context, entry *models.PermissionEntry)

// Registry is the only writer of permission entries.
type Registry struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	onChange ChangeHandler
}

// NewRegistry creates a permission registry.
func NewRegistry(store Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: store, logger: logger, now: time.Now}
}

// SetChangeHandler registers fn to run after every successful mutation.
func (r *Registry) SetChangeHandler(fn ChangeHandler) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// GrantCodeAuthority lets grantee mint codes for the stream up to ceiling. Granting again
// replaces the previous ceiling. companyID defaults to the actor's tenant.
func (r *Registry) GrantCodeAuthority(ctx context.Context, actor models.Principal, companyID, streamID, granteeID string, ceiling models.Role) (*models.PermissionEntry, error) {
	companyID, err := r.authorize(actor, companyID)
	if err != nil {
		return nil, err
	}
	if streamID == "" || granteeID == "" {
		r.logger.Warn("grant without stream or grantee",
			zap.String("stream_id", streamID), zap.String("principal_id", granteeID))
		return nil, ErrMissingIdentifier
	}
	if !ceiling.Valid() {
		return nil, ErrInvalidRole
	}
	a := models.Authority{PrincipalID: granteeID, RoleCeiling: ceiling, GrantedBy: actor.UserID, GrantedAt: r.now().UTC()}
	if err := r.store.Upsert(ctx, companyID, streamID, a); err != nil {
		r.logger.Error("persist authority failed", zap.String("stream_id", streamID), zap.Error(err))
		return nil, err
	}
	r.logger.Info("code authority granted",
		zap.String("company_id", companyID), zap.String("stream_id", streamID),
		zap.String("principal_id", granteeID), zap.String("ceiling", string(ceiling)), zap.String("by", actor.UserID))
	return r.changed(ctx, companyID, streamID)
}

// Revoke removes grantee's authority for the stream.
func (r *Registry) Revoke(ctx context.Context, actor models.Principal, companyID, streamID, granteeID string) (*models.PermissionEntry, error) {
	companyID, err := r.authorize(actor, companyID)
	if err != nil {
		return nil, err
	}
	if streamID == "" || granteeID == "" {
		r.logger.Warn("revoke without stream or grantee",
			zap.String("stream_id", streamID), zap.String("principal_id", granteeID))
		return nil, ErrMissingIdentifier
	}
	removed, err := r.store.Remove(ctx, companyID, streamID, granteeID)
	if err != nil {
		r.logger.Error("remove authority failed", zap.String("stream_id", streamID), zap.Error(err))
		return nil, err
	}
	if !removed {
		return nil, ErrNotFound
	}
	r.logger.Info("code authority revoked",
		zap.String("company_id", companyID), zap.String("stream_id", streamID),
		zap.String("principal_id", granteeID), zap.String("by", actor.UserID))
	return r.changed(ctx, companyID, streamID)
}

// Resolve returns the stream's entry, or nil when no authority exists for it.
func (r *Registry) Resolve(ctx context.Context, companyID, streamID string) (*models.PermissionEntry, error) {
	entry, err := r.store.Get(ctx, companyID, streamID)
	if err != nil || entry == nil {
		return nil, err
	}
	summarize(entry)
	return entry, nil
}

// List returns the entries visible to actor: its own tenant, or every tenant for a
// super_admin without one.
func (r *Registry) List(ctx context.Context, actor models.Principal) ([]models.PermissionEntry, error) {
	if !actor.IsSuperAdmin() {
		return nil, ErrForbidden
	}
	entries, err := r.store.List(ctx, actor.CompanyID)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		summarize(&entries[i])
	}
	return entries, nil
}

func (r *Registry) authorize(actor models.Principal, companyID string) (string, error) {
	if !actor.IsSuperAdmin() {
		r.logger.Warn("permission mutation rejected", zap.String("user_id", actor.UserID), zap.String("role", string(actor.Role)))
		return "", ErrForbidden
	}
	if companyID == "" {
		companyID = actor.CompanyID
	}
	if actor.CompanyID != "" && companyID != actor.CompanyID {
		return "", ErrForbidden
	}
	if companyID == "" {
		return "", ErrMissingIdentifier
	}
	return companyID, nil
}

func (r *Registry) changed(ctx context.Context, companyID, streamID string) (*models.PermissionEntry, error) {
	entry, err := r.Resolve(ctx, companyID, streamID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		entry = &models.PermissionEntry{CompanyID: companyID, StreamID: streamID, Principals: []models.Authority{}}
	}
	r.mu.RLock()
	fn := r.onChange
	r.mu.RUnlock()
	if fn != nil {
		fn(ctx, entry)
	}
	return entry, nil
}

// summarize sets the entry ceiling to the highest ceiling among its authorities.
func summarize(e *models.PermissionEntry) {
	e.RoleCeiling = ""
	for _, a := range e.Principals {
		if e.RoleCeiling == "" {
			e.RoleCeiling = a.RoleCeiling
			continue
		}
		e.RoleCeiling = models.MaxRole(e.RoleCeiling, a.RoleCeiling)
	}
}
