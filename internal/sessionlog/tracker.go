package sessionlog

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aura-tokprompt/backend/internal/clock"
	"github.com/aura-tokprompt/backend/internal/models"
)

// Store persists activity rows.
type Store interface {
	Record(ctx context.Context, e models.ActivityEntry) (int64, error)
	RecordLeave(ctx context.Context, e models.ActivityEntry) error
}

// Tracker turns lifecycle events into activity rows. Failures are logged and never reach
// the caller.
type Tracker struct {
	store  Store
	clock  clock.Clock
	logger *zap.Logger
}

// NewTracker creates a tracker.
func NewTracker(store Store, clk clock.Clock, logger *zap.Logger) *Tracker {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: store, clock: clk, logger: logger}
}

// SessionCreated records create_session.
func (t *Tracker) SessionCreated(ctx context.Context, s *models.Session) {
	t.record(ctx, entry(s, models.ActionCreateSession, "", ""), t.clock.Now())
}

// SessionEnded records end_session.
func (t *Tracker) SessionEnded(ctx context.Context, s *models.Session) {
	at := t.clock.Now()
	if s.EndedAt != nil {
		at = *s.EndedAt
	}
	t.record(ctx, entry(s, models.ActionEndSession, "", ""), at)
}

// Joined records join_session at p's join time.
func (t *Tracker) Joined(ctx context.Context, s *models.Session, p models.Participant) {
	at := p.JoinedAt
	if at.IsZero() {
		at = t.clock.Now()
	}
	t.record(ctx, entry(s, models.ActionJoinSession, p.UserID, string(p.Role)), at)
}

// Left closes the participant's join row and records leave_session.
func (t *Tracker) Left(ctx context.Context, s *models.Session, p models.Participant) {
	e := entry(s, models.ActionLeaveSession, p.UserID, string(p.Role))
	e.At = t.clock.Now().UTC()
	if err := t.store.RecordLeave(ctx, e); err != nil {
		t.logger.Error("record leave failed", zap.String("session_id", s.ID), zap.String("user_id", p.UserID), zap.Error(err))
	}
}

// InviteAccepted records accept_invite for a redeemed access code.
func (t *Tracker) InviteAccepted(ctx context.Context, s *models.Session, userID string, role models.Role) {
	t.record(ctx, entry(s, models.ActionAcceptInvite, userID, string(role)), t.clock.Now())
}

func (t *Tracker) record(ctx context.Context, e models.ActivityEntry, at time.Time) {
	e.At = at.UTC()
	if _, err := t.store.Record(ctx, e); err != nil {
		t.logger.Error("record activity failed",
			zap.String("session_id", e.SessionID), zap.String("action", e.Action), zap.Error(err))
	}
}

func entry(s *models.Session, action, userID, role string) models.ActivityEntry {
	return models.ActivityEntry{
		SessionID: s.ID,
		StreamID:  s.StreamID,
		CompanyID: s.CompanyID,
		UserID:    userID,
		Action:    action,
		Role:      role,
	}
}
