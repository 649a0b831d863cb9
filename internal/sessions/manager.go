// Package sessions owns the lifecycle of shared teleprompter sessions: creation per stream,
// the participant roster, the session-wide edit lock bookkeeping and the one-way transition
// to terminal.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-tokprompt/backend/internal/clock"
	"github.com/aura-tokprompt/backend/internal/docstore"
	"github.com/aura-tokprompt/backend/internal/models"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionEnded      = errors.New("session has ended")
	ErrInvalidRole       = errors.New("invalid participant role")
	ErrMissingIdentifier = errors.New("missing identifier")
	ErrBusy              = errors.New("session binding contended")
)

const createAttempts = 3

// SessionKey is the document key of a session.
func SessionKey(id string) string {
	return "session:" + id
}

func bindingKey(companyID, streamID string) string {
	return "stream:" + companyID + ":" + streamID
}

// MutateFunc edits a session in place. It is only called for active sessions.
type MutateFunc func(s *models.Session) error

// Hook is notified after a lifecycle transition.
type Hook func(ctx context.Context, s *models.Session)

// Manager is the single writer of roster and status fields on session documents.
type Manager struct {
	store     *docstore.RedisStore
	clock     clock.Clock
	logger    *zap.Logger
	retention time.Duration

	mu        sync.RWMutex
	onCreated Hook
	onEnded   Hook
}

// NewManager creates a session manager. Ended sessions are kept for retention before the
// store drops them.
func NewManager(store *docstore.RedisStore, clk clock.Clock, logger *zap.Logger, retention time.Duration) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, clock: clk, logger: logger, retention: retention}
}

// SetCreatedHandler registers fn to run after a new session is created.
func (m *Manager) SetCreatedHandler(fn Hook) {
	m.mu.Lock()
	m.onCreated = fn
	m.mu.Unlock()
}

// SetEndedHandler registers fn to run after a session turns terminal.
func (m *Manager) SetEndedHandler(fn Hook) {
	m.mu.Lock()
	m.onEnded = fn
	m.mu.Unlock()
}

// CreateOrResume returns the active session bound to the stream, creating one with an empty
// script and default playback when there is none. The second result reports creation.
func (m *Manager) CreateOrResume(ctx context.Context, streamID, companyID string) (*models.Session, bool, error) {
	if streamID == "" || companyID == "" {
		m.logger.Warn("createOrResume without stream or company",
			zap.String("stream_id", streamID), zap.String("company_id", companyID))
		return nil, false, ErrMissingIdentifier
	}
	bkey := bindingKey(companyID, streamID)

	for attempt := 0; attempt < createAttempts; attempt++ {
		bound, staleID, err := m.bound(ctx, bkey)
		if err != nil {
			return nil, false, err
		}
		if bound != nil {
			return bound, false, nil
		}

		s := models.NewSession(uuid.New().String(), streamID, companyID, m.clock.Now().UTC())
		doc, err := json.Marshal(s)
		if err != nil {
			return nil, false, fmt.Errorf("encode session: %w", err)
		}
		snap, _, err := m.store.Create(ctx, SessionKey(s.ID), doc)
		if err != nil {
			return nil, false, err
		}
		s.Revision = snap.Revision

		won, err := m.bind(ctx, bkey, staleID, s.ID)
		if err != nil {
			m.discard(ctx, s.ID)
			return nil, false, err
		}
		if !won {
			m.discard(ctx, s.ID)
			continue
		}
		m.logger.Info("session created",
			zap.String("session_id", s.ID), zap.String("stream_id", streamID), zap.String("company_id", companyID))
		m.mu.RLock()
		hook := m.onCreated
		m.mu.RUnlock()
		if hook != nil {
			hook(ctx, s)
		}
		return s, true, nil
	}
	return nil, false, ErrBusy
}

// bound resolves the stream binding. It returns the bound session when it is still active,
// or the id of a stale binding that must be replaced.
func (m *Manager) bound(ctx context.Context, bkey string) (*models.Session, string, error) {
	snap, err := m.store.Get(ctx, bkey)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	var b models.StreamBinding
	if err := json.Unmarshal(snap.Data, &b); err != nil {
		return nil, "", fmt.Errorf("decode binding %s: %w", bkey, err)
	}
	s, err := m.Get(ctx, b.SessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, b.SessionID, nil
	}
	if err != nil {
		return nil, "", err
	}
	if !s.Active() {
		return nil, b.SessionID, nil
	}
	return s, "", nil
}

// bind points the stream at sessionID. With no stale id the binding must not exist yet;
// otherwise it must still point at staleID.
func (m *Manager) bind(ctx context.Context, bkey, staleID, sessionID string) (bool, error) {
	doc, err := json.Marshal(models.StreamBinding{SessionID: sessionID, BoundAt: m.clock.Now().UTC()})
	if err != nil {
		return false, err
	}
	if staleID == "" {
		_, created, err := m.store.Create(ctx, bkey, doc)
		return created, err
	}
	errMoved := errors.New("binding moved")
	_, err = m.store.Update(ctx, bkey, func(cur json.RawMessage) (json.RawMessage, error) {
		var b models.StreamBinding
		if err := json.Unmarshal(cur, &b); err != nil || b.SessionID != staleID {
			return nil, errMoved
		}
		return doc, nil
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errMoved), errors.Is(err, docstore.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (m *Manager) discard(ctx context.Context, sessionID string) {
	if err := m.store.Delete(ctx, SessionKey(sessionID)); err != nil {
		m.logger.Warn("discard orphan session failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Get returns the session document.
func (m *Manager) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	if sessionID == "" {
		return nil, ErrMissingIdentifier
	}
	snap, err := m.store.Get(ctx, SessionKey(sessionID))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(snap)
}

// Attach adds p to the roster. Re-attaching the same user replaces the entry and refreshes
// its join time.
func (m *Manager) Attach(ctx context.Context, sessionID string, p models.Participant) (*models.Session, error) {
	if p.UserID == "" {
		m.logger.Warn("attach without participant id", zap.String("session_id", sessionID))
		return nil, ErrMissingIdentifier
	}
	if !p.Role.Valid() {
		return nil, ErrInvalidRole
	}
	s, err := m.Mutate(ctx, sessionID, func(s *models.Session) error {
		p.JoinedAt = m.clock.Now().UTC()
		for i := range s.Participants {
			if s.Participants[i].UserID == p.UserID {
				s.Participants[i] = p
				return nil
			}
		}
		s.Participants = append(s.Participants, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("participant joined",
		zap.String("session_id", sessionID), zap.String("user_id", p.UserID), zap.String("role", string(p.Role)))
	return s, nil
}

// Detach removes the participant and releases the edit lock if they held it. Detaching from
// an ended session is a no-op.
func (m *Manager) Detach(ctx context.Context, sessionID, userID string) error {
	if userID == "" {
		m.logger.Warn("detach without participant id", zap.String("session_id", sessionID))
		return ErrMissingIdentifier
	}
	_, err := m.Mutate(ctx, sessionID, func(s *models.Session) error {
		kept := s.Participants[:0]
		for _, p := range s.Participants {
			if p.UserID != userID {
				kept = append(kept, p)
			}
		}
		s.Participants = kept
		if s.EditorID == userID {
			s.Editing = false
			s.EditorID = ""
		}
		return nil
	})
	if errors.Is(err, ErrSessionEnded) || errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	m.logger.Info("participant left", zap.String("session_id", sessionID), zap.String("user_id", userID))
	return nil
}

// End marks the session terminal, releases the edit lock and unbinds it from its stream so
// the next CreateOrResume starts a fresh session.
func (m *Manager) End(ctx context.Context, sessionID string) (*models.Session, error) {
	if sessionID == "" {
		m.logger.Warn("end without session id")
		return nil, ErrMissingIdentifier
	}
	snap, err := m.store.Update(ctx, SessionKey(sessionID), func(cur json.RawMessage) (json.RawMessage, error) {
		var s models.Session
		if err := json.Unmarshal(cur, &s); err != nil {
			return nil, err
		}
		if !s.Active() {
			return nil, ErrSessionEnded
		}
		now := m.clock.Now().UTC()
		s.Status = models.SessionTerminal
		s.Editing = false
		s.EditorID = ""
		s.EndedAt = &now
		s.UpdatedAt = now
		return json.Marshal(&s)
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	s, err := decode(snap)
	if err != nil {
		return nil, err
	}

	if _, err := m.store.DeleteIf(ctx, bindingKey(s.CompanyID, s.StreamID), func(b docstore.Snapshot) bool {
		var binding models.StreamBinding
		return json.Unmarshal(b.Data, &binding) == nil && binding.SessionID == s.ID
	}); err != nil {
		m.logger.Error("unbind ended session failed", zap.String("session_id", s.ID), zap.Error(err))
	}
	if m.retention > 0 {
		if err := m.store.Expire(ctx, SessionKey(s.ID), m.retention); err != nil {
			m.logger.Error("set session retention failed", zap.String("session_id", s.ID), zap.Error(err))
		}
	}
	m.logger.Info("session ended", zap.String("session_id", s.ID), zap.String("stream_id", s.StreamID))

	m.mu.RLock()
	hook := m.onEnded
	m.mu.RUnlock()
	if hook != nil {
		hook(ctx, s)
	}
	return s, nil
}

// Mutate is the write path for script, playback and lock fields. Terminal sessions reject
// every write with ErrSessionEnded.
func (m *Manager) Mutate(ctx context.Context, sessionID string, fn MutateFunc) (*models.Session, error) {
	if sessionID == "" {
		m.logger.Warn("mutate without session id")
		return nil, ErrMissingIdentifier
	}
	snap, err := m.store.Update(ctx, SessionKey(sessionID), func(cur json.RawMessage) (json.RawMessage, error) {
		var s models.Session
		if err := json.Unmarshal(cur, &s); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		if !s.Active() {
			return nil, ErrSessionEnded
		}
		if err := fn(&s); err != nil {
			return nil, err
		}
		s.UpdatedAt = m.clock.Now().UTC()
		return json.Marshal(&s)
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(snap)
}

// Watch streams the session: its current value first, then every change. The channel closes
// when ctx is done, the session document is removed or the subscription drops.
func (m *Manager) Watch(ctx context.Context, sessionID string) (<-chan *models.Session, error) {
	if _, err := m.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	feed, err := m.store.Subscribe(ctx, SessionKey(sessionID))
	if err != nil {
		return nil, err
	}
	out := make(chan *models.Session, 1)
	go func() {
		defer close(out)
		for snap := range feed {
			if snap.Deleted {
				return
			}
			s, err := decode(snap)
			if err != nil {
				m.logger.Error("decode session snapshot", zap.String("session_id", sessionID), zap.Error(err))
				continue
			}
			select {
			case out <- s:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func decode(snap docstore.Snapshot) (*models.Session, error) {
	var s models.Session
	if err := json.Unmarshal(snap.Data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	s.Revision = snap.Revision
	return &s, nil
}
