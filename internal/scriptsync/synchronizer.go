// Package scriptsync keeps one participant's local script buffer in step with the shared
// session document. Only the participant holding the session edit lock pushes script
// changes; everyone else follows the store. Concurrent lock acquisition is last-writer-wins
// and the document revision lets a holder notice it has been overtaken.
package scriptsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-tokprompt/backend/internal/clock"
	"github.com/aura-tokprompt/backend/internal/models"
	"github.com/aura-tokprompt/backend/internal/sessions"
)

var (
	ErrNotController = errors.New("only a controller may do this")
	ErrNotEditing    = errors.New("edit lock not held")
	ErrClosed        = errors.New("synchronizer closed")
	ErrDisconnected  = errors.New("session feed lost")
	ErrLockLost      = errors.New("edit lock taken by another controller")
)

// SaveStatus is the tri-state save indicator; StatusIdle shows nothing.
type SaveStatus string

const (
	StatusIdle    SaveStatus = ""
	StatusSaving  SaveStatus = "saving"
	StatusSuccess SaveStatus = "success"
	StatusError   SaveStatus = "error"
)

// Sessions is the subset of the session manager the synchronizer needs.
type Sessions interface {
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	Mutate(ctx context.Context, sessionID string, fn sessions.MutateFunc) (*models.Session, error)
	Watch(ctx context.Context, sessionID string) (<-chan *models.Session, error)
}

// Notifier publishes messages to every participant of a session.
type Notifier interface {
	Publish(ctx context.Context, sessionID string, m models.FloatingMessage) (models.FloatingMessage, error)
}

// Config tunes timers. Zero values take the defaults.
type Config struct {
	StatusClear      time.Duration
	MaxReconnects    int
	ReconnectBackoff time.Duration
	ErrorDuration    int64
}

func (c *Config) defaults() {
	if c.StatusClear <= 0 {
		c.StatusClear = 2 * time.Second
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 5
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = time.Second
	}
	if c.ErrorDuration <= 0 {
		c.ErrorDuration = 5000
	}
}

// WithDefaults returns c with unset fields filled in.
func (c Config) WithDefaults() Config {
	c.defaults()
	return c
}

// State is what the participant's UI renders.
type State struct {
	Buffer   string          `json:"buffer"`
	Editing  bool            `json:"editing"`
	Status   SaveStatus      `json:"status"`
	Revision int64           `json:"revision"`
	Session  *models.Session `json:"session,omitempty"`
}

// Synchronizer is one participant's projection of a session.
type Synchronizer struct {
	sessions  Sessions
	notifier  Notifier
	clock     clock.Clock
	logger    *zap.Logger
	cfg       Config
	sessionID string
	me        models.Participant

	mu          sync.Mutex
	buffer      string
	holding     bool
	saving      bool
	status      SaveStatus
	revision    int64
	remote      *models.Session
	statusTimer *clock.Timer
	onChange    func(State)
	closed      bool
}

// New creates a synchronizer for participant me in sessionID.
func New(store Sessions, notifier Notifier, clk clock.Clock, logger *zap.Logger, cfg Config, sessionID string, me models.Participant) *Synchronizer {
	cfg.defaults()
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		sessions:  store,
		notifier:  notifier,
		clock:     clk,
		logger:    logger.With(zap.String("session_id", sessionID), zap.String("user_id", me.UserID)),
		cfg:       cfg,
		sessionID: sessionID,
		me:        me,
	}
}

// OnChange registers fn to receive the state after every change.
func (s *Synchronizer) OnChange(fn func(State)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// State returns the current projection.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Apply folds a remote session value into the projection. Values at or below the last seen
// revision are ignored. The buffer follows the store unless this participant holds the lock
// or has a save in flight.
func (s *Synchronizer) Apply(remote *models.Session) {
	if remote == nil {
		return
	}
	s.mu.Lock()
	changed := s.applyLocked(remote)
	fn, st := s.changedLocked(changed)
	s.mu.Unlock()
	notify(fn, st)
}

func (s *Synchronizer) applyLocked(remote *models.Session) bool {
	if s.closed || remote.Revision <= s.revision {
		return false
	}
	s.revision = remote.Revision
	s.remote = remote
	if s.holding && !(remote.Editing && remote.EditorID == s.me.UserID) {
		s.holding = false
		s.logger.Info("edit lock lost", zap.String("editor_id", remote.EditorID), zap.Int64("revision", remote.Revision))
	}
	if !s.holding && !s.saving {
		s.buffer = remote.Script.Content
	}
	return true
}

// AcquireLock takes the session edit lock and seeds the buffer from the freshest stored
// script. Another controller's lock is overwritten.
func (s *Synchronizer) AcquireLock(ctx context.Context) error {
	if err := s.check(true); err != nil {
		return err
	}
	var previous string
	updated, err := s.sessions.Mutate(ctx, s.sessionID, func(doc *models.Session) error {
		if doc.Editing && doc.EditorID != s.me.UserID {
			previous = doc.EditorID
		}
		doc.Editing = true
		doc.EditorID = s.me.UserID
		return nil
	})
	if err != nil {
		s.logger.Warn("acquire edit lock failed", zap.Error(err))
		return err
	}
	if previous != "" {
		s.logger.Info("edit lock taken over", zap.String("previous_editor", previous))
	}

	s.mu.Lock()
	if updated.Revision > s.revision {
		s.revision = updated.Revision
		s.remote = updated
	}
	// The feed may already hold a later revision naming another editor.
	s.holding = s.remote.Editing && s.remote.EditorID == s.me.UserID
	s.buffer = s.remote.Script.Content
	holding, editor, revision := s.holding, s.remote.EditorID, s.revision
	fn, st := s.changedLocked(true)
	s.mu.Unlock()
	notify(fn, st)
	if !holding {
		s.logger.Info("edit lock lost", zap.String("editor_id", editor), zap.Int64("revision", revision))
		return ErrLockLost
	}
	return nil
}

// Edit replaces the local buffer. It never touches the store.
func (s *Synchronizer) Edit(content string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.holding {
		s.mu.Unlock()
		return ErrNotEditing
	}
	s.buffer = content
	fn, st := s.changedLocked(true)
	s.mu.Unlock()
	notify(fn, st)
	return nil
}

// Save commits the buffer. The lock is released locally before the write and the edit is
// not rolled back if the write fails; the failure is reported through the status and the
// message bus and is not retried.
func (s *Synchronizer) Save(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.holding {
		s.mu.Unlock()
		return ErrNotEditing
	}
	content := s.buffer
	s.holding = false
	s.saving = true
	if s.remote != nil {
		local := *s.remote
		local.Script.Content = content
		if local.EditorID == s.me.UserID {
			local.Editing = false
			local.EditorID = ""
		}
		s.remote = &local
	}
	s.setStatusLocked(StatusSaving)
	fn, st := s.changedLocked(true)
	s.mu.Unlock()
	notify(fn, st)

	updated, err := s.sessions.Mutate(ctx, s.sessionID, func(doc *models.Session) error {
		doc.Script.Content = content
		doc.Script.UpdatedBy = s.me.UserID
		doc.Script.UpdatedAt = s.clock.Now().UTC()
		if doc.EditorID == s.me.UserID {
			doc.Editing = false
			doc.EditorID = ""
		}
		return nil
	})

	s.mu.Lock()
	s.saving = false
	if err != nil {
		s.setStatusLocked(StatusError)
	} else {
		s.applyLocked(updated)
		// Revisions that landed during the write were held back from the buffer.
		if !s.holding && s.remote != nil {
			s.buffer = s.remote.Script.Content
		}
		s.setStatusLocked(StatusSuccess)
		s.statusTimer = s.clock.AfterFunc(s.cfg.StatusClear, s.clearSuccess)
	}
	fn, st = s.changedLocked(true)
	s.mu.Unlock()
	notify(fn, st)

	if err != nil {
		s.logger.Error("script save failed", zap.Error(err))
		s.report(ctx, err)
		return err
	}
	return nil
}

// ReleaseLock abandons the edit without saving and returns the buffer to the stored script.
func (s *Synchronizer) ReleaseLock(ctx context.Context) error {
	s.mu.Lock()
	if !s.holding {
		s.mu.Unlock()
		return nil
	}
	s.holding = false
	if s.remote != nil {
		s.buffer = s.remote.Script.Content
	}
	fn, st := s.changedLocked(true)
	s.mu.Unlock()
	notify(fn, st)

	updated, err := s.sessions.Mutate(ctx, s.sessionID, func(doc *models.Session) error {
		if doc.EditorID == s.me.UserID {
			doc.Editing = false
			doc.EditorID = ""
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("release edit lock failed", zap.Error(err))
		return err
	}
	s.Apply(updated)
	return nil
}

// UpdatePlayback writes the shared playback state. Controllers only.
func (s *Synchronizer) UpdatePlayback(ctx context.Context, p models.PlaybackState) error {
	if err := s.check(true); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	updated, err := s.sessions.Mutate(ctx, s.sessionID, func(doc *models.Session) error {
		doc.Playback = p
		return nil
	})
	if err != nil {
		return err
	}
	s.Apply(updated)
	return nil
}

// Run follows the session until it ends or ctx is done. A dropped feed is re-established
// with a bounded number of attempts spaced by the reconnect backoff.
func (s *Synchronizer) Run(ctx context.Context) error {
	attempts := 0
	for {
		feed, err := s.sessions.Watch(ctx, s.sessionID)
		switch {
		case errors.Is(err, sessions.ErrSessionNotFound):
			return err
		case err == nil:
			delivered := false
			for remote := range feed {
				delivered = true
				s.Apply(remote)
				if !remote.Active() {
					return nil
				}
			}
			if delivered {
				attempts = 0
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		remote, perr := s.sessions.Get(ctx, s.sessionID)
		if errors.Is(perr, sessions.ErrSessionNotFound) {
			return perr
		}
		if perr == nil {
			s.Apply(remote)
			if !remote.Active() {
				return nil
			}
		}

		attempts++
		if attempts > s.cfg.MaxReconnects {
			s.logger.Error("session feed lost", zap.Int("attempts", attempts-1))
			return ErrDisconnected
		}
		s.logger.Warn("session feed dropped, reconnecting", zap.Int("attempt", attempts), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(time.Duration(attempts) * s.cfg.ReconnectBackoff):
		}
	}
}

// Close stops timers and notifications. It does not release the lock; detaching the
// participant does.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.statusTimer != nil {
		s.statusTimer.Stop()
		s.statusTimer = nil
	}
	s.onChange = nil
}

func (s *Synchronizer) check(controller bool) error {
	if controller && s.me.Role != models.RoleController {
		return ErrNotController
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *Synchronizer) clearSuccess() {
	s.mu.Lock()
	if s.closed || s.status != StatusSuccess {
		s.mu.Unlock()
		return
	}
	s.status = StatusIdle
	s.statusTimer = nil
	fn, st := s.changedLocked(true)
	s.mu.Unlock()
	notify(fn, st)
}

func (s *Synchronizer) setStatusLocked(st SaveStatus) {
	if s.statusTimer != nil {
		s.statusTimer.Stop()
		s.statusTimer = nil
	}
	s.status = st
}

func (s *Synchronizer) report(ctx context.Context, cause error) {
	if s.notifier == nil {
		return
	}
	m := models.FloatingMessage{
		Content:  fmt.Sprintf("%s could not save the script: %v", s.me.Name, cause),
		Type:     models.SeverityError,
		Duration: s.cfg.ErrorDuration,
		Sender:   &models.Sender{UserID: s.me.UserID, UserName: s.me.Name},
	}
	if _, err := s.notifier.Publish(ctx, s.sessionID, m); err != nil {
		s.logger.Warn("publish save failure failed", zap.Error(err))
	}
}

func (s *Synchronizer) stateLocked() State {
	return State{Buffer: s.buffer, Editing: s.holding, Status: s.status, Revision: s.revision, Session: s.remote}
}

func (s *Synchronizer) changedLocked(changed bool) (func(State), State) {
	if !changed || s.onChange == nil {
		return nil, State{}
	}
	return s.onChange, s.stateLocked()
}

func notify(fn func(State), st State) {
	if fn != nil {
		fn(st)
	}
}
