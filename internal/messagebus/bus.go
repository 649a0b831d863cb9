// Package messagebus carries short-lived notifications for a session on a bounded queue in
// the document store. Delivery is at-least-once; Inbox is the per-client display side that
// deduplicates and expires what it receives.
package messagebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-tokprompt/backend/internal/clock"
	"github.com/aura-tokprompt/backend/internal/docstore"
	"github.com/aura-tokprompt/backend/internal/models"
	"github.com/aura-tokprompt/backend/internal/sessions"
)

var (
	ErrMissingIdentifier = errors.New("missing session id")
	ErrEmptyContent      = errors.New("message content is empty")
	ErrInvalidDuration   = errors.New("message duration out of range")
	ErrInvalidSeverity   = errors.New("invalid message severity")
	ErrFeedLost          = errors.New("message feed lost")
)

const (
	// DefaultQueueLimit bounds the stored queue when no limit is configured.
	DefaultQueueLimit = 100
	// MaxDuration is the longest display time in milliseconds that still fits a time.Duration.
	MaxDuration = math.MaxInt64 / int64(time.Millisecond)
)

// QueueKey is the list key holding a session's messages.
func QueueKey(sessionID string) string {
	return "messages:" + sessionID
}

// SessionLookup resolves the session a message is published to.
type SessionLookup interface {
	Get(ctx context.Context, sessionID string) (*models.Session, error)
}

// Bus publishes and streams a session's floating messages.
type Bus struct {
	store    *docstore.RedisStore
	sessions SessionLookup
	clock    clock.Clock
	logger   *zap.Logger
	limit    int
}

// NewBus creates a message bus. limit bounds each session queue.
func NewBus(store *docstore.RedisStore, lookup SessionLookup, clk clock.Clock, logger *zap.Logger, limit int) *Bus {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	return &Bus{store: store, sessions: lookup, clock: clk, logger: logger, limit: limit}
}

// Publish appends m to the session queue under a fresh id. A missing creation time is filled
// in and an empty severity becomes info.
func (b *Bus) Publish(ctx context.Context, sessionID string, m models.FloatingMessage) (models.FloatingMessage, error) {
	if sessionID == "" {
		b.logger.Warn("publish without session id")
		return m, ErrMissingIdentifier
	}
	m.Content = strings.TrimSpace(m.Content)
	if m.Content == "" {
		return m, ErrEmptyContent
	}
	if m.Duration < 0 || m.Duration > MaxDuration {
		return m, ErrInvalidDuration
	}
	sev, err := models.ParseSeverity(string(m.Type))
	if err != nil {
		return m, fmt.Errorf("%w: %q", ErrInvalidSeverity, m.Type)
	}
	m.Type = sev

	s, err := b.sessions.Get(ctx, sessionID)
	if err != nil {
		return m, err
	}
	if !s.Active() {
		return m, sessions.ErrSessionEnded
	}

	m.ID = uuid.New().String()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = b.clock.Now().UTC()
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return m, fmt.Errorf("encode message: %w", err)
	}
	if err := b.store.Append(ctx, QueueKey(sessionID), raw, b.limit); err != nil {
		b.logger.Error("publish message failed", zap.String("session_id", sessionID), zap.Error(err))
		return m, err
	}
	return m, nil
}

// List returns the stored queue, oldest first.
func (b *Bus) List(ctx context.Context, sessionID string) ([]models.FloatingMessage, error) {
	items, err := b.store.Range(ctx, QueueKey(sessionID))
	if err != nil {
		return nil, err
	}
	return b.decode(sessionID, items), nil
}

// Watch streams the whole queue: its current content first, then after every change.
func (b *Bus) Watch(ctx context.Context, sessionID string) (<-chan []models.FloatingMessage, error) {
	if sessionID == "" {
		return nil, ErrMissingIdentifier
	}
	feed, err := b.store.WatchList(ctx, QueueKey(sessionID))
	if err != nil {
		return nil, err
	}
	out := make(chan []models.FloatingMessage, 1)
	go func() {
		defer close(out)
		for snap := range feed {
			select {
			case out <- b.decode(sessionID, snap.Items):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Deliver keeps in synced with the session queue until ctx is done. A dropped feed is
// re-watched after attempt*backoff; after maxReconnects failures in a row without a snapshot
// it gives up with ErrFeedLost.
func (b *Bus) Deliver(ctx context.Context, sessionID string, in *Inbox, maxReconnects int, backoff time.Duration) error {
	attempts := 0
	for {
		feed, err := b.Watch(ctx, sessionID)
		if err != nil {
			b.logger.Warn("watch messages failed", zap.String("session_id", sessionID), zap.Error(err))
		} else if in.Follow(ctx, feed) > 0 {
			attempts = 0
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempts++
		if attempts > maxReconnects {
			b.logger.Error("message feed lost", zap.String("session_id", sessionID), zap.Int("attempts", attempts-1))
			return ErrFeedLost
		}
		b.logger.Info("message feed dropped, re-watching", zap.String("session_id", sessionID), zap.Int("attempt", attempts))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.clock.After(time.Duration(attempts) * backoff):
		}
	}
}

// Subscribe streams individual messages. Every queue change re-delivers the messages still
// stored, so consumers must deduplicate by id.
func (b *Bus) Subscribe(ctx context.Context, sessionID string) (<-chan models.FloatingMessage, error) {
	snaps, err := b.Watch(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := make(chan models.FloatingMessage, 16)
	go func() {
		defer close(out)
		for list := range snaps {
			for _, m := range list {
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Dismiss removes a message from the queue. Dismissing an unknown id is not an error.
func (b *Bus) Dismiss(ctx context.Context, sessionID, messageID string) error {
	if sessionID == "" || messageID == "" {
		b.logger.Warn("dismiss without identifiers", zap.String("session_id", sessionID), zap.String("message_id", messageID))
		return ErrMissingIdentifier
	}
	_, err := b.store.RemoveWhere(ctx, QueueKey(sessionID), func(raw json.RawMessage) bool {
		var m models.FloatingMessage
		return json.Unmarshal(raw, &m) == nil && m.ID == messageID
	})
	return err
}

// Clear drops the session queue.
func (b *Bus) Clear(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrMissingIdentifier
	}
	return b.store.Clear(ctx, QueueKey(sessionID))
}

func (b *Bus) decode(sessionID string, items []json.RawMessage) []models.FloatingMessage {
	out := make([]models.FloatingMessage, 0, len(items))
	for _, raw := range items {
		var m models.FloatingMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			b.logger.Warn("skip undecodable message", zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	return out
}
