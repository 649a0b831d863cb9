package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/aura-tokprompt/backend/internal/models"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// Outbound event names.
const (
	EventState             = "state"
	EventScript            = "script"
	EventMessages          = "messages"
	EventError             = "error"
	EventSessionEnded      = "session_ended"
	EventPermissionChanged = "permission_changed"
)

// PresenceHandler is called after a participant joins or leaves a session on this instance.
type PresenceHandler func(c *Client, joined bool)

// Publisher relays events to other instances.
type Publisher interface {
	Publish(channel, event string, payload []byte) error
}

// Subscriber delivers events published by any instance.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handler func(event string, payload []byte)) error
}

// PermissionChange is broadcast to every participant of the affected stream.
type PermissionChange struct {
	CompanyID string `json:"company_id"`
	StreamID  string `json:"stream_id"`
	Active    bool   `json:"active"`
}

// Hub tracks the connections of each session held by this instance.
type Hub struct {
	sessions   map[string]map[string]*Client
	mu         sync.RWMutex
	logger     *zap.Logger
	pub        Publisher
	sub        Subscriber
	onPresence PresenceHandler
}

// NewHub creates a hub. pub and sub may be nil for a single instance.
func NewHub(logger *zap.Logger, pub Publisher, sub Subscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sessions: make(map[string]map[string]*Client),
		logger:   logger,
		pub:      pub,
		sub:      sub,
	}
}

// SetPresenceHandler sets the callback for joins and leaves.
func (h *Hub) SetPresenceHandler(fn PresenceHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onPresence = fn
}

// Start listens for permission changes published by other instances.
func (h *Hub) Start(ctx context.Context) error {
	if h.sub == nil {
		return nil
	}
	return h.sub.Subscribe(ctx, PermissionsChannel, func(event string, payload []byte) {
		if event != EventPermissionChanged {
			return
		}
		var pc PermissionChange
		if err := json.Unmarshal(payload, &pc); err != nil {
			h.logger.Warn("bad permission change", zap.Error(err))
			return
		}
		h.broadcastPermission(pc)
	})
}

// Register adds a client to its session room.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.sessions[c.SessionID] == nil {
		h.sessions[c.SessionID] = make(map[string]*Client)
	}
	h.sessions[c.SessionID][c.ID] = c
	onPresence := h.onPresence
	h.mu.Unlock()
	if onPresence != nil {
		onPresence(c, true)
	}
	h.logger.Debug("client joined session", zap.String("client_id", c.ID), zap.String("session_id", c.SessionID))
}

// Unregister removes a client from its session room.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	found := false
	if m, ok := h.sessions[c.SessionID]; ok {
		if _, found = m[c.ID]; found {
			delete(m, c.ID)
		}
		if len(m) == 0 {
			delete(h.sessions, c.SessionID)
		}
	}
	onPresence := h.onPresence
	h.mu.Unlock()
	if found && onPresence != nil {
		onPresence(c, false)
	}
	h.logger.Debug("client left session", zap.String("client_id", c.ID), zap.String("session_id", c.SessionID))
}

// Participants lists who is connected to a session on this instance.
func (h *Hub) Participants(sessionID string) []models.Participant {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]models.Participant, 0, len(h.sessions[sessionID]))
	for _, c := range h.sessions[sessionID] {
		out = append(out, c.Participant)
	}
	return out
}

// Count returns the number of local connections to a session.
func (h *Hub) Count(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// Broadcast sends an event to every local client of a session.
func (h *Hub) Broadcast(sessionID, event string, payload interface{}) {
	msg, err := encode(event, payload)
	if err != nil {
		h.logger.Error("encode broadcast", zap.String("event", event), zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.sessions[sessionID] {
		c.enqueue(msg)
	}
}

// NotifyPermissionChange tells every participant of the stream, on every instance, that
// its permission entry changed.
func (h *Hub) NotifyPermissionChange(pc PermissionChange) {
	if h.pub != nil {
		data, err := json.Marshal(pc)
		if err == nil {
			if err = h.pub.Publish(PermissionsChannel, EventPermissionChanged, data); err == nil {
				return
			}
		}
		h.logger.Warn("publish permission change", zap.String("stream_id", pc.StreamID), zap.Error(err))
	}
	h.broadcastPermission(pc)
}

func (h *Hub) broadcastPermission(pc PermissionChange) {
	msg, err := encode(EventPermissionChanged, pc)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, room := range h.sessions {
		for _, c := range room {
			if c.StreamID == pc.StreamID && c.CompanyID == pc.CompanyID {
				c.enqueue(msg)
			}
		}
	}
}

func encode(event string, payload interface{}) (WSMessage, error) {
	var data []byte
	switch v := payload.(type) {
	case nil:
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return WSMessage{}, err
		}
	}
	return WSMessage{Event: event, Data: data}, nil
}
