package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-tokprompt/backend/internal/auth"
	"github.com/aura-tokprompt/backend/internal/clock"
	"github.com/aura-tokprompt/backend/internal/messagebus"
	"github.com/aura-tokprompt/backend/internal/middleware"
	"github.com/aura-tokprompt/backend/internal/models"
	"github.com/aura-tokprompt/backend/internal/scriptsync"
	"github.com/aura-tokprompt/backend/internal/sessions"
	"github.com/aura-tokprompt/backend/pkg/response"
)

// newUpgrader accepts requests without an Origin header (non-browser clients) and browser
// requests from the configured origins.
func newUpgrader(origins []string) *websocket.Upgrader {
	match := middleware.NewOriginMatcher(origins)
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || match.Allowed(origin)
		},
	}
}

// Inbound event names.
const (
	EventEditBegin      = "edit_begin"
	EventEditUpdate     = "edit_update"
	EventEditSave       = "edit_save"
	EventEditCancel     = "edit_cancel"
	EventPlaybackUpdate = "playback_update"
	EventMessagePublish = "message_publish"
	EventMessageDismiss = "message_dismiss"
)

var errUnknownEvent = errors.New("unknown event")

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type editPayload struct {
	Content string `json:"content"`
}

type publishPayload struct {
	Content  string `json:"content"`
	Type     string `json:"type"`
	Duration *int64 `json:"duration"`
}

type dismissPayload struct {
	ID         string `json:"id"`
	Everywhere bool   `json:"everywhere"`
}

type errorPayload struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}

// Options wires a WebSocket endpoint to the session engine.
type Options struct {
	Hub             *Hub
	Sessions        *sessions.Manager
	Bus             *messagebus.Bus
	JWT             *auth.JWTService
	Clock           clock.Clock
	Logger          *zap.Logger
	Sync            scriptsync.Config
	SeenCapacity    int
	MessageDuration int64
	// Origins lists the browser origins allowed to connect; empty allows any.
	Origins []string
}

// Client is one participant connection. It owns the participant's synchronizer and inbox.
type Client struct {
	ID          string
	SessionID   string
	StreamID    string
	CompanyID   string
	Participant models.Participant

	opts   *Options
	conn   *websocket.Conn
	send   chan WSMessage
	sync   *scriptsync.Synchronizer
	inbox  *messagebus.Inbox
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu         sync.Mutex
	lastScript string
	sentScript bool
}

// ServeWs authenticates the caller, attaches them to the session and runs the client loop.
func ServeWs(opts Options) gin.HandlerFunc {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Sync = opts.Sync.WithDefaults()
	upgrader := newUpgrader(opts.Origins)
	return func(c *gin.Context) {
		sessionID := c.Query("session_id")
		token := c.Query("token")
		if sessionID == "" || token == "" {
			response.BadRequest(c, "session_id and token required")
			return
		}
		claims, err := opts.JWT.Validate(token)
		if err != nil {
			response.Unauthorized(c, "invalid token")
			return
		}
		s, err := opts.Sessions.Get(c.Request.Context(), sessionID)
		switch {
		case errors.Is(err, sessions.ErrSessionNotFound):
			response.NotFound(c, "session not found")
			return
		case err != nil:
			response.Internal(c, "failed to load session")
			return
		case !s.Active():
			response.Conflict(c, "session has ended")
			return
		}
		role, ok := sessions.RoleFor(claims, s)
		if !ok {
			response.Forbidden(c, "not a participant of this session")
			return
		}

		p := models.Participant{UserID: claims.UserID, Name: claims.Name, Role: role}
		if _, err := opts.Sessions.Attach(c.Request.Context(), sessionID, p); err != nil {
			opts.Logger.Warn("attach failed", zap.String("session_id", sessionID), zap.Error(err))
			response.Conflict(c, err.Error())
			return
		}
		p.JoinedAt = opts.Clock.Now().UTC()

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			opts.Logger.Warn("websocket upgrade failed", zap.Error(err))
			_ = opts.Sessions.Detach(context.Background(), sessionID, p.UserID)
			return
		}

		client := newClient(&opts, conn, s, p)
		client.start()
		go client.writePump()
		client.readPump()
	}
}

func newClient(opts *Options, conn *websocket.Conn, s *models.Session, p models.Participant) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	logger := opts.Logger.With(zap.String("session_id", s.ID), zap.String("user_id", p.UserID))
	c := &Client{
		ID:          uuid.New().String(),
		SessionID:   s.ID,
		StreamID:    s.StreamID,
		CompanyID:   s.CompanyID,
		Participant: p,
		opts:        opts,
		conn:        conn,
		send:        make(chan WSMessage, 256),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
	c.sync = scriptsync.New(opts.Sessions, opts.Bus, opts.Clock, logger, opts.Sync, s.ID, p)
	c.inbox = messagebus.NewInbox(opts.Clock, opts.SeenCapacity)
	return c
}

func (c *Client) start() {
	c.sync.OnChange(c.emitState)
	c.inbox.OnChange(func(list []models.FloatingMessage) { c.emit(EventMessages, list) })

	go c.deliver()
	go c.follow()

	c.opts.Hub.Register(c)
	c.announce(c.ctx, fmt.Sprintf("%s joined as %s", c.displayName(), c.Participant.Role))
}

// deliver keeps the inbox fed from the session queue, re-watching a dropped feed.
func (c *Client) deliver() {
	err := c.opts.Bus.Deliver(c.ctx, c.SessionID, c.inbox, c.opts.Sync.MaxReconnects, c.opts.Sync.ReconnectBackoff)
	if err != nil && c.ctx.Err() == nil {
		c.logger.Warn("message feed ended", zap.Error(err))
		c.emit(EventError, errorPayload{Message: err.Error()})
	}
}

// follow runs the synchronizer and closes the connection once the session is gone.
func (c *Client) follow() {
	err := c.sync.Run(c.ctx)
	if c.ctx.Err() != nil {
		return
	}
	if err != nil {
		c.logger.Warn("session feed ended", zap.Error(err))
		c.emit(EventError, errorPayload{Message: err.Error()})
	}
	c.emit(EventSessionEnded, map[string]string{"session_id": c.SessionID})
	c.close()
}

func (c *Client) readPump() {
	defer c.shutdown()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		if err := c.handle(c.ctx, msg); err != nil {
			c.logger.Debug("event rejected", zap.String("event", msg.Event), zap.Error(err))
			c.emit(EventError, errorPayload{Event: msg.Event, Message: err.Error()})
		}
	}
}

func (c *Client) handle(ctx context.Context, msg WSMessage) error {
	switch msg.Event {
	case EventEditBegin:
		return c.sync.AcquireLock(ctx)
	case EventEditUpdate:
		var p editPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return err
		}
		return c.sync.Edit(p.Content)
	case EventEditSave:
		return c.sync.Save(ctx)
	case EventEditCancel:
		return c.sync.ReleaseLock(ctx)
	case EventPlaybackUpdate:
		var p models.PlaybackState
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return err
		}
		return c.sync.UpdatePlayback(ctx, p)
	case EventMessagePublish:
		var p publishPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return err
		}
		m := models.FloatingMessage{
			Content:  p.Content,
			Type:     models.Severity(p.Type),
			Duration: c.opts.MessageDuration,
			Sender:   &models.Sender{UserID: c.Participant.UserID, UserName: c.Participant.Name},
		}
		if p.Duration != nil {
			m.Duration = *p.Duration
		}
		_, err := c.opts.Bus.Publish(ctx, c.SessionID, m)
		return err
	case EventMessageDismiss:
		var p dismissPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return err
		}
		c.inbox.Dismiss(p.ID)
		if p.Everywhere {
			return c.opts.Bus.Dismiss(ctx, c.SessionID, p.ID)
		}
		return nil
	default:
		return fmt.Errorf("%w %q", errUnknownEvent, msg.Event)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			c.drain()
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain flushes queued events so a session_ended notice reaches the client before close.
func (c *Client) drain() {
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// shutdown detaches the participant. Listeners and timers stop; in-flight writes are left
// to finish.
func (c *Client) shutdown() {
	c.close()
	c.sync.Close()
	c.inbox.Close()
	c.opts.Hub.Unregister(c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.opts.Sessions.Detach(ctx, c.SessionID, c.Participant.UserID); err != nil {
		c.logger.Error("detach failed", zap.Error(err))
	}
	c.announce(ctx, c.displayName()+" left")
	_ = c.conn.Close()
}

func (c *Client) close() {
	c.once.Do(c.cancel)
}

func (c *Client) emitState(st scriptsync.State) {
	c.emit(EventState, st)

	c.mu.Lock()
	changed := !c.sentScript || st.Buffer != c.lastScript
	c.lastScript = st.Buffer
	c.sentScript = true
	c.mu.Unlock()
	if changed {
		c.emit(EventScript, editPayload{Content: st.Buffer})
	}
}

func (c *Client) emit(event string, payload interface{}) {
	msg, err := encode(event, payload)
	if err != nil {
		c.logger.Error("encode event", zap.String("event", event), zap.Error(err))
		return
	}
	c.enqueue(msg)
}

func (c *Client) enqueue(msg WSMessage) {
	select {
	case c.send <- msg:
	default:
		c.logger.Warn("send buffer full, dropping event", zap.String("event", msg.Event))
	}
}

func (c *Client) displayName() string {
	if c.Participant.Name != "" {
		return c.Participant.Name
	}
	return c.Participant.UserID
}

// announce posts a presence notice to everyone in the session.
func (c *Client) announce(ctx context.Context, content string) {
	m := models.FloatingMessage{Content: content, Type: models.SeverityInfo, Duration: c.opts.MessageDuration}
	if _, err := c.opts.Bus.Publish(ctx, c.SessionID, m); err != nil && !errors.Is(err, sessions.ErrSessionEnded) {
		c.logger.Warn("presence message", zap.Error(err))
	}
}
