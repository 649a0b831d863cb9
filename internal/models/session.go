package models

import (
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of a session document.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionTerminal SessionStatus = "terminal"
)

// Color modes for the teleprompter palette.
const (
	ColorModeCreative = "creative"
	ColorModeSimple   = "simple"
)

// Script is the shared teleprompter script. Fields other than Content are auxiliary and are
// carried through saves untouched.
type Script struct {
	ProductID   string    `json:"product_id,omitempty"`
	Title       string    `json:"title,omitempty"`
	Content     string    `json:"content"`
	PromptsUsed []string  `json:"prompts_used"`
	UpdatedBy   string    `json:"updated_by,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// PlaybackState is the synchronised scroll and display state.
type PlaybackState struct {
	Scrolling     bool    `json:"scrolling"`
	Position      float64 `json:"position"`
	Speed         float64 `json:"speed"`
	FontSize      int     `json:"font_size"`
	ColorMode     string  `json:"color_mode"`
	FontHue       int     `json:"font_hue"`
	FontLightness int     `json:"font_lightness"`
	BgHue         int     `json:"bg_hue"`
	BgLightness   int     `json:"bg_lightness"`
	FontColor     string  `json:"font_color"`
	BgColor       string  `json:"bg_color"`
}

// DefaultPlayback returns the playback state of a fresh session.
func DefaultPlayback() PlaybackState {
	return PlaybackState{
		Speed:         1,
		FontSize:      36,
		ColorMode:     ColorModeCreative,
		FontHue:       165,
		FontLightness: 70,
		BgHue:         0,
		BgLightness:   10,
		FontColor:     "#FFFFFF",
		BgColor:       "#000000",
	}
}

// Validate checks playback bounds.
func (p PlaybackState) Validate() error {
	if p.Speed <= 0 {
		return fmt.Errorf("speed must be positive")
	}
	if p.FontSize < 8 || p.FontSize > 200 {
		return fmt.Errorf("font_size out of range")
	}
	if p.Position < 0 {
		return fmt.Errorf("position must not be negative")
	}
	if p.ColorMode != ColorModeCreative && p.ColorMode != ColorModeSimple {
		return fmt.Errorf("invalid color_mode %q", p.ColorMode)
	}
	if p.FontHue < 0 || p.FontHue > 360 || p.BgHue < 0 || p.BgHue > 360 {
		return fmt.Errorf("hue out of range")
	}
	if p.FontLightness < 0 || p.FontLightness > 100 || p.BgLightness < 0 || p.BgLightness > 100 {
		return fmt.Errorf("lightness out of range")
	}
	return nil
}

// Participant is a user attached to a session.
type Participant struct {
	UserID   string    `json:"user_id"`
	Name     string    `json:"name"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// Session is the shared document for one stream's teleprompter. Revision is assigned by the
// document store and increases on every write.
type Session struct {
	ID           string        `json:"id"`
	StreamID     string        `json:"stream_id"`
	CompanyID    string        `json:"company_id"`
	Status       SessionStatus `json:"status"`
	Script       Script        `json:"script"`
	Playback     PlaybackState `json:"playback"`
	Editing      bool          `json:"editing"`
	EditorID     string        `json:"editor_id,omitempty"`
	Participants []Participant `json:"participants"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
	Revision     int64         `json:"-"`
}

// NewSession returns an active session with an empty script and default playback.
func NewSession(id, streamID, companyID string, now time.Time) *Session {
	return &Session{
		ID:           id,
		StreamID:     streamID,
		CompanyID:    companyID,
		Status:       SessionActive,
		Script:       Script{PromptsUsed: []string{}},
		Playback:     DefaultPlayback(),
		Participants: []Participant{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Active reports whether the session still accepts writes.
func (s *Session) Active() bool {
	return s.Status == SessionActive
}

// Participant returns the roster entry for userID.
func (s *Session) Participant(userID string) (Participant, bool) {
	for _, p := range s.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// StreamBinding maps a stream to its current session.
type StreamBinding struct {
	SessionID string    `json:"session_id"`
	BoundAt   time.Time `json:"bound_at"`
}
