package models

import "time"

// Activity actions recorded in the session activity log.
const (
	ActionCreateSession = "create_session"
	ActionJoinSession   = "join_session"
	ActionLeaveSession  = "leave_session"
	ActionAcceptInvite  = "accept_invite"
	ActionEndSession    = "end_session"
)

// ActivityEntry is one row of the session activity log.
type ActivityEntry struct {
	ID           int64      `json:"id"`
	SessionID    string     `json:"session_id"`
	StreamID     string     `json:"stream_id"`
	CompanyID    string     `json:"company_id"`
	UserID       string     `json:"user_id,omitempty"`
	Action       string     `json:"action"`
	Role         string     `json:"role,omitempty"`
	At           time.Time  `json:"at"`
	LeftAt       *time.Time `json:"left_at,omitempty"`
	WatchSeconds int64      `json:"watch_seconds"`
}
