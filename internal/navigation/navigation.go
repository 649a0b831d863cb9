// Package navigation decides which view a participant is in. Transition is a pure function
// of the current state and an incoming intent, independent of where the intent came from.
package navigation

import (
	"net/url"

	"github.com/aura-tokprompt/backend/internal/models"
)

// View is one of the four top-level views.
type View string

const (
	ViewManager     View = "manager"
	ViewAccess      View = "access"
	ViewSession     View = "session"
	ViewPermissions View = "permissions"
)

// Error values carried in State.Error.
const (
	ErrorForbidden    = "forbidden"
	ErrorNoPermission = "no_permission"
	ErrorInvalidCode  = "invalid_code"
)

// State is where a participant currently is.
type State struct {
	View       View        `json:"view"`
	AccessCode string      `json:"access_code,omitempty"`
	SessionID  string      `json:"session_id,omitempty"`
	StreamID   string      `json:"stream_id,omitempty"`
	Role       models.Role `json:"role,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Initial is the state before any intent.
func Initial() State {
	return State{View: ViewManager}
}

// Intent is an event that may move the participant to another view.
type Intent interface {
	intent()
}

// Navigate is an entry through a URL-shaped address. Role is the role the caller already
// holds for Session, if known.
type Navigate struct {
	Access  string
	Session string
	Stream  string
	Role    models.Role
}

// AccessGranted follows a successful access request.
type AccessGranted struct {
	Role      models.Role
	SessionID string
	StreamID  string
}

// AccessDenied follows a refused access request.
type AccessDenied struct {
	Reason string
}

// SessionEnded is raised when the current session turns terminal.
type SessionEnded struct{}

// Back leaves the current view.
type Back struct{}

// OpenPermissions asks for the permissions view.
type OpenPermissions struct {
	SuperAdmin bool
}

// PermissionChanged reports a stream's permission entry changing.
type PermissionChanged struct {
	StreamID string
	Active   bool
}

// DismissError clears the displayed error.
type DismissError struct{}

func (Navigate) intent()          {}
func (AccessGranted) intent()     {}
func (AccessDenied) intent()      {}
func (SessionEnded) intent()      {}
func (Back) intent()              {}
func (OpenPermissions) intent()   {}
func (PermissionChanged) intent() {}
func (DismissError) intent()      {}

// Transition returns the state after applying in to st.
func Transition(st State, in Intent) State {
	switch in := in.(type) {
	case Navigate:
		switch {
		case in.Session != "":
			role := in.Role
			if st.View == ViewSession && st.SessionID == in.Session && st.Role.Valid() {
				role = st.Role
			}
			if !role.Valid() {
				role = models.RoleViewer
			}
			stream := in.Stream
			if stream == "" && st.SessionID == in.Session {
				stream = st.StreamID
			}
			return State{View: ViewSession, SessionID: in.Session, StreamID: stream, Role: role}
		case in.Access != "":
			return State{View: ViewAccess, AccessCode: in.Access}
		default:
			return Initial()
		}
	case AccessGranted:
		if !in.Role.Valid() || in.SessionID == "" {
			return State{View: ViewAccess, AccessCode: st.AccessCode, Error: ErrorInvalidCode}
		}
		return State{View: ViewSession, SessionID: in.SessionID, StreamID: in.StreamID, Role: in.Role}
	case AccessDenied:
		reason := in.Reason
		if reason == "" {
			reason = ErrorInvalidCode
		}
		return State{View: ViewAccess, AccessCode: st.AccessCode, Error: reason}
	case SessionEnded:
		return Initial()
	case Back:
		return Initial()
	case OpenPermissions:
		if !in.SuperAdmin {
			st.Error = ErrorForbidden
			return st
		}
		return State{View: ViewPermissions}
	case PermissionChanged:
		if st.View == ViewSession && st.StreamID == in.StreamID && !in.Active {
			return State{View: ViewManager, Error: ErrorNoPermission}
		}
		return st
	case DismissError:
		st.Error = ""
		return st
	default:
		return st
	}
}

// FromQuery reads a Navigate intent from ?access=, ?session= and &stream=.
func FromQuery(q url.Values) Navigate {
	return Navigate{
		Access:  q.Get("access"),
		Session: q.Get("session"),
		Stream:  q.Get("stream"),
	}
}

// Location renders st back into the URL form FromQuery understands.
func Location(st State) string {
	q := url.Values{}
	switch st.View {
	case ViewSession:
		q.Set("session", st.SessionID)
		if st.StreamID != "" {
			q.Set("stream", st.StreamID)
		}
	case ViewAccess:
		if st.AccessCode != "" {
			q.Set("access", st.AccessCode)
		}
	case ViewPermissions:
		q.Set("view", string(ViewPermissions))
	}
	if len(q) == 0 {
		return "/"
	}
	return "/?" + q.Encode()
}
