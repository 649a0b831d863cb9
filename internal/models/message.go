package models

import (
	"fmt"
	"time"
)

// Severity of a floating message.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// ParseSeverity returns the Severity for s; empty defaults to info.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case "":
		return SeverityInfo, nil
	case SeverityInfo, SeveritySuccess, SeverityWarning, SeverityError:
		return Severity(s), nil
	default:
		return "", fmt.Errorf("invalid severity %q", s)
	}
}

// Sender identifies the participant who published a message.
type Sender struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

// FloatingMessage is a transient notification shown to every session subscriber.
// Duration is in milliseconds; 0 keeps the message until it is dismissed.
type FloatingMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Type      Severity  `json:"type"`
	Duration  int64     `json:"duration"`
	CreatedAt time.Time `json:"created_at"`
	Sender    *Sender   `json:"sender,omitempty"`
}

// Persistent reports whether the message stays until explicitly dismissed.
func (m FloatingMessage) Persistent() bool {
	return m.Duration == 0
}
