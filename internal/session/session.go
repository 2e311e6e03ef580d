// Package session meters how long each user spends on partner platforms.
//
// A session starts when the user clicks through to a platform, is kept
// alive by client heartbeats, and ends when the user returns, switches
// platform, closes the app, times out, or hits the session cap. Live state
// lives in Redis; every closed session is committed to Postgres as an
// immutable record plus an additive daily aggregate, which is what the
// monthly settlement reads.
package session

import (
	"errors"
	"time"

	"github.com/timevision/hub/internal/idgen"
)

var (
	ErrSessionNotFound  = errors.New("session: not found")
	ErrDailyCapExceeded = errors.New("session: daily viewing cap reached")
)

// EndReason describes why a session closed.
type EndReason string

const (
	ReasonReturn  EndReason = "return"  // user came back to the hub
	ReasonSwitch  EndReason = "switch"  // user started a session on another platform
	ReasonTimeout EndReason = "timeout" // watchdog reaped a stale session
	ReasonClose   EndReason = "close"   // client shut down cleanly
	ReasonCap     EndReason = "cap"     // continuous session cap reached
)

// ValidEndReason reports whether the client-supplied reason is recognised.
func ValidEndReason(r EndReason) bool {
	switch r {
	case ReasonReturn, ReasonSwitch, ReasonTimeout, ReasonClose, ReasonCap:
		return true
	}
	return false
}

// Session is the live, ephemeral state of one user's visit to a platform.
// At most one exists per user at any time.
type Session struct {
	SessionID     string `json:"sessionId"`
	UserID        int64  `json:"userId"`
	PlatformID    int64  `json:"platformId"`
	PlatformName  string `json:"platformName"`
	ContentID     string `json:"contentId,omitempty"`
	ContentTitle  string `json:"contentTitle,omitempty"`
	StartedAt     int64  `json:"startedAt"`     // epoch seconds
	LastHeartbeat int64  `json:"lastHeartbeat"` // epoch seconds
	DurationSec   int64  `json:"durationSec"`
}

// Record is the immutable durable snapshot written when a session closes.
// IsValid is flipped to false only by the anomaly detector.
type Record struct {
	SessionID     string
	UserID        int64
	PlatformID    int64
	ContentID     string
	StartedAt     time.Time
	EndedAt       time.Time
	LastHeartbeat time.Time
	DurationSec   int64
	EndReason     EndReason
	IsValid       bool
}

// StartResult is returned to the client when a session begins.
type StartResult struct {
	SessionID   string `json:"sessionId"`
	StartedAt   int64  `json:"startedAt"`
	RedirectURL string `json:"redirectUrl"`
}

// StopResult is returned to the client when a session ends.
type StopResult struct {
	SessionID       string    `json:"sessionId"`
	PlatformName    string    `json:"platformName"`
	DurationSeconds int64     `json:"durationSeconds"`
	EndReason       EndReason `json:"endReason"`
}

// PlatformLiveStats is one row of the live per-platform user counts.
type PlatformLiveStats struct {
	PlatformID  int64 `json:"platformId"`
	ActiveUsers int64 `json:"activeUsers"`
}

// Event types appended to the traffic event log.
const (
	EventStart = "START"
	EventStop  = "STOP"
)

// Event is one entry in the append-only traffic event log.
type Event struct {
	Type        string
	UserID      int64
	SessionID   string
	PlatformID  int64
	ContentID   string
	DurationSec int64
	Reason      EndReason
	Timestamp   int64
}

// newSessionID generates an opaque session token.
func newSessionID() string {
	return idgen.SessionID()
}
