package realtime

import "fmt"

// Inbound message types.
const (
	msgStart  = "start"
	msgPulse  = "pulse"
	msgStop   = "stop"
	msgStatus = "status"
)

// Outbound message types.
const (
	msgConnected        = "connected"
	msgSessionActive    = "session_active"
	msgSessionStarted   = "session_started"
	msgHeartbeatRequest = "heartbeat_request"
	msgPulseAck         = "pulse_ack"
	msgSessionEnded     = "session_ended"
	msgStatusReply      = "status"
	msgError            = "error"
)

// inbound is a client-to-server message on the session channel.
type inbound struct {
	Type         string `json:"type"`
	PlatformID   int64  `json:"platformId,omitempty"`
	PlatformName string `json:"platformName,omitempty"`
	ContentID    string `json:"contentId,omitempty"`
	ContentTitle string `json:"contentTitle,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// outbound is a server-to-client message on the session channel.
type outbound struct {
	Type              string       `json:"type"`
	UserID            int64        `json:"userId,omitempty"`
	SessionID         string       `json:"sessionId,omitempty"`
	PlatformName      string       `json:"platformName,omitempty"`
	StartedAt         int64        `json:"startedAt,omitempty"`
	RedirectURL       string       `json:"redirectUrl,omitempty"`
	DurationSec       int64        `json:"durationSec,omitempty"`
	DurationSeconds   int64        `json:"durationSeconds,omitempty"`
	DurationFormatted string       `json:"durationFormatted,omitempty"`
	DailySeconds      int64        `json:"dailySeconds,omitempty"`
	EndReason         string       `json:"endReason,omitempty"`
	Active            *bool        `json:"active,omitempty"`
	Session           *sessionBody `json:"session,omitempty"`
	Error             string       `json:"error,omitempty"`
	Message           string       `json:"message,omitempty"`
}

// sessionBody is the nested session object carried by session_active and
// status replies.
type sessionBody struct {
	SessionID         string `json:"sessionId"`
	PlatformName      string `json:"platformName"`
	StartedAt         int64  `json:"startedAt"`
	DurationSec       int64  `json:"durationSec"`
	DurationFormatted string `json:"durationFormatted"`
}

// formatDuration renders seconds as HH:MM:SS for display in clients.
func formatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func boolPtr(b bool) *bool { return &b }
