// Package realtime serves the duplex WebSocket session channel.
//
// Each connected client is an authenticated user. The server drives the
// heartbeat cadence by sending heartbeat_request frames; the client answers
// with pulse messages that keep its viewing session alive. Session control
// (start, stop, status) travels over the same connection, so a browser tab
// needs exactly one socket for the whole viewing lifecycle.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/timevision/hub/internal/auth"
	"github.com/timevision/hub/internal/metrics"
	"github.com/timevision/hub/internal/platform"
	"github.com/timevision/hub/internal/session"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		// Allow same-host connections
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// SessionService is the slice of the session tracker the channel drives.
type SessionService interface {
	Start(ctx context.Context, userID, platformID int64, platformName, contentID, contentTitle string) (*session.StartResult, error)
	Heartbeat(ctx context.Context, userID int64, sessionID string) (int64, bool, error)
	Stop(ctx context.Context, userID int64, sessionID string, reason session.EndReason) (*session.StopResult, error)
	GetActiveSession(ctx context.Context, userID int64) (*session.Session, error)
	GetDailySeconds(ctx context.Context, userID int64) (int64, error)
}

const (
	// MaxClients is the maximum number of concurrent WebSocket connections.
	MaxClients = 10000

	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	writeWait    = 10 * time.Second
	callTimeout  = 10 * time.Second
	maxFrameSize = 8 * 1024
)

// Client is one authenticated WebSocket connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan outbound
	userID int64

	// sessionID is the live session this connection is driving, empty when
	// none. Pulse and stop frames may omit their sessionId and fall back to
	// it, and the heartbeat_request cadence only runs while it is set.
	sessionMu sync.Mutex
	sessionID string
}

func (c *Client) trackSession(id string) {
	c.sessionMu.Lock()
	c.sessionID = id
	c.sessionMu.Unlock()
}

func (c *Client) trackedSession() string {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.sessionID
}

// Hub manages the session channel connections.
type Hub struct {
	sessions SessionService
	verifier *auth.Verifier
	logger   *slog.Logger

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	heartbeatInterval time.Duration
}

// NewHub creates the session channel hub. heartbeatInterval is the cadence
// at which connected clients are asked to pulse.
func NewHub(sessions SessionService, verifier *auth.Verifier, heartbeatInterval time.Duration, logger *slog.Logger) *Hub {
	return &Hub{
		sessions:          sessions,
		verifier:          verifier,
		logger:            logger,
		clients:           make(map[*Client]bool),
		register:          make(chan *Client),
		unregister:        make(chan *Client),
		done:              make(chan struct{}),
		maxClients:        MaxClients,
		heartbeatInterval: heartbeatInterval,
	}
}

// Run starts the hub's main loop. It returns when ctx is cancelled, after
// closing every client connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("session channel hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("session channel shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("session channel hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client connected", "user_id", client.userID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client disconnected", "user_id", client.userID, "total", n)
		}
	}
}

// ConnectedClients returns the current connection count.
func (h *Hub) ConnectedClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket handles GET /ws. The token travels as a query parameter
// because browsers cannot set headers on a WebSocket handshake.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	select {
	case <-h.done:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "server shutting down"})
		return
	default:
	}

	tokenStr := c.Query("token")
	if tokenStr == "" {
		tokenStr = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	userID, err := h.verifier.Verify(tokenStr)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Invalid or expired token"})
		return
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "too many connections"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan outbound, 32),
		userID: userID,
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	client.greet()

	go client.writePump()
	go client.readPump()
}

// greet sends the connection acknowledgement, plus the live session if the
// user reconnected mid-viewing.
func (c *Client) greet() {
	c.enqueue(outbound{Type: msgConnected, UserID: c.userID})

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	s, err := c.hub.sessions.GetActiveSession(ctx, c.userID)
	if err != nil {
		c.hub.logger.Warn("active session lookup failed", "user_id", c.userID, "error", err)
		return
	}
	if s == nil {
		return
	}
	c.trackSession(s.SessionID)
	c.enqueue(outbound{Type: msgSessionActive, Session: sessionBodyOf(s)})
}

func sessionBodyOf(s *session.Session) *sessionBody {
	return &sessionBody{
		SessionID:         s.SessionID,
		PlatformName:      s.PlatformName,
		StartedAt:         s.StartedAt,
		DurationSec:       s.DurationSec,
		DurationFormatted: formatDuration(s.DurationSec),
	}
}

// enqueue hands a message to the write pump without blocking the caller.
// A client that cannot drain its queue loses messages rather than stalling
// the read loop.
func (c *Client) enqueue(msg outbound) {
	select {
	case c.send <- msg:
	default:
		c.hub.logger.Warn("client send queue full, dropping message",
			"user_id", c.userID, "type", msg.Type)
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg inbound
		// ReadJSON also fails on malformed frames, which kills the
		// connection; a client that cannot speak the protocol cannot
		// hold a session open.
		if err := c.conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "user_id", c.userID, "error", err)
			}
			return
		}
		// Any well-formed frame proves the client is alive.
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.dispatch(msg)
	}
}

// dispatch routes one inbound frame to the session tracker.
func (c *Client) dispatch(msg inbound) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	switch msg.Type {
	case msgStart:
		c.handleStart(ctx, msg)
	case msgPulse:
		c.handlePulse(ctx, msg)
	case msgStop:
		c.handleStop(ctx, msg)
	case msgStatus:
		c.handleStatus(ctx)
	default:
		c.enqueue(outbound{Type: msgError, Error: "unknown_type", Message: "unknown message type: " + msg.Type})
	}
}

func (c *Client) handleStart(ctx context.Context, msg inbound) {
	if msg.PlatformID == 0 {
		c.enqueue(outbound{Type: msgError, Error: "invalid_request", Message: "platformId required"})
		return
	}
	res, err := c.hub.sessions.Start(ctx, c.userID, msg.PlatformID, msg.PlatformName, msg.ContentID, msg.ContentTitle)
	if err != nil {
		c.enqueueError(err)
		return
	}
	c.trackSession(res.SessionID)
	c.enqueue(outbound{
		Type:        msgSessionStarted,
		SessionID:   res.SessionID,
		StartedAt:   res.StartedAt,
		RedirectURL: res.RedirectURL,
	})
}

// resolveSessionID picks the frame's sessionId when present, else the
// session this connection is tracking.
func (c *Client) resolveSessionID(msg inbound) string {
	if msg.SessionID != "" {
		return msg.SessionID
	}
	return c.trackedSession()
}

func (c *Client) handlePulse(ctx context.Context, msg inbound) {
	sid := c.resolveSessionID(msg)
	if sid == "" {
		c.enqueueError(session.ErrSessionNotFound)
		return
	}
	dur, ended, err := c.hub.sessions.Heartbeat(ctx, c.userID, sid)
	if err != nil {
		c.enqueueError(err)
		return
	}
	if ended {
		c.trackSession("")
		daily, _ := c.hub.sessions.GetDailySeconds(ctx, c.userID)
		c.enqueue(outbound{
			Type:              msgSessionEnded,
			SessionID:         sid,
			EndReason:         string(session.ReasonCap),
			DurationSeconds:   dur,
			DurationFormatted: formatDuration(dur),
			DailySeconds:      daily,
		})
		return
	}
	c.enqueue(outbound{
		Type:        msgPulseAck,
		SessionID:   sid,
		DurationSec: dur,
	})
}

func (c *Client) handleStop(ctx context.Context, msg inbound) {
	sid := c.resolveSessionID(msg)
	if sid == "" {
		c.enqueueError(session.ErrSessionNotFound)
		return
	}
	reason := session.EndReason(msg.Reason)
	if reason == "" {
		reason = session.ReasonClose
	}
	if !session.ValidEndReason(reason) {
		c.enqueue(outbound{Type: msgError, Error: "invalid_request", Message: "unknown end reason: " + msg.Reason})
		return
	}
	res, err := c.hub.sessions.Stop(ctx, c.userID, sid, reason)
	if err != nil {
		c.enqueueError(err)
		return
	}
	c.trackSession("")
	daily, _ := c.hub.sessions.GetDailySeconds(ctx, c.userID)
	c.enqueue(outbound{
		Type:              msgSessionEnded,
		SessionID:         res.SessionID,
		PlatformName:      res.PlatformName,
		EndReason:         string(res.EndReason),
		DurationSeconds:   res.DurationSeconds,
		DurationFormatted: formatDuration(res.DurationSeconds),
		DailySeconds:      daily,
	})
}

func (c *Client) handleStatus(ctx context.Context) {
	s, err := c.hub.sessions.GetActiveSession(ctx, c.userID)
	if err != nil {
		c.enqueueError(err)
		return
	}
	daily, err := c.hub.sessions.GetDailySeconds(ctx, c.userID)
	if err != nil {
		c.enqueueError(err)
		return
	}
	out := outbound{
		Type:         msgStatusReply,
		Active:       boolPtr(s != nil),
		DailySeconds: daily,
	}
	if s != nil {
		// Re-sync the tracked session; a reconnecting client may ask for
		// status before pulsing.
		c.trackSession(s.SessionID)
		out.Session = sessionBodyOf(s)
	} else {
		c.trackSession("")
	}
	c.enqueue(out)
}

func (c *Client) enqueueError(err error) {
	out := outbound{Type: msgError}
	switch {
	case errors.Is(err, session.ErrDailyCapExceeded):
		out.Error = "daily_cap_exceeded"
		out.Message = "Daily viewing cap reached"
	case errors.Is(err, session.ErrSessionNotFound):
		out.Error = "session_not_found"
		out.Message = "No matching live session"
	case errors.Is(err, platform.ErrPlatformNotFound):
		out.Error = "platform_not_found"
		out.Message = "Unknown platform"
	default:
		c.hub.logger.Error("session channel call failed", "user_id", c.userID, "error", err)
		out.Error = "internal_error"
		out.Message = "Something went wrong"
	}
	c.enqueue(out)
}

func (c *Client) writePump() {
	pingTicker := time.NewTicker(pingPeriod)
	pulseTicker := time.NewTicker(c.hub.heartbeatInterval)
	defer func() {
		pingTicker.Stop()
		pulseTicker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.hub.logger.Warn("websocket write error", "user_id", c.userID, "error", err)
				return
			}

		case <-pulseTicker.C:
			// Only clients with an open session are asked to pulse.
			if c.trackedSession() == "" {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(outbound{Type: msgHeartbeatRequest}); err != nil {
				return
			}

		case <-pingTicker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "user_id", c.userID, "error", err)
				return
			}
		}
	}
}
