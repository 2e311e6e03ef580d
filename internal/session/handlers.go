package session

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/timevision/hub/internal/auth"
	"github.com/timevision/hub/internal/platform"
)

// Handler exposes the session lifecycle over plain HTTP for clients that
// cannot hold a websocket open (smart-TV webviews, flaky mobile networks).
type Handler struct {
	tracker *Tracker
}

// NewHandler creates a session HTTP handler.
func NewHandler(tracker *Tracker) *Handler {
	return &Handler{tracker: tracker}
}

// RegisterRoutes sets up the session routes. The group must already carry
// auth middleware; every handler reads the user ID from the context.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/session/start", h.StartSession)
	r.POST("/session/heartbeat", h.Heartbeat)
	r.POST("/session/stop", h.StopSession)
	r.GET("/session/active", h.ActiveSession)
}

// StartSession handles POST /api/session/start.
func (h *Handler) StartSession(c *gin.Context) {
	userID := auth.UserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "missing user identity"})
		return
	}

	var req struct {
		PlatformID   int64  `json:"platformId" binding:"required"`
		PlatformName string `json:"platformName"`
		ContentID    string `json:"contentId"`
		ContentTitle string `json:"contentTitle"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "platformId required"})
		return
	}

	res, err := h.tracker.Start(c.Request.Context(), userID, req.PlatformID, req.PlatformName, req.ContentID, req.ContentTitle)
	if err != nil {
		writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Heartbeat handles POST /api/session/heartbeat.
func (h *Handler) Heartbeat(c *gin.Context) {
	userID := auth.UserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "missing user identity"})
		return
	}

	var req struct {
		SessionID string `json:"sessionId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "sessionId required"})
		return
	}

	durationSec, ended, err := h.tracker.Heartbeat(c.Request.Context(), userID, req.SessionID)
	if err != nil {
		writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": req.SessionID, "durationSeconds": durationSec, "ended": ended})
}

// StopSession handles POST /api/session/stop.
func (h *Handler) StopSession(c *gin.Context) {
	userID := auth.UserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "missing user identity"})
		return
	}

	var req struct {
		SessionID string    `json:"sessionId" binding:"required"`
		Reason    EndReason `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "sessionId required"})
		return
	}
	if req.Reason == "" {
		req.Reason = ReasonClose
	}
	if !ValidEndReason(req.Reason) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_reason", "message": "unknown end reason"})
		return
	}

	res, err := h.tracker.Stop(c.Request.Context(), userID, req.SessionID, req.Reason)
	if err != nil {
		writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ActiveSession handles GET /api/session/active. Returns the live session
// and today's accumulated seconds; active is false when none exists.
func (h *Handler) ActiveSession(c *gin.Context) {
	userID := auth.UserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "missing user identity"})
		return
	}

	s, err := h.tracker.GetActiveSession(c.Request.Context(), userID)
	if err != nil {
		writeSessionError(c, err)
		return
	}
	daily, err := h.tracker.GetDailySeconds(c.Request.Context(), userID)
	if err != nil {
		writeSessionError(c, err)
		return
	}

	if s == nil {
		c.JSON(http.StatusOK, gin.H{"active": false, "dailySeconds": daily})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": true, "session": s, "dailySeconds": daily})
}

// writeSessionError maps domain errors onto HTTP status codes.
func writeSessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrDailyCapExceeded):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "daily_cap_exceeded", "message": "daily viewing limit reached"})
	case errors.Is(err, ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found", "message": "no matching active session"})
	case errors.Is(err, platform.ErrPlatformNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "platform_not_found", "message": "unknown platform"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "session operation failed"})
	}
}
