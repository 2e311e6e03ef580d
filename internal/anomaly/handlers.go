package anomaly

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/timevision/hub/internal/pagination"
	"github.com/timevision/hub/internal/validation"
)

// Handler provides operator endpoints for reviewing flagged traffic.
type Handler struct {
	store    Store
	detector *Detector
}

// NewHandler creates an anomaly review handler.
func NewHandler(store Store, detector *Detector) *Handler {
	return &Handler{store: store, detector: detector}
}

// RegisterRoutes sets up the operator routes. The group must carry admin
// auth; these endpoints alter what settlement pays out.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/anomalies", h.ListAnomalies)
	r.POST("/anomalies/detect", h.RunDetection)
	r.POST("/anomalies/:id/resolve", h.ResolveAnomaly)
	r.POST("/anomalies/exclude", h.ExcludeUser)
}

// ListAnomalies handles GET /api/admin/anomalies. Pages newest first via an
// opaque cursor.
func (h *Handler) ListAnomalies(c *gin.Context) {
	status := c.Query("status")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid cursor"})
		return
	}

	anomalies, err := h.store.List(c.Request.Context(), status, cursor, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list anomalies"})
		return
	}
	anomalies, nextCursor, hasMore := pagination.ComputePage(anomalies, limit, func(a *Anomaly) (time.Time, string) {
		return a.CreatedAt, strconv.FormatInt(a.ID, 10)
	})
	if anomalies == nil {
		anomalies = []*Anomaly{}
	}
	resp := gin.H{"anomalies": anomalies, "count": len(anomalies), "hasMore": hasMore}
	if nextCursor != "" {
		resp["nextCursor"] = nextCursor
	}
	c.JSON(http.StatusOK, resp)
}

// RunDetection handles POST /api/admin/anomalies/detect. Re-runs the checks
// for a given date on demand; already-flagged findings are not duplicated.
func (h *Handler) RunDetection(c *gin.Context) {
	var req struct {
		Date string `json:"date" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || !validation.IsValidDate(req.Date) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "date must be YYYY-MM-DD"})
		return
	}

	flagged, err := h.detector.Detect(c.Request.Context(), req.Date)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "detection failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"date": req.Date, "flagged": flagged})
}

// ResolveAnomaly handles POST /api/admin/anomalies/:id/resolve.
func (h *Handler) ResolveAnomaly(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid anomaly id"})
		return
	}

	if err := h.store.Resolve(c.Request.Context(), id); err != nil {
		if errors.Is(err, ErrAnomalyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no open anomaly with that id"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to resolve anomaly"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": id})
}

// ExcludeUser handles POST /api/admin/anomalies/exclude. Marks all of a
// user's sessions in one month invalid so settlement skips them, and moves
// the user's anomalies for that month to the excluded status. Traffic
// already settled for that month is not recomputed automatically.
func (h *Handler) ExcludeUser(c *gin.Context) {
	var req struct {
		UserID int64  `json:"userId" binding:"required"`
		Month  string `json:"month" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || !validation.IsValidMonth(req.Month) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "userId and month (YYYY-MM) required"})
		return
	}

	affected, err := h.store.InvalidateUserMonth(c.Request.Context(), req.UserID, req.Month)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to exclude user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": req.UserID, "month": req.Month, "recordsInvalidated": affected})
}
