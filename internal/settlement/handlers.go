package settlement

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/timevision/hub/internal/auth"
	"github.com/timevision/hub/internal/validation"
)

// Handler exposes settlement results and operating costs over HTTP.
type Handler struct {
	engine *Engine
	store  Store
}

// NewHandler creates a settlement HTTP handler.
func NewHandler(engine *Engine, store Store) *Handler {
	return &Handler{engine: engine, store: store}
}

// RegisterRoutes sets up the read-side settlement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/settlement/current", h.CurrentMonth)
	r.GET("/settlement/history", h.History)
	r.GET("/settlement/platform/:id", h.PlatformHistory)
	r.GET("/settlement/:month", h.Month)
	r.GET("/costs", h.ListCosts)
}

// RegisterUserRoutes sets up routes scoped to the authenticated user. The
// group must carry user auth.
func (h *Handler) RegisterUserRoutes(r *gin.RouterGroup) {
	r.GET("/settlement/user", h.MyMonth)
}

// RegisterAdminRoutes sets up the operator routes. The group must carry
// admin auth.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/settlement/run", h.RunSettlement)
	r.GET("/settlement/:month/users", h.MonthUsers)
	r.POST("/costs", h.AddCost)
}

// CurrentMonth handles GET /api/settlement/current. Returns the running,
// unpersisted numbers for the month in progress.
func (h *Handler) CurrentMonth(c *gin.Context) {
	r, err := h.engine.PreviewCurrentMonth(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "preview failed"})
		return
	}
	c.JSON(http.StatusOK, roundedResult(r, false))
}

// History handles GET /api/settlement/history.
func (h *Handler) History(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "24"))
	summaries, err := h.store.ListSummaries(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list settlements"})
		return
	}

	out := make([]gin.H, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, roundedSummary(s))
	}
	c.JSON(http.StatusOK, gin.H{"settlements": out, "count": len(out)})
}

// Month handles GET /api/settlement/:month. Returns the persisted summary
// plus per-platform payouts.
func (h *Handler) Month(c *gin.Context) {
	month := c.Param("month")
	if !validation.IsValidMonth(month) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "month must be YYYY-MM"})
		return
	}

	s, err := h.store.GetSummary(c.Request.Context(), month)
	if err != nil {
		if errors.Is(err, ErrSettlementNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "month not settled"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load settlement"})
		return
	}
	platforms, err := h.store.PlatformShares(c.Request.Context(), month)
	if err != nil && !errors.Is(err, ErrSettlementNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load platform shares"})
		return
	}

	resp := roundedSummary(s)
	shares := make([]gin.H, 0, len(platforms))
	for _, ps := range platforms {
		shares = append(shares, platformJSON(ps))
	}
	resp["platforms"] = shares
	c.JSON(http.StatusOK, resp)
}

// MyMonth handles GET /api/settlement/user?month=YYYY-MM. It returns only
// the calling user's rows; the full breakdown is an operator view.
func (h *Handler) MyMonth(c *gin.Context) {
	userID := auth.UserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "authentication required"})
		return
	}
	month := c.Query("month")
	if !validation.IsValidMonth(month) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "month query param (YYYY-MM) required"})
		return
	}

	shares, err := h.store.UserMonthShares(c.Request.Context(), month, userID)
	if err != nil {
		if errors.Is(err, ErrSettlementNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "month not settled"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load user shares"})
		return
	}

	var totalSeconds int64
	var totalAmount float64
	out := make([]gin.H, 0, len(shares))
	for _, us := range shares {
		totalSeconds += us.TotalSeconds
		totalAmount += us.Amount
		out = append(out, gin.H{
			"platformId":    us.PlatformID,
			"totalSeconds":  us.TotalSeconds,
			"percentOfUser": us.PercentOfUser,
			"amount":        round2(us.Amount),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"month":        month,
		"userId":       userID,
		"platforms":    out,
		"totalSeconds": totalSeconds,
		"totalAmount":  round2(totalAmount),
	})
}

// MonthUsers handles GET /api/admin/settlement/:month/users.
func (h *Handler) MonthUsers(c *gin.Context) {
	month := c.Param("month")
	if !validation.IsValidMonth(month) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "month must be YYYY-MM"})
		return
	}

	users, err := h.store.UserShares(c.Request.Context(), month)
	if err != nil {
		if errors.Is(err, ErrSettlementNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "month not settled"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load user shares"})
		return
	}

	out := make([]gin.H, 0, len(users))
	for _, us := range users {
		out = append(out, gin.H{
			"userId":        us.UserID,
			"platformId":    us.PlatformID,
			"totalSeconds":  us.TotalSeconds,
			"percentOfUser": us.PercentOfUser,
			"amount":        round2(us.Amount),
		})
	}
	c.JSON(http.StatusOK, gin.H{"month": month, "users": out, "count": len(out)})
}

// PlatformHistory handles GET /api/settlement/platform/:id. Returns one
// platform's settled months, newest first.
func (h *Handler) PlatformHistory(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid platform id"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "12"))

	months, err := h.store.PlatformHistory(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load platform history"})
		return
	}

	out := make([]gin.H, 0, len(months))
	for _, pm := range months {
		row := platformJSON(pm.PlatformShare)
		delete(row, "platformId")
		row["month"] = pm.Month
		out = append(out, row)
	}
	c.JSON(http.StatusOK, gin.H{"platformId": id, "months": out, "count": len(out)})
}

// RunSettlement handles POST /api/admin/settlement/run.
func (h *Handler) RunSettlement(c *gin.Context) {
	var req struct {
		Month string `json:"month" binding:"required"`
		Force bool   `json:"force"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || !validation.IsValidMonth(req.Month) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "month (YYYY-MM) required"})
		return
	}

	r, err := h.engine.Settle(c.Request.Context(), req.Month, req.Force)
	if err != nil {
		if errors.Is(err, ErrAlreadySettled) {
			c.JSON(http.StatusConflict, gin.H{"error": "already_settled", "message": "month already settled; pass force to recompute"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "settlement failed"})
		return
	}
	c.JSON(http.StatusOK, roundedResult(r, true))
}

// ListCosts handles GET /api/costs?month=YYYY-MM.
func (h *Handler) ListCosts(c *gin.Context) {
	month := c.Query("month")
	if !validation.IsValidMonth(month) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "month query param (YYYY-MM) required"})
		return
	}

	costs, err := h.store.ListCosts(c.Request.Context(), month)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list costs"})
		return
	}
	if costs == nil {
		costs = []*Cost{}
	}

	var total float64
	for _, cost := range costs {
		total += cost.Amount
	}
	c.JSON(http.StatusOK, gin.H{"month": month, "costs": costs, "total": round2(total)})
}

// AddCost handles POST /api/admin/costs.
func (h *Handler) AddCost(c *gin.Context) {
	var req struct {
		Month       string  `json:"month" binding:"required"`
		Category    string  `json:"category" binding:"required"`
		Amount      float64 `json:"amount" binding:"required"`
		Description string  `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || !validation.IsValidMonth(req.Month) || req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "month (YYYY-MM), category and positive amount required"})
		return
	}

	cost := &Cost{Month: req.Month, Category: req.Category, Amount: req.Amount, Description: req.Description}
	if err := h.store.InsertCost(c.Request.Context(), cost); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to record cost"})
		return
	}
	c.JSON(http.StatusCreated, cost)
}

// round2 rounds to cents. Used only when money leaves the API; internal
// arithmetic stays exact.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func platformJSON(ps PlatformShare) gin.H {
	var perUser float64
	if ps.UniqueUsers > 0 {
		perUser = ps.Payout / float64(ps.UniqueUsers)
	}
	return gin.H{
		"platformId":     ps.PlatformID,
		"totalSeconds":   ps.TotalSeconds,
		"totalSessions":  ps.TotalSessions,
		"uniqueUsers":    ps.UniqueUsers,
		"share":          ps.Share,
		"payout":         round2(ps.Payout),
		"perUserAverage": round2(perUser),
		"status":         ps.Status,
	}
}

func roundedSummary(s *Summary) gin.H {
	return gin.H{
		"month":               s.Month,
		"activeUsers":         s.ActiveUsers,
		"subscriptionRevenue": round2(s.SubscriptionRevenue),
		"operatingCosts":      round2(s.OperatingCosts),
		"reserve":             round2(s.Reserve),
		"pool":                round2(s.Pool),
		"totalValidSeconds":   s.TotalValidSeconds,
		"totalHours":          round2(float64(s.TotalValidSeconds) / 3600),
		"settledAt":           s.SettledAt,
	}
}

func roundedResult(r *Result, persisted bool) gin.H {
	platforms := make([]gin.H, 0, len(r.Platforms))
	for _, ps := range r.Platforms {
		platforms = append(platforms, platformJSON(ps))
	}
	return gin.H{
		"month":               r.Month,
		"activeUsers":         r.ActiveUsers,
		"subscriptionRevenue": round2(r.SubscriptionRevenue),
		"operatingCosts":      round2(r.OperatingCosts),
		"reserve":             round2(r.Reserve),
		"pool":                round2(r.Pool),
		"totalValidSeconds":   r.TotalValidSeconds,
		"totalHours":          round2(float64(r.TotalValidSeconds) / 3600),
		"platforms":           platforms,
		"persisted":           persisted,
	}
}
