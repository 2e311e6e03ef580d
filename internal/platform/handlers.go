package platform

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler exposes the read-only platform catalog.
type Handler struct {
	store Store
}

// NewHandler creates a platform catalog handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up the catalog routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/platforms", h.ListPlatforms)
	r.GET("/platforms/:id", h.GetPlatform)
}

// ListPlatforms handles GET /api/platforms.
func (h *Handler) ListPlatforms(c *gin.Context) {
	platforms, err := h.store.ListActive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list platforms"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"platforms": platforms, "count": len(platforms)})
}

// GetPlatform handles GET /api/platforms/:id.
func (h *Handler) GetPlatform(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "id must be a positive integer"})
		return
	}

	p, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrPlatformNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "platform_not_found", "message": "Unknown platform"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load platform"})
		return
	}
	c.JSON(http.StatusOK, p)
}
