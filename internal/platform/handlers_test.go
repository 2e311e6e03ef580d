package platform

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCatalogRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	store.Add(&Platform{ID: 1, Name: "FilmBox", BaseURL: "https://filmbox.example.com", Active: true})
	store.Add(&Platform{ID: 2, Name: "DocStream", BaseURL: "https://docstream.example.com", Active: true})
	store.Add(&Platform{ID: 3, Name: "Retired", BaseURL: "https://gone.example.com", Active: false})

	r := gin.New()
	NewHandler(store).RegisterRoutes(r.Group("/api"))
	return r
}

func TestListPlatforms(t *testing.T) {
	r := newCatalogRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/platforms", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Platforms []Platform `json:"platforms"`
		Count     int        `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	// Inactive platforms stay out of the catalog.
	for _, p := range resp.Platforms {
		assert.NotEqual(t, "Retired", p.Name)
	}
}

func TestGetPlatform(t *testing.T) {
	r := newCatalogRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/platforms/1", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var p Platform
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, "FilmBox", p.Name)
}

func TestGetPlatformErrors(t *testing.T) {
	r := newCatalogRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/platforms/99", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/platforms/banana", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
