package anomaly

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupHandler(t *testing.T) (*gin.Engine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	det := NewDetector(store, DefaultConfig(dailyCap), slog.Default())

	r := gin.New()
	NewHandler(store, det).RegisterRoutes(r.Group("/api/admin"))
	return r, store
}

func adminJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestListAnomaliesEndpoint(t *testing.T) {
	r, store := setupHandler(t)

	_, err := store.Insert(context.Background(), &Finding{UserID: 1, Date: "2026-03-15", Type: TypeVolume})
	require.NoError(t, err)
	_, err = store.Insert(context.Background(), &Finding{UserID: 2, Date: "2026-03-15", Type: TypePattern})
	require.NoError(t, err)
	require.NoError(t, store.Resolve(context.Background(), 1))

	w := adminJSON(t, r, http.MethodGet, "/api/admin/anomalies", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Anomalies []*Anomaly `json:"anomalies"`
		Count     int        `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)

	w = adminJSON(t, r, http.MethodGet, "/api/admin/anomalies?status=open", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, int64(2), resp.Anomalies[0].UserID)
}

func TestListAnomaliesPagination(t *testing.T) {
	r, store := setupHandler(t)

	for i := 1; i <= 5; i++ {
		_, err := store.Insert(context.Background(), &Finding{UserID: int64(i), Date: "2026-03-15", Type: TypeVolume})
		require.NoError(t, err)
	}

	type listResp struct {
		Anomalies  []*Anomaly `json:"anomalies"`
		Count      int        `json:"count"`
		HasMore    bool       `json:"hasMore"`
		NextCursor string     `json:"nextCursor"`
	}

	var resp listResp
	var seen []int64
	path := "/api/admin/anomalies?limit=2"
	for page := 0; page < 3; page++ {
		w := adminJSON(t, r, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, w.Code)
		resp = listResp{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		for _, a := range resp.Anomalies {
			seen = append(seen, a.UserID)
		}
		if !resp.HasMore {
			break
		}
		require.NotEmpty(t, resp.NextCursor)
		path = "/api/admin/anomalies?limit=2&cursor=" + resp.NextCursor
	}

	// Newest first, no duplicates across pages.
	assert.Equal(t, []int64{5, 4, 3, 2, 1}, seen)
	assert.False(t, resp.HasMore)
	assert.Empty(t, resp.NextCursor)

	w := adminJSON(t, r, http.MethodGet, "/api/admin/anomalies?cursor=%21%21", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunDetectionEndpoint(t *testing.T) {
	r, store := setupHandler(t)

	for u := int64(1); u <= 4; u++ {
		store.AddDailyTotal(u, "2026-03-15", 7200)
	}
	store.AddDailyTotal(5, "2026-03-15", 36000)

	w := adminJSON(t, r, http.MethodPost, "/api/admin/anomalies/detect", gin.H{"date": "2026-03-15"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Flagged int `json:"flagged"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Flagged)

	w = adminJSON(t, r, http.MethodPost, "/api/admin/anomalies/detect", gin.H{"date": "not-a-date"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResolveEndpoint(t *testing.T) {
	r, store := setupHandler(t)

	_, err := store.Insert(context.Background(), &Finding{UserID: 1, Date: "2026-03-15", Type: TypeVolume})
	require.NoError(t, err)

	w := adminJSON(t, r, http.MethodPost, "/api/admin/anomalies/1/resolve", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = adminJSON(t, r, http.MethodPost, "/api/admin/anomalies/1/resolve", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = adminJSON(t, r, http.MethodPost, "/api/admin/anomalies/nope/resolve", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExcludeEndpoint(t *testing.T) {
	r, store := setupHandler(t)

	store.AddDailyTotal(7, "2026-03-10", 3600)
	store.AddDailyTotal(7, "2026-03-11", 3600)

	w := adminJSON(t, r, http.MethodPost, "/api/admin/anomalies/exclude", gin.H{
		"userId": 7, "month": "2026-03",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, store.Excluded(7, "2026-03"))

	w = adminJSON(t, r, http.MethodPost, "/api/admin/anomalies/exclude", gin.H{
		"userId": 7, "month": "March",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExcludeMarksAnomaliesExcluded(t *testing.T) {
	r, store := setupHandler(t)

	_, err := store.Insert(context.Background(), &Finding{UserID: 1, Date: "2026-02-10", Type: TypeVolume})
	require.NoError(t, err)
	// A neighbouring month's finding for the same user stays untouched.
	_, err = store.Insert(context.Background(), &Finding{UserID: 1, Date: "2026-03-02", Type: TypeVolume})
	require.NoError(t, err)

	w := adminJSON(t, r, http.MethodPost, "/api/admin/anomalies/exclude", gin.H{
		"userId": 1, "month": "2026-02",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = adminJSON(t, r, http.MethodGet, "/api/admin/anomalies", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Anomalies []*Anomaly `json:"anomalies"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Anomalies, 2)
	byDate := map[string]string{}
	for _, a := range resp.Anomalies {
		byDate[a.Date] = a.Status
	}
	assert.Equal(t, StatusExcluded, byDate["2026-02-10"])
	assert.Equal(t, StatusOpen, byDate["2026-03-02"])
}
