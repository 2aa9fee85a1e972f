package fraud

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T) (*gin.Engine, *MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	scorer := NewScorer(store, NewMemoryBlacklist(nil, nil, nil), testScorerConfig())
	handlers := NewHandlers(scorer, store)

	r := gin.New()
	handlers.RegisterRoutes(r.Group("/v1"))
	return r, store
}

func TestAssessEndpoint(t *testing.T) {
	r, _ := setupRouter(t)

	body := map[string]any{
		"userId": "user_alice1",
		"amount": "25.00",
	}
	buf, _ := json.Marshal(body)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/fraud/assess", bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var check Check
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &check))
	assert.NotEmpty(t, check.ID)
	assert.Equal(t, "user_alice1", check.UserID)
	assert.NotEmpty(t, check.Recommendation)
}

func TestAssessEndpointNewLocation(t *testing.T) {
	r, _ := setupRouter(t)

	body := map[string]any{
		"userId":  "user_alice1",
		"amount":  "25.00",
		"country": "DE",
		"history": map[string]any{"knownLocations": []string{"US"}},
	}
	buf, _ := json.Marshal(body)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/fraud/assess", bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var check Check
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &check))
	found := false
	for _, f := range check.Flags {
		if f.Type == "location_new" {
			found = true
		}
	}
	assert.True(t, found, "expected a location_new flag, got %+v", check.Flags)
}

func TestAssessEndpointRejectsBadAmount(t *testing.T) {
	r, _ := setupRouter(t)

	body := map[string]any{
		"userId": "user_alice1",
		"amount": "not-money",
	}
	buf, _ := json.Marshal(body)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/fraud/assess", bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAssessEndpointRejectsMissingUser(t *testing.T) {
	r, _ := setupRouter(t)

	body := map[string]any{"amount": "25.00"}
	buf, _ := json.Marshal(body)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/fraud/assess", bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListChecksEndpoint(t *testing.T) {
	r, store := setupRouter(t)

	require.NoError(t, store.Record(context.Background(), &Check{
		ID:             "chk_aaaaaaaaaaaaaaaaaaaaaaaa",
		UserID:         "user_alice1",
		Score:          0.1,
		Level:          LevelLow,
		Recommendation: RecommendApprove,
	}))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/fraud/checks/user_alice1", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Checks []*Check `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, "chk_aaaaaaaaaaaaaaaaaaaaaaaa", resp.Checks[0].ID)
}

func TestListChecksEndpointInvalidID(t *testing.T) {
	r, _ := setupRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/fraud/checks/%20bad%20id", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
