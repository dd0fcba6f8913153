package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attlas-services/attlas-server/internal/router"
)

func TestWriteSuccessEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteSuccess(rec, map[string]string{"k": "v"}, "done")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"success":true,"message":"done","data":{"k":"v"}}`, rec.Body.String())
}

func TestWriteNotFoundEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteNotFound(rec)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"success":false,"message":"Endpoint not found."}`, rec.Body.String())
}

func TestWriteAuthErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteAuthError(rec, http.StatusUnauthorized, "Invalid authentication token")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid authentication token"}`, rec.Body.String())
}

func TestHealthControllerRoute(t *testing.T) {
	m := router.NewMatcher()
	require.NoError(t, NewHealthController().RegisterRoutes(m))

	route, _ := m.Find("GET", "/api/v1/health")
	require.NotNil(t, route)
	assert.False(t, route.RequiresAuth)

	rec := httptest.NewRecorder()
	route.Handler(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

type fakeStatusSource struct{}

func (fakeStatusSource) StateName() string    { return "running" }
func (fakeStatusSource) StartedAt() time.Time { return time.Now().Add(-time.Minute) }
func (fakeStatusSource) Counters() (int64, int64, int64) {
	return 2, 100, 3
}

func TestStatusControllerRoute(t *testing.T) {
	m := router.NewMatcher()
	require.NoError(t, NewStatusController(fakeStatusSource{}).RegisterRoutes(m))

	route, _ := m.Find("GET", "/api/v1/status")
	require.NotNil(t, route)
	assert.True(t, route.RequiresAuth)

	rec := httptest.NewRecorder()
	route.Handler(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"running"`)
	assert.Contains(t, rec.Body.String(), `"total_requests":100`)
}
