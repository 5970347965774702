package health

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/roomsync/coordinator/internal/v1/repo"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *repo.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "health.db")
	store, err := repo.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestLiveness_AlwaysSucceeds(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewHandler(nil, nil)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health/live", nil)

	handler.Liveness(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
	assert.Contains(t, w.Body.String(), "timestamp")
}

func TestReadiness_NilDependencies(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewHandler(nil, nil)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health/ready", nil)

	handler.Readiness(c)

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "ready")
	assert.Contains(t, body, "storage")
	assert.Contains(t, body, "bus")
}

func TestReadiness_StorageHealthy(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := openTestStore(t)
	handler := NewHandler(store, nil)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health/ready", nil)

	handler.Readiness(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestReadiness_StorageClosedIsUnavailable(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := openTestStore(t)
	require.NoError(t, store.Close())
	handler := NewHandler(store, nil)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health/ready", nil)

	handler.Readiness(c)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unavailable")
}
