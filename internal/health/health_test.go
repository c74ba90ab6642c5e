package health_test

import (
	"net/http/httptest"
	"testing"

	"github.com/cuemby/netstore/internal/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthReflectsComponentStatus(t *testing.T) {
	c := health.New("test")
	c.Register("kvstore", true, true, "")
	assert.Equal(t, "healthy", c.Health().Status)

	c.Register("kvstore", true, false, "disk full")
	assert.Equal(t, "unhealthy", c.Health().Status)
}

func TestReadinessRequiresRegisteredRequiredComponents(t *testing.T) {
	c := health.New("test")
	c.Register("notify", true, false, "not started")
	assert.Equal(t, "not_ready", c.Readiness().Status)

	c.Register("notify", true, true, "")
	assert.Equal(t, "ready", c.Readiness().Status)
}

func TestReadinessIgnoresNonRequiredComponents(t *testing.T) {
	c := health.New("test")
	c.Register("search-warmup", false, false, "still indexing")
	assert.Equal(t, "ready", c.Readiness().Status)
	assert.Equal(t, "unhealthy", c.Health().Status)
}

func TestLivenessHandlerAlwaysReturnsOK(t *testing.T) {
	c := health.New("test")
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	c.LivenessHandler()(rec, req)
	require.Equal(t, 200, rec.Code)
}

func TestHealthHandlerReturnsServiceUnavailableWhenUnhealthy(t *testing.T) {
	c := health.New("test")
	c.Register("kvstore", true, false, "down")
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	c.HealthHandler()(rec, req)
	assert.Equal(t, 503, rec.Code)
}
