package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRedisCheckerDegradesNotUnready(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	m := NewManager(zap.NewNop())
	m.Register(NewRedisChecker(client, zap.NewNop()))
	m.Register(NewWorkerChecker(func() bool { return true }))

	overall := m.Check(context.Background())
	assert.Equal(t, StatusHealthy, overall.Status)
	assert.True(t, overall.Ready)

	// Redis gone: degraded but still ready, the fallback log keeps serving.
	mr.Close()
	overall = m.Check(context.Background())
	assert.Equal(t, StatusDegraded, overall.Status)
	assert.True(t, overall.Ready)
}

func TestWorkerCheckerCritical(t *testing.T) {
	m := NewManager(zap.NewNop())
	healthy := true
	m.Register(NewWorkerChecker(func() bool { return healthy }))

	assert.True(t, m.IsReady(context.Background()))
	healthy = false
	overall := m.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, overall.Status)
	assert.False(t, overall.Ready)
}

func TestProbeEndpoints(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Register(NewWorkerChecker(func() bool { return true }))

	mux := http.NewServeMux()
	NewHTTPHandler(m, zap.NewNop()).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	for _, path := range []string{"/health", "/health/ready", "/health/live"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		resp.Body.Close()
	}

	resp, err := http.Get(srv.URL + "/health/detailed")
	require.NoError(t, err)
	defer resp.Body.Close()
	var detailed OverallHealth
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&detailed))
	assert.Contains(t, detailed.Components, "task_manager")
}

func TestCheckerTimeoutApplied(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Register(&WorkerChecker{
		healthy: func() bool { return true },
		timeout: 10 * time.Millisecond,
	})
	start := time.Now()
	m.Check(context.Background())
	assert.Less(t, time.Since(start), time.Second)
}
