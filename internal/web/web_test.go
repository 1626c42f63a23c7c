package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Shugur-Network/inbox-relay/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type counter struct {
	n   int64
	err error
}

func (c counter) CountEvents(context.Context) (int64, error) { return c.n, c.err }

type node struct {
	conns   int
	started time.Time
}

func (n node) GetConnectionCount() int { return n.conns }
func (n node) GetStartTime() time.Time { return n.started }

func settings(maxConns int) config.Provider {
	cfg := &config.Config{}
	cfg.Relay.MaxConnections = maxConns
	return config.Static(cfg)
}

func TestStatsHandler(t *testing.T) {
	h := NewStatsHandler(counter{n: 42}, node{conns: 5, started: time.Now().Add(-time.Minute)}, settings(10), zap.NewNop())

	rec := httptest.NewRecorder()
	SecureAPIHandler(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	var stats StatsData
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, 5, stats.ActiveConnections)
	assert.Equal(t, int64(42), stats.EventsStored)
	assert.InDelta(t, 50.0, stats.LoadPercentage, 0.001)
	assert.GreaterOrEqual(t, stats.UptimeSeconds, int64(59))
}

func TestStatsHandlerSurvivesCountFailure(t *testing.T) {
	h := NewStatsHandler(counter{err: errors.New("down")}, node{}, settings(0), zap.NewNop())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var stats StatsData
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Zero(t, stats.EventsStored)
	assert.Zero(t, stats.LoadPercentage)
}

func TestStatsHandlerMethods(t *testing.T) {
	h := NewStatsHandler(nil, node{}, settings(1), zap.NewNop())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/stats", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/stats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestValidationRejects(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := SecureAPIHandler(ok)

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"accepted", "/api/stats", http.StatusNoContent},
		{"unknown path", "/api/other", http.StatusBadRequest},
		{"query param", "/api/stats?x=1", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
