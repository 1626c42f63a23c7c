package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Shugur-Network/inbox-relay/internal/config"
	"github.com/Shugur-Network/inbox-relay/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDB struct {
	err   error
	stats storage.DatabaseStats
}

func (f fakeDB) Ping(context.Context) error   { return f.err }
func (f fakeDB) Stats() storage.DatabaseStats { return f.stats }

type fakeCache struct{ err error }

func (f fakeCache) Ping(context.Context) error { return f.err }

type fakeNode struct{ conns int }

func (f fakeNode) GetConnectionCount() int { return f.conns }
func (f fakeNode) GetStartTime() time.Time { return time.Now().Add(-90 * time.Second) }

func settings(maxConns int) config.Provider {
	cfg := &config.Config{}
	cfg.Relay.MaxConnections = maxConns
	return config.Static(cfg)
}

func TestCheckHealth(t *testing.T) {
	tests := []struct {
		name  string
		db    fakeDB
		cache CacheInterface
		conns int
		want  HealthStatus
	}{
		{"all healthy", fakeDB{stats: storage.DatabaseStats{InUse: 1, MaxOpenConnections: 10}}, fakeCache{}, 10, StatusHealthy},
		{"no cache configured", fakeDB{stats: storage.DatabaseStats{MaxOpenConnections: 10}}, nil, 0, StatusHealthy},
		{"db down", fakeDB{err: errors.New("refused")}, nil, 0, StatusUnhealthy},
		{"cache down", fakeDB{stats: storage.DatabaseStats{MaxOpenConnections: 10}}, fakeCache{err: errors.New("timeout")}, 0, StatusUnhealthy},
		{"connections near limit", fakeDB{stats: storage.DatabaseStats{MaxOpenConnections: 10}}, nil, 95, StatusDegraded},
		{"connections at limit", fakeDB{stats: storage.DatabaseStats{MaxOpenConnections: 10}}, nil, 100, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker(tt.db, tt.cache, fakeNode{conns: tt.conns}, settings(100), zap.NewNop(), "test")

			resp := h.CheckHealth(context.Background())
			assert.Equal(t, tt.want, resp.Status)
			assert.Equal(t, "1m 30s", resp.Uptime)
		})
	}
}

func TestHandleHealth(t *testing.T) {
	h := NewHealthChecker(fakeDB{err: errors.New("refused")}, nil, fakeNode{}, settings(100), zap.NewNop(), "1.2.3")

	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusUnhealthy, body.Status)
	assert.Equal(t, "1.2.3", body.Version)

	rec = httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestFormatUptime(t *testing.T) {
	assert.Equal(t, "5s", formatUptime(5*time.Second))
	assert.Equal(t, "2h 0m 1s", formatUptime(2*time.Hour+time.Second))
	assert.Equal(t, "1d 1h 0m 0s", formatUptime(25*time.Hour))
}
