package web

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/Shugur-Network/inbox-relay/internal/config"
	"github.com/Shugur-Network/inbox-relay/internal/constants"
	"github.com/Shugur-Network/inbox-relay/internal/metrics"
	"go.uber.org/zap"
)

// EventCounter counts live stored events.
type EventCounter interface {
	CountEvents(ctx context.Context) (int64, error)
}

// NodeInfo is the node state the stats endpoint reports.
type NodeInfo interface {
	GetConnectionCount() int
	GetStartTime() time.Time
}

// StatsData is the body of /api/stats.
type StatsData struct {
	ActiveConnections   int              `json:"active_connections"`
	ActiveSubscriptions int64            `json:"active_subscriptions"`
	MessagesReceived    int64            `json:"messages_received"`
	EventsStored        int64            `json:"events_stored"`
	LoadPercentage      float64          `json:"load_percentage"`
	MemoryUsage         map[string]int64 `json:"memory_usage"`
	Goroutines          int              `json:"goroutines"`
	LiveSince           string           `json:"live_since"`
	UptimeSeconds       int64            `json:"uptime_seconds"`
}

// StatsHandler serves relay statistics as JSON.
type StatsHandler struct {
	events   EventCounter
	node     NodeInfo
	settings config.Provider
	logger   *zap.Logger
}

// NewStatsHandler creates the stats endpoint. events may be nil.
func NewStatsHandler(events EventCounter, node NodeInfo, settings config.Provider, logger *zap.Logger) *StatsHandler {
	return &StatsHandler{
		events:   events,
		node:     node,
		settings: settings,
		logger:   logger.Named("stats"),
	}
}

func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	APISecurityHeaders().Apply(w)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodGet:
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := h.collect(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		h.logger.Error("Failed to encode stats response", zap.Error(err))
	}
}

func (h *StatsHandler) collect(ctx context.Context) *StatsData {
	var eventsStored int64
	if h.events != nil {
		ctx, cancel := context.WithTimeout(ctx, constants.HealthCheckTimeout)
		defer cancel()

		count, err := h.events.CountEvents(ctx)
		if err != nil {
			h.logger.Warn("Failed to get total event count", zap.Error(err))
		} else {
			eventsStored = count
			metrics.EventsStored.Set(float64(count))
		}
	}

	active := h.node.GetConnectionCount()
	load := 0.0
	if maxConns := h.settings().Relay.MaxConnections; maxConns > 0 {
		load = float64(active) / float64(maxConns) * 100
		if load > 100 {
			load = 100
		}
	}

	started := h.node.GetStartTime()
	return &StatsData{
		ActiveConnections:   active,
		ActiveSubscriptions: metrics.GetActiveSubscriptionsCount(),
		MessagesReceived:    metrics.GetMessagesReceivedCount(),
		EventsStored:        eventsStored,
		LoadPercentage:      load,
		MemoryUsage:         memoryUsage(),
		Goroutines:          runtime.NumGoroutine(),
		LiveSince:           started.UTC().Format(time.RFC3339),
		UptimeSeconds:       int64(time.Since(started).Seconds()),
	}
}

func memoryUsage() map[string]int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return map[string]int64{
		"alloc_mb":       int64(m.Alloc / 1024 / 1024),
		"total_alloc_mb": int64(m.TotalAlloc / 1024 / 1024),
		"sys_mb":         int64(m.Sys / 1024 / 1024),
		"num_gc":         int64(m.NumGC),
	}
}
