// Package health reports whether the relay and its backing stores are
// usable. It backs the /health endpoint.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/Shugur-Network/inbox-relay/internal/config"
	"github.com/Shugur-Network/inbox-relay/internal/constants"
	"github.com/Shugur-Network/inbox-relay/internal/storage"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the status of a specific component
type ComponentStatus struct {
	Name    string                 `json:"name"`
	Status  HealthStatus           `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthResponse represents the complete health check response
type HealthResponse struct {
	Status     HealthStatus           `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Version    string                 `json:"version"`
	Uptime     string                 `json:"uptime"`
	Components []*ComponentStatus     `json:"components"`
	Summary    map[string]interface{} `json:"summary"`
}

// DatabaseInterface defines the database operations needed for health checks
type DatabaseInterface interface {
	Ping(ctx context.Context) error
	Stats() storage.DatabaseStats
}

// CacheInterface is the optional cache dependency
type CacheInterface interface {
	Ping(ctx context.Context) error
}

// NodeInterface defines the node operations needed for health checks
type NodeInterface interface {
	GetConnectionCount() int
	GetStartTime() time.Time
}

// Utilization thresholds in percent
const (
	degradedUtilization  = 90
	unhealthyUtilization = 98

	goroutineWarning  = 10000
	goroutineCritical = 50000
)

// HealthChecker performs health checks over the relay's dependencies
type HealthChecker struct {
	db       DatabaseInterface
	cache    CacheInterface
	node     NodeInterface
	settings config.Provider
	logger   *zap.Logger
	version  string
}

// NewHealthChecker creates a new health checker. cache may be nil.
func NewHealthChecker(db DatabaseInterface, cache CacheInterface, node NodeInterface, settings config.Provider, logger *zap.Logger, version string) *HealthChecker {
	return &HealthChecker{
		db:       db,
		cache:    cache,
		node:     node,
		settings: settings,
		logger:   logger.Named("health"),
		version:  version,
	}
}

// CheckHealth runs every component check
func (h *HealthChecker) CheckHealth(ctx context.Context) *HealthResponse {
	started := time.Now()

	components := []*ComponentStatus{h.checkDatabase(ctx)}
	if h.cache != nil {
		components = append(components, h.checkCache(ctx))
	}
	components = append(components, h.checkConnections(), h.checkRuntime())

	return &HealthResponse{
		Status:     determineOverallStatus(components),
		Timestamp:  time.Now(),
		Version:    h.version,
		Uptime:     formatUptime(time.Since(h.node.GetStartTime())),
		Components: components,
		Summary: map[string]interface{}{
			"total_components":     len(components),
			"healthy_components":   countComponentsByStatus(components, StatusHealthy),
			"degraded_components":  countComponentsByStatus(components, StatusDegraded),
			"unhealthy_components": countComponentsByStatus(components, StatusUnhealthy),
			"check_duration_ms":    time.Since(started).Milliseconds(),
		},
	}
}

func (h *HealthChecker) checkDatabase(ctx context.Context) *ComponentStatus {
	status := &ComponentStatus{
		Name:    "database",
		Details: make(map[string]interface{}),
	}

	if err := h.db.Ping(ctx); err != nil {
		status.Status = StatusUnhealthy
		status.Message = "Database connection failed"
		status.Details["error"] = err.Error()
		return status
	}

	stats := h.db.Stats()
	status.Details["open_connections"] = stats.OpenConnections
	status.Details["in_use"] = stats.InUse
	status.Details["idle"] = stats.Idle
	status.Details["max_open_connections"] = stats.MaxOpenConnections
	status.Details["error_count"] = stats.ErrorCount

	utilization := percent(stats.InUse, stats.MaxOpenConnections)
	status.Details["connection_utilization_percent"] = utilization
	status.Status, status.Message = classify(utilization, "database connection utilization")
	return status
}

func (h *HealthChecker) checkCache(ctx context.Context) *ComponentStatus {
	status := &ComponentStatus{Name: "cache", Status: StatusHealthy, Message: "Cache is reachable"}
	if err := h.cache.Ping(ctx); err != nil {
		status.Status = StatusUnhealthy
		status.Message = "Cache ping failed"
		status.Details = map[string]interface{}{"error": err.Error()}
	}
	return status
}

func (h *HealthChecker) checkConnections() *ComponentStatus {
	status := &ComponentStatus{
		Name:    "connections",
		Details: make(map[string]interface{}),
	}

	count := h.node.GetConnectionCount()
	maxConnections := h.settings().Relay.MaxConnections
	utilization := percent(count, maxConnections)

	status.Details["active_connections"] = count
	status.Details["max_connections"] = maxConnections
	status.Details["connection_utilization_percent"] = utilization

	status.Status, _ = classify(utilization, "")
	status.Message = fmt.Sprintf("%d/%d connections (%.1f%%)", count, maxConnections, utilization)
	return status
}

func (h *HealthChecker) checkRuntime() *ComponentStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	goroutines := runtime.NumGoroutine()
	status := &ComponentStatus{
		Name: "runtime",
		Details: map[string]interface{}{
			"goroutines": goroutines,
			"heap_mb":    float64(m.HeapAlloc) / 1024 / 1024,
			"num_gc":     m.NumGC,
		},
	}

	switch {
	case goroutines > goroutineCritical:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	case goroutines > goroutineWarning:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Elevated goroutine count: %d", goroutines)
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("%d goroutines", goroutines)
	}
	return status
}

func percent(n, max int) float64 {
	if max <= 0 {
		return 0
	}
	return float64(n) / float64(max) * 100
}

func classify(utilization float64, subject string) (HealthStatus, string) {
	switch {
	case utilization > unhealthyUtilization:
		return StatusUnhealthy, "Critical " + subject
	case utilization > degradedUtilization:
		return StatusDegraded, "High " + subject
	default:
		return StatusHealthy, "Normal " + subject
	}
}

func determineOverallStatus(components []*ComponentStatus) HealthStatus {
	if countComponentsByStatus(components, StatusUnhealthy) > 0 {
		return StatusUnhealthy
	}
	if countComponentsByStatus(components, StatusDegraded) > 0 {
		return StatusDegraded
	}
	return StatusHealthy
}

func countComponentsByStatus(components []*ComponentStatus, status HealthStatus) int {
	count := 0
	for _, comp := range components {
		if comp.Status == status {
			count++
		}
	}
	return count
}

// formatUptime formats uptime duration as a human-readable string
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	} else if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// HandleHealth is the HTTP handler for health checks. Only an unhealthy
// component turns the response into a 503.
func (h *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), constants.HealthCheckTimeout)
	defer cancel()

	resp := h.CheckHealth(ctx)

	statusCode := http.StatusOK
	if resp.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
		return
	}

	h.logger.Debug("Health check completed",
		zap.String("status", string(resp.Status)),
		zap.Int("status_code", statusCode),
		zap.String("client_ip", r.RemoteAddr))
}
