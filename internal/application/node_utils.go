package application

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Shugur-Network/inbox-relay/internal/logger"
	"github.com/Shugur-Network/inbox-relay/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// runEvery calls fn on every tick until the node stops.
func (n *Node) runEvery(name string, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	n.background.Add(1)
	go func() {
		defer n.background.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-n.ctx.Done():
				logger.Debug("Background task stopped", zap.String("task", name))
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

func (n *Node) cleanupLimiters() {
	if removed := n.limiters.Cleanup(); removed > 0 {
		logger.Debug("Dropped idle rate limit windows",
			zap.Int("removed", removed),
			zap.Int("remaining", n.limiters.Size()))
	}
}

// sweepExpired soft-deletes events past their expiration tag.
func (n *Node) sweepExpired() {
	expired, err := n.events.SoftDeleteExpired(n.ctx, time.Now())
	if err != nil {
		if n.ctx.Err() == nil {
			logger.Warn("Expired event sweep failed", zap.Error(err))
		}
		return
	}
	if expired > 0 {
		metrics.EventsExpired.Add(float64(expired))
		logger.Info("Expired events removed", zap.Int64("count", expired))
	}
}

// startMetricsServer exposes the prometheus registry when metrics are
// enabled.
func (n *Node) startMetricsServer() error {
	cfg := n.settings.Current().Metrics
	if !cfg.Enabled {
		return nil
	}
	metrics.RegisterMetrics()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener on %s: %w", addr, err)
	}

	n.metricsSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	n.background.Add(1)
	go func() {
		defer n.background.Done()
		if err := n.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()
	logger.Info("Metrics server listening", zap.String("address", addr))
	return nil
}
