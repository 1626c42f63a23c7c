package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Shugur-Network/inbox-relay/internal/cache"
	"github.com/Shugur-Network/inbox-relay/internal/config"
	"github.com/Shugur-Network/inbox-relay/internal/constants"
	"github.com/Shugur-Network/inbox-relay/internal/domain"
	"github.com/Shugur-Network/inbox-relay/internal/limiter"
	"github.com/Shugur-Network/inbox-relay/internal/logger"
	"github.com/Shugur-Network/inbox-relay/internal/relay"
	"github.com/Shugur-Network/inbox-relay/internal/storage"
	"github.com/Shugur-Network/inbox-relay/internal/workers"
	"go.uber.org/zap"
)

// Node ties together the components of a running inbox relay.
type Node struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings   *config.Watcher
	db         *storage.DB
	events     *storage.EventStore
	cache      *cache.RedisCache
	limiters   *limiter.SlidingWindowFactory
	workerPool *workers.WorkerPool
	dispatcher *storage.EventDispatcher
	server     *relay.Server

	metricsSrv *http.Server
	background sync.WaitGroup

	wsConns   map[domain.ManagedConnection]struct{}
	wsConnsMu sync.RWMutex

	startTime time.Time
}

var _ domain.ConnectionManager = (*Node)(nil)

// New builds a Node from the settings held by watcher.
func New(ctx context.Context, watcher *config.Watcher) (*Node, error) {
	builder := NewNodeBuilder(ctx, watcher)

	if err := builder.BuildDB(); err != nil {
		return nil, fmt.Errorf("failed building db: %w", err)
	}
	if err := builder.BuildCache(); err != nil {
		builder.Abort()
		return nil, fmt.Errorf("failed building cache: %w", err)
	}
	builder.BuildWorkers()
	builder.BuildLimiter()
	if err := builder.BuildHandlers(); err != nil {
		builder.Abort()
		return nil, fmt.Errorf("failed building handlers: %w", err)
	}

	node, err := builder.Build()
	if err != nil {
		builder.Abort()
		return nil, fmt.Errorf("failed to build node: %w", err)
	}
	return node, nil
}

// Start runs the dispatcher, the background sweeps and the listeners. It
// returns once everything is started; listeners stop when the node's
// context ends.
func (n *Node) Start() error {
	n.dispatcher.Start()
	n.settings.Watch()

	n.runEvery("limiter_cleanup", n.settings.Current().General.CleanupInterval, n.cleanupLimiters)
	n.runEvery("expired_events", n.settings.Current().General.CleanupInterval, n.sweepExpired)

	if err := n.startMetricsServer(); err != nil {
		return err
	}

	addr := n.settings.Current().Relay.WSAddr
	n.background.Add(1)
	go func() {
		defer n.background.Done()
		if err := n.server.ListenAndServe(n.ctx, addr); err != nil {
			logger.Error("Server error", zap.Error(err))
			n.cancel()
		}
	}()

	logger.Info("Node started", zap.String("address", addr))
	return nil
}

// Done is closed when the node stops, either through Shutdown or a fatal
// listener error.
func (n *Node) Done() <-chan struct{} {
	return n.ctx.Done()
}

// Shutdown stops the node. Connections are closed first so no handler
// touches the store after it is closed.
func (n *Node) Shutdown() {
	logger.Info("Initiating graceful shutdown...")
	shutdownTimeout := n.settings.Current().General.ShutdownTimeout

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var shutdownErrors []error

	n.cancel()
	n.shutdownWebSocketConnections(shutdownCtx)

	if n.metricsSrv != nil {
		if err := n.metricsSrv.Shutdown(shutdownCtx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("metrics server: %w", err))
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		n.background.Wait()
	}()
	select {
	case <-done:
		logger.Debug("✅ Background tasks finished")
	case <-shutdownCtx.Done():
		shutdownErrors = append(shutdownErrors, fmt.Errorf("background tasks timed out after %v", shutdownTimeout))
	}

	n.dispatcher.Stop()
	n.workerPool.Stop()
	logger.Debug("✅ Event dispatcher stopped")

	if n.cache != nil {
		if err := n.cache.Close(); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("cache: %w", err))
		}
	}

	if err := n.shutdownDatabase(shutdownCtx); err != nil {
		shutdownErrors = append(shutdownErrors, err)
	} else {
		logger.Debug("✅ Database connection closed")
	}

	if len(shutdownErrors) > 0 {
		logger.Warn("Node shutdown completed with errors",
			zap.Int("error_count", len(shutdownErrors)),
			zap.Errors("errors", shutdownErrors),
			zap.Duration("shutdown_timeout", shutdownTimeout))
		return
	}
	logger.Info("✅ Node shutdown completed successfully")
}

// shutdownWebSocketConnections closes every registered connection.
func (n *Node) shutdownWebSocketConnections(ctx context.Context) {
	n.wsConnsMu.RLock()
	connections := make([]domain.ManagedConnection, 0, len(n.wsConns))
	for conn := range n.wsConns {
		connections = append(connections, conn)
	}
	n.wsConnsMu.RUnlock()

	if len(connections) == 0 {
		logger.Debug("✅ No WebSocket connections to close")
		return
	}
	logger.Info("Closing WebSocket connections gracefully", zap.Int("connection_count", len(connections)))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, conn := range connections {
			conn.Close()
		}
	}()

	select {
	case <-done:
		logger.Debug("✅ WebSocket connections closed")
	case <-ctx.Done():
		logger.Warn("WebSocket connection shutdown timed out")
	}
}

// shutdownDatabase closes the pool, retrying while ctx allows.
func (n *Node) shutdownDatabase(ctx context.Context) error {
	var lastErr error
	for i := 0; i < constants.MaxDBRetries; i++ {
		err := n.db.CloseDB()
		if err == nil {
			return nil
		}
		lastErr = err
		logger.Warn("Failed to close database, retrying...",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", constants.MaxDBRetries),
			zap.Error(err))

		select {
		case <-time.After(constants.DBRetryDelay):
		case <-ctx.Done():
			return fmt.Errorf("database shutdown timed out: %w", errors.Join(lastErr, ctx.Err()))
		}
	}
	return fmt.Errorf("database shutdown failed after %d retries: %w", constants.MaxDBRetries, lastErr)
}

// RegisterConn tracks a new WebSocket client
func (n *Node) RegisterConn(conn domain.ManagedConnection) {
	n.wsConnsMu.Lock()
	defer n.wsConnsMu.Unlock()
	n.wsConns[conn] = struct{}{}
	logger.Debug("WebSocket client registered", zap.Int("total_connections", len(n.wsConns)))
}

// UnregisterConn removes a WebSocket client
func (n *Node) UnregisterConn(conn domain.ManagedConnection) {
	n.wsConnsMu.Lock()
	defer n.wsConnsMu.Unlock()
	delete(n.wsConns, conn)
	logger.Debug("WebSocket client unregistered", zap.Int("total_connections", len(n.wsConns)))
}

// GetConnectionCount returns the number of live connections.
func (n *Node) GetConnectionCount() int {
	n.wsConnsMu.RLock()
	defer n.wsConnsMu.RUnlock()
	return len(n.wsConns)
}

// GetStartTime returns when the node was built.
func (n *Node) GetStartTime() time.Time {
	return n.startTime
}
