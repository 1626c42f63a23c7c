package application

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/Shugur-Network/inbox-relay/internal/cache"
	"github.com/Shugur-Network/inbox-relay/internal/config"
	"github.com/Shugur-Network/inbox-relay/internal/domain"
	"github.com/Shugur-Network/inbox-relay/internal/handlers"
	"github.com/Shugur-Network/inbox-relay/internal/health"
	"github.com/Shugur-Network/inbox-relay/internal/limiter"
	"github.com/Shugur-Network/inbox-relay/internal/logger"
	"github.com/Shugur-Network/inbox-relay/internal/metrics"
	"github.com/Shugur-Network/inbox-relay/internal/relay"
	"github.com/Shugur-Network/inbox-relay/internal/storage"
	"github.com/Shugur-Network/inbox-relay/internal/web"
	"github.com/Shugur-Network/inbox-relay/internal/workers"
	"go.uber.org/zap"
)

// NodeBuilder is used to incrementally construct a Node instance.
type NodeBuilder struct {
	ctx      context.Context
	cancel   context.CancelFunc
	settings *config.Watcher

	database   *storage.DB
	events     *storage.EventStore
	users      *storage.UserStore
	cache      *cache.RedisCache
	workerPool *workers.WorkerPool
	dispatcher *storage.EventDispatcher
	limiters   *limiter.SlidingWindowFactory
	router     *handlers.Router
}

// NewNodeBuilder creates a new NodeBuilder with its own cancelable context.
func NewNodeBuilder(ctx context.Context, settings *config.Watcher) *NodeBuilder {
	c, cancel := context.WithCancel(ctx)
	return &NodeBuilder{
		ctx:      c,
		cancel:   cancel,
		settings: settings,
	}
}

// BuildDB connects to the database, prepares the schema and warms the
// bloom filter.
func (b *NodeBuilder) BuildDB() error {
	cfg := b.settings.Current().Database

	logger.Info("Connecting to database...",
		zap.String("server", cfg.Server),
		zap.Int("port", cfg.Port),
		zap.String("db", cfg.Name),
		zap.Bool("url", cfg.URL != ""))

	dbConn, err := storage.InitDB(b.ctx, cfg)
	if err != nil {
		b.cancel()
		return fmt.Errorf("failed to initialize database connection to %s: %w", cfg.Name, err)
	}
	b.database = dbConn

	if err := dbConn.InitializeSchema(b.ctx); err != nil {
		logger.Error("Failed to initialize database schema", zap.Error(err))
		b.Abort()
		return fmt.Errorf("failed to initialize database schema: %w", err)
	}
	if err := dbConn.VerifySchema(b.ctx); err != nil {
		logger.Error("Database schema verification failed", zap.Error(err))
		b.Abort()
		return fmt.Errorf("database schema verification failed: %w", err)
	}

	b.events = storage.NewEventStore(dbConn)
	b.users = storage.NewUserStore(dbConn)

	if count, err := b.events.CountEvents(b.ctx); err != nil {
		logger.Warn("Failed to get initial event count for metrics", zap.Error(err))
	} else {
		metrics.EventsStored.Set(float64(count))
		logger.Info("Initialized EventsStored metric", zap.Int64("count", count))
	}

	if err := dbConn.RebuildBloomFilter(b.ctx); err != nil {
		logger.Warn("Failed to rebuild bloom filter", zap.Error(err))
	}
	return nil
}

// BuildCache connects to redis when the cache is enabled.
func (b *NodeBuilder) BuildCache() error {
	cfg := b.settings.Current().Cache
	if !cfg.Enabled {
		logger.Debug("Cache disabled")
		return nil
	}
	c, err := cache.NewRedisCache(b.ctx, cfg)
	if err != nil {
		return err
	}
	b.cache = c
	logger.Info("Cache connected", zap.String("addr", cfg.Addr))
	return nil
}

// BuildWorkers sets up the worker pool and the live event dispatcher that
// fans out on it.
func (b *NodeBuilder) BuildWorkers() {
	numCPU := runtime.NumCPU()
	b.workerPool = workers.NewWorkerPool(numCPU*2, numCPU*300)
	b.dispatcher = storage.NewEventDispatcher(b.workerPool)
}

// BuildLimiter sets up the sliding window limiter shared by all clients.
func (b *NodeBuilder) BuildLimiter() {
	b.limiters = limiter.NewSlidingWindowFactory()
}

// BuildHandlers resolves the authorization source and builds the router.
func (b *NodeBuilder) BuildHandlers() error {
	var c domain.Cache
	if b.cache != nil {
		c = b.cache
	}
	source, err := handlers.NewAuthorizationSource(b.settings.Current().Auth.Source, b.users, c)
	if err != nil {
		return err
	}

	b.router = handlers.NewRouter(handlers.Deps{
		Events:        b.events,
		Users:         b.users,
		Authorization: source,
		Limiter:       b.limiters,
		Settings:      b.settings.Provider(),
		Feed:          b.dispatcher,
	})
	return nil
}

// Abort releases what the builder has opened so far.
func (b *NodeBuilder) Abort() {
	if b.cache != nil {
		_ = b.cache.Close()
	}
	if b.database != nil {
		_ = b.database.CloseDB()
	}
	b.cancel()
}

// Build finalizes the node construction.
func (b *NodeBuilder) Build() (*Node, error) {
	if b.database == nil {
		return nil, fmt.Errorf("database must be built before calling Build()")
	}
	if b.dispatcher == nil {
		return nil, fmt.Errorf("worker pool must be built before calling Build()")
	}
	if b.limiters == nil {
		return nil, fmt.Errorf("limiter must be built before calling Build()")
	}
	if b.router == nil {
		return nil, fmt.Errorf("handlers must be built before calling Build()")
	}

	node := &Node{
		ctx:        b.ctx,
		cancel:     b.cancel,
		settings:   b.settings,
		db:         b.database,
		events:     b.events,
		cache:      b.cache,
		limiters:   b.limiters,
		workerPool: b.workerPool,
		dispatcher: b.dispatcher,
		wsConns:    make(map[domain.ManagedConnection]struct{}),
		startTime:  time.Now(),
	}

	var cacheCheck health.CacheInterface
	if b.cache != nil {
		cacheCheck = b.cache
	}
	log := logger.New("node")
	checker := health.NewHealthChecker(b.database, cacheCheck, node, b.settings.Provider(), log, config.Version)

	node.server = relay.NewServer(b.settings.Provider(), b.router, b.dispatcher, node, http.HandlerFunc(checker.HandleHealth))
	node.server.Mount("/api/stats", web.SecureAPIHandler(web.NewStatsHandler(b.events, node, b.settings.Provider(), log)))

	logger.Debug("Node initialized successfully via builder")
	return node, nil
}
