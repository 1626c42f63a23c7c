package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shugur-Network/inbox-relay/internal/config"
	"github.com/Shugur-Network/inbox-relay/internal/constants"
	"github.com/Shugur-Network/inbox-relay/internal/logger"
	"github.com/Shugur-Network/inbox-relay/internal/metrics"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/willf/bloom"

	"go.uber.org/zap"
)

// DBState represents the current state of the database connection
type DBState int

const (
	DBStateInitial DBState = iota
	DBStateConnecting
	DBStateConnected
	DBStateDisconnecting
	DBStateClosed
)

// DB wraps the pgx pool and the bloom filter of stored event ids
type DB struct {
	Pool  *pgxpool.Pool
	Bloom *bloom.BloomFilter

	bloomMu      sync.RWMutex
	queryTimeout time.Duration
	state        DBState
	stateMu      sync.RWMutex
	errorCount   atomic.Int64
}

// newPoolConfig turns the database section into a pgx pool configuration
func newPoolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URI: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = constants.DBConnMaxLifetime
	poolCfg.MaxConnIdleTime = constants.DBConnMaxIdleTime
	poolCfg.ConnConfig.ConnectTimeout = constants.DBConnAcquireTimeout
	poolCfg.HealthCheckPeriod = constants.DBHealthCheckPeriod

	return poolCfg, nil
}

// InitDB connects to the database with exponential backoff between attempts
func InitDB(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	poolCfg, err := newPoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	db := &DB{
		state:        DBStateConnecting,
		queryTimeout: cfg.QueryTimeout,
	}

	retries := cfg.ConnectRetries
	if retries < 1 {
		retries = 1
	}
	backoff := constants.ConnectBackoff

	var pool *pgxpool.Pool
	for attempt := 1; attempt <= retries; attempt++ {
		pool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				db.Pool = pool
				db.Bloom = bloom.NewWithEstimates(constants.BloomEstimatedEvents, constants.BloomFalsePositive)
				db.setState(DBStateConnected)

				stat := pool.Stat()
				logger.Info("✅ DB Connected Successfully",
					zap.Int("attempts", attempt),
					zap.Int32("db_max_connections", stat.MaxConns()),
					zap.Int32("db_total_connections", stat.TotalConns()))
				metrics.DBConnections.WithLabelValues("success").Inc()
				return db, nil
			}
			pool.Close()
		}

		metrics.DBConnections.WithLabelValues("failure").Inc()
		if attempt == retries {
			break
		}
		logger.Warn("Failed to connect to DB, retrying...",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			db.setState(DBStateClosed)
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	db.setState(DBStateClosed)
	metrics.DBErrors.WithLabelValues("connection_failed").Inc()
	return nil, fmt.Errorf("failed to connect to DB after %d attempts: %w", retries, err)
}

// CloseDB closes the database connection
func (db *DB) CloseDB() error {
	db.stateMu.Lock()
	if db.state == DBStateDisconnecting || db.state == DBStateClosed {
		db.stateMu.Unlock()
		return nil
	}
	db.state = DBStateDisconnecting
	db.stateMu.Unlock()

	if db.Pool == nil {
		db.setState(DBStateClosed)
		return fmt.Errorf("database pool is nil")
	}

	db.Pool.Close()
	db.setState(DBStateClosed)
	logger.Debug("Database connection closed")
	metrics.DBConnections.WithLabelValues("closed").Inc()
	return nil
}

// RebuildBloomFilter fetches all event IDs and refills the Bloom filter.
func (db *DB) RebuildBloomFilter(ctx context.Context) error {
	if !db.isConnected() {
		return fmt.Errorf("database is not connected")
	}

	logger.Info("Rebuilding Bloom filter from database...")

	rows, err := db.Pool.Query(ctx, `SELECT id FROM events`)
	if err != nil {
		db.recordError("bloom_filter_fetch_failed", err)
		return err
	}
	defer rows.Close()

	fresh := bloom.NewWithEstimates(constants.BloomEstimatedEvents, constants.BloomFalsePositive)
	count := 0
	for rows.Next() {
		var eventID string
		if err := rows.Scan(&eventID); err != nil {
			logger.Debug("Failed to scan event ID", zap.Error(err))
			continue
		}
		fresh.AddString(eventID)
		count++

		if count%100000 == 0 {
			logger.Debug("Bloom filter progress", zap.Int("events", count))
		}
	}
	if err := rows.Err(); err != nil {
		db.recordError("bloom_filter_scan_failed", err)
		return err
	}

	db.bloomMu.Lock()
	db.Bloom = fresh
	db.bloomMu.Unlock()

	logger.Info("Bloom filter rebuilt successfully", zap.Int("total_events", count))
	metrics.DBOperations.WithLabelValues("bloom_filter_rebuild").Inc()
	return nil
}

// maybeStored reports whether id may already be in the events table. A
// false answer is certain.
func (db *DB) maybeStored(id string) bool {
	db.bloomMu.RLock()
	defer db.bloomMu.RUnlock()
	return db.Bloom != nil && db.Bloom.Test([]byte(id))
}

func (db *DB) markStored(id string) {
	db.bloomMu.Lock()
	defer db.bloomMu.Unlock()
	if db.Bloom != nil {
		db.Bloom.AddString(id)
	}
}

func (db *DB) setState(s DBState) {
	db.stateMu.Lock()
	db.state = s
	db.stateMu.Unlock()
}

// isConnected checks if the database is in a connected state
func (db *DB) isConnected() bool {
	db.stateMu.RLock()
	defer db.stateMu.RUnlock()
	return db.state == DBStateConnected
}

// recordError counts a failed operation and logs it
func (db *DB) recordError(operation string, err error) {
	count := db.errorCount.Add(1)
	metrics.DBErrors.WithLabelValues(operation).Inc()
	logger.Error("Database operation failed",
		zap.String("operation", operation),
		zap.Error(err),
		zap.Int64("error_count", count))
}

// withTimeout bounds one statement by the configured query timeout
func (db *DB) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, db.queryTimeout)
}

// executeWithRetry retries f on statement timeouts and deadlocks
func (db *DB) executeWithRetry(ctx context.Context, f func(context.Context) error) error {
	var lastErr error

	for i := 0; i < constants.MaxDBRetries; i++ {
		err := f(ctx)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(1<<i) * constants.DBRetryDelay):
		}
	}

	return fmt.Errorf("operation failed after %d retries: %w", constants.MaxDBRetries, lastErr)
}

func isRetryable(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "statement timeout") ||
		strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "restart transaction")
}

// Ping checks database connectivity
func (db *DB) Ping(ctx context.Context) error {
	if db.Pool == nil {
		return fmt.Errorf("database pool is not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, constants.HealthCheckTimeout)
	defer cancel()

	return db.Pool.Ping(ctx)
}

// Stats returns database connection pool statistics
func (db *DB) Stats() DatabaseStats {
	if db.Pool == nil {
		return DatabaseStats{}
	}

	stat := db.Pool.Stat()
	return DatabaseStats{
		OpenConnections:    int(stat.TotalConns()),
		InUse:              int(stat.AcquiredConns()),
		Idle:               int(stat.IdleConns()),
		MaxOpenConnections: int(stat.MaxConns()),
		ErrorCount:         db.errorCount.Load(),
	}
}

// DatabaseStats represents database connection pool statistics
type DatabaseStats struct {
	OpenConnections    int   `json:"open_connections"`
	InUse              int   `json:"in_use"`
	Idle               int   `json:"idle"`
	MaxOpenConnections int   `json:"max_open_connections"`
	ErrorCount         int64 `json:"error_count"`
}
