package storage

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/Shugur-Network/inbox-relay/internal/logger"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaDDL string

// requiredTables are checked by VerifySchema after initialization
var requiredTables = []string{"events", "users"}

// InitializeSchema creates the tables and indexes if they don't exist
func (db *DB) InitializeSchema(ctx context.Context) error {
	if !db.isConnected() {
		return fmt.Errorf("database is not connected")
	}

	logger.Info("Initializing database schema...")

	if _, err := db.Pool.Exec(ctx, schemaDDL); err != nil {
		db.recordError("schema_init_failed", err)
		return fmt.Errorf("failed to initialize database schema: %w", err)
	}

	logger.Info("✅ Database schema initialized successfully")
	return nil
}

// VerifySchema checks if all required tables exist
func (db *DB) VerifySchema(ctx context.Context) error {
	if !db.isConnected() {
		return fmt.Errorf("database is not connected")
	}

	for _, table := range requiredTables {
		var exists bool
		err := db.Pool.QueryRow(ctx,
			`SELECT EXISTS (
				SELECT FROM information_schema.tables
				WHERE table_schema = 'public'
				AND table_name = $1
			)`, table).Scan(&exists)

		if err != nil {
			return fmt.Errorf("failed to check table %s: %w", table, err)
		}

		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}

		logger.Debug("✅ Table exists", zap.String("table", table))
	}

	logger.Debug("✅ Database schema verification completed")
	return nil
}
