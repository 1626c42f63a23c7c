package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Shugur-Network/inbox-relay/internal/domain"
	"github.com/Shugur-Network/inbox-relay/internal/filters"
	"github.com/Shugur-Network/inbox-relay/internal/logger"
	"github.com/Shugur-Network/inbox-relay/internal/metrics"
	"github.com/Shugur-Network/inbox-relay/internal/relay/nips"
	"github.com/jackc/pgx/v5"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// ownerExpr is the pubkey an event is attributed to: the delegator of a
// NIP-26 event, its signer otherwise.
const ownerExpr = `COALESCE(NULLIF(delegator, ''), pubkey)`

const insertEventSQL = `INSERT INTO events (id, pubkey, kind, created_at, content, tags, sig, delegator)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (id) DO NOTHING`

// EventStore is the pgx implementation of domain.EventRepository
type EventStore struct {
	db *DB
}

var _ domain.EventRepository = (*EventStore)(nil)

// NewEventStore creates an event repository on db
func NewEventStore(db *DB) *EventStore {
	return &EventStore{db: db}
}

// FindByFilters streams the events matching any filter, oldest first.
// Soft-deleted rows are included; callers drop them. The rows stay open
// until the cursor is closed or ctx ends.
func (s *EventStore) FindByFilters(ctx context.Context, fs []filters.Filter) (domain.EventCursor, error) {
	if !s.db.isConnected() {
		return nil, fmt.Errorf("database is not connected")
	}
	if len(fs) == 0 {
		return newRowCursor(nil), nil
	}

	query, args := buildFindQuery(fs)
	logger.Debug("Executing query",
		zap.String("query", query),
		zap.Int("arg_count", len(args)))

	start := time.Now()
	rows, err := s.db.Pool.Query(ctx, query, args...)
	metrics.DBQueryDuration.WithLabelValues("find").Observe(time.Since(start).Seconds())
	if err != nil {
		s.db.recordError("find_failed", err)
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return newRowCursor(rows), nil
}

// Create inserts evt. A Bloom miss proves the id is new; a hit is
// confirmed against the table before reporting a duplicate.
func (s *EventStore) Create(ctx context.Context, evt *nostr.Event, delegator string) (bool, error) {
	if !s.db.isConnected() {
		return false, fmt.Errorf("database is not connected")
	}

	if s.db.maybeStored(evt.ID) {
		exists, err := s.EventExists(ctx, evt.ID)
		if err != nil {
			return false, err
		}
		if exists {
			return false, nil
		}
	}

	tags, err := encodeTags(evt.Tags)
	if err != nil {
		return false, err
	}

	var inserted bool
	err = s.db.executeWithRetry(ctx, func(ctx context.Context) error {
		ctx, cancel := s.db.withTimeout(ctx)
		defer cancel()

		tag, err := s.db.Pool.Exec(ctx, insertEventSQL,
			evt.ID, evt.PubKey, evt.Kind, int64(evt.CreatedAt),
			evt.Content, tags, evt.Sig, delegator)
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		s.db.recordError("insert_failed", err)
		return false, fmt.Errorf("failed to insert event: %w", err)
	}

	s.db.markStored(evt.ID)
	metrics.DBOperations.WithLabelValues("insert").Inc()
	return inserted, nil
}

// Upsert stores a replaceable or addressable event and soft-deletes every
// other live version of the same owner and kind (and d tag), keeping the
// newest. Ties on created_at keep the lowest id.
func (s *EventStore) Upsert(ctx context.Context, evt *nostr.Event, delegator string) (bool, error) {
	if !s.db.isConnected() {
		return false, fmt.Errorf("database is not connected")
	}

	tags, err := encodeTags(evt.Tags)
	if err != nil {
		return false, err
	}

	owner := evt.PubKey
	if delegator != "" {
		owner = delegator
	}

	scope := ownerExpr + ` = $1 AND kind = $2 AND deleted_at IS NULL`
	scopeArgs := []interface{}{owner, evt.Kind}
	if nips.IsAddressable(evt.Kind) {
		scope += ` AND tags @> $3`
		scopeArgs = append(scopeArgs, [][]string{{"d", nips.DTag(evt)}})
	}
	supersede := `UPDATE events SET deleted_at = now() WHERE ` + scope +
		` AND id <> (SELECT id FROM events WHERE ` + scope + ` ORDER BY created_at DESC, id ASC LIMIT 1)`

	var inserted bool
	err = s.db.executeWithRetry(ctx, func(ctx context.Context) error {
		ctx, cancel := s.db.withTimeout(ctx)
		defer cancel()

		return pgx.BeginFunc(ctx, s.db.Pool, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, insertEventSQL,
				evt.ID, evt.PubKey, evt.Kind, int64(evt.CreatedAt),
				evt.Content, tags, evt.Sig, delegator)
			if err != nil {
				return err
			}
			inserted = tag.RowsAffected() == 1
			if !inserted {
				return nil
			}
			_, err = tx.Exec(ctx, supersede, scopeArgs...)
			return err
		})
	})
	if err != nil {
		s.db.recordError("upsert_failed", err)
		return false, fmt.Errorf("failed to upsert event: %w", err)
	}

	s.db.markStored(evt.ID)
	metrics.DBOperations.WithLabelValues("upsert").Inc()
	return inserted, nil
}

// DeleteByAuthor soft-deletes the listed ids owned by pubkey, directly or
// through delegation.
func (s *EventStore) DeleteByAuthor(ctx context.Context, pubkey string, ids []string) (int64, error) {
	if !s.db.isConnected() {
		return 0, fmt.Errorf("database is not connected")
	}
	if len(ids) == 0 {
		return 0, nil
	}

	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE events SET deleted_at = now()
		 WHERE id = ANY($1::text[]) AND `+ownerExpr+` = $2 AND deleted_at IS NULL`,
		ids, pubkey)
	if err != nil {
		s.db.recordError("delete_failed", err)
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}

	metrics.DBOperations.WithLabelValues("delete").Inc()
	return tag.RowsAffected(), nil
}

// EventExists reports whether id is stored, deleted or not.
func (s *EventStore) EventExists(ctx context.Context, id string) (bool, error) {
	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	var exists bool
	err := s.db.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM events WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		s.db.recordError("exists_failed", err)
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return exists, nil
}

// SoftDeleteExpired marks events whose NIP-40 expiration tag is at or before
// now as deleted.
func (s *EventStore) SoftDeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if !s.db.isConnected() {
		return 0, fmt.Errorf("database is not connected")
	}

	ctx, cancel := s.db.withTimeout(ctx)
	defer cancel()

	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE events SET deleted_at = now()
		WHERE deleted_at IS NULL AND EXISTS (
			SELECT 1 FROM jsonb_array_elements(tags) AS tag
			WHERE tag->>0 = 'expiration'
			AND tag->>1 ~ '^[0-9]+$'
			AND (tag->>1)::BIGINT <= $1
		)`, now.Unix())
	if err != nil {
		s.db.recordError("expire_failed", err)
		return 0, fmt.Errorf("failed to expire events: %w", err)
	}

	metrics.DBOperations.WithLabelValues("expire").Inc()
	return tag.RowsAffected(), nil
}

// CountEvents returns the number of live events.
func (s *EventStore) CountEvents(ctx context.Context) (int64, error) {
	if !s.db.isConnected() {
		return 0, fmt.Errorf("database is not connected")
	}

	var count int64
	err := s.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM events WHERE deleted_at IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get total event count: %w", err)
	}
	return count, nil
}

func encodeTags(tags nostr.Tags) ([]byte, error) {
	if tags == nil {
		tags = nostr.Tags{}
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tags: %w", err)
	}
	return raw, nil
}
