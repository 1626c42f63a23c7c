package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Shugur-Network/inbox-relay/internal/domain"
	"github.com/jackc/pgx/v5"
	nostr "github.com/nbd-wtf/go-nostr"
)

// rowCursor adapts pgx.Rows to domain.EventCursor. One row is scanned per
// Next, so a slow consumer leaves the remaining rows on the server.
type rowCursor struct {
	rows   pgx.Rows
	cur    domain.StoredEvent
	err    error
	closed bool
}

func newRowCursor(rows pgx.Rows) *rowCursor {
	return &rowCursor{rows: rows}
}

func (c *rowCursor) Next(ctx context.Context) bool {
	if c.closed || c.err != nil || c.rows == nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}
	if !c.rows.Next() {
		c.err = c.rows.Err()
		return false
	}

	rec, err := scanStoredEvent(c.rows)
	if err != nil {
		c.err = err
		return false
	}
	c.cur = rec
	return true
}

func (c *rowCursor) Value() domain.StoredEvent { return c.cur }

func (c *rowCursor) Err() error { return c.err }

func (c *rowCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.rows != nil {
		c.rows.Close()
	}
	return nil
}

// scanStoredEvent reads one row selected with eventColumns
func scanStoredEvent(row pgx.Row) (domain.StoredEvent, error) {
	var (
		rec       domain.StoredEvent
		createdAt int64
		rawTags   []byte
		deletedAt *time.Time
	)

	err := row.Scan(&rec.ID, &rec.PubKey, &rec.Kind, &createdAt, &rec.Content,
		&rawTags, &rec.Sig, &rec.Delegator, &deletedAt)
	if err != nil {
		return rec, fmt.Errorf("failed to scan event: %w", err)
	}

	rec.CreatedAt = nostr.Timestamp(createdAt)
	rec.DeletedAt = deletedAt
	if len(rawTags) > 0 {
		if err := json.Unmarshal(rawTags, &rec.Tags); err != nil {
			return rec, fmt.Errorf("failed to decode tags of %s: %w", rec.ID, err)
		}
	}
	if rec.Tags == nil {
		rec.Tags = nostr.Tags{}
	}
	return rec, nil
}
