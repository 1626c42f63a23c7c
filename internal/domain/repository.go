package domain

import (
	"context"
	"time"

	"github.com/Shugur-Network/inbox-relay/internal/filters"
	"github.com/Shugur-Network/inbox-relay/internal/stream"
	nostr "github.com/nbd-wtf/go-nostr"
)

// StoredEvent is an event as persisted, with its soft delete marker and
// the delegating pubkey of NIP-26 events.
type StoredEvent struct {
	nostr.Event
	Delegator string
	DeletedAt *time.Time
}

// EventCursor is a lazy sequence of stored events.
type EventCursor = stream.Iterator[StoredEvent]

// EventRepository is the event store used by strategies and the replay
// pipeline.
type EventRepository interface {
	// FindByFilters returns the events matching any filter, oldest first,
	// including soft-deleted ones.
	FindByFilters(ctx context.Context, fs []filters.Filter) (EventCursor, error)
	// Create inserts evt. inserted is false when the id is already stored.
	Create(ctx context.Context, evt *nostr.Event, delegator string) (inserted bool, err error)
	// Upsert stores a replaceable or addressable event, soft-deleting older
	// versions owned by the same author (or delegator).
	Upsert(ctx context.Context, evt *nostr.Event, delegator string) (inserted bool, err error)
	// DeleteByAuthor soft-deletes the listed ids that pubkey owns.
	DeleteByAuthor(ctx context.Context, pubkey string, ids []string) (int64, error)
}

// User is a registered pubkey.
type User struct {
	Pubkey     string
	IsAdmitted bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// UserRepository looks up users. A missing user is (nil, nil).
type UserRepository interface {
	FindByPubkey(ctx context.Context, pubkey string) (*User, error)
}

// Cache is the key existence check used as an authorization source.
type Cache interface {
	HasKey(ctx context.Context, key string) (bool, error)
}
