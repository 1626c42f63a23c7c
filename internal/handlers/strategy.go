package handlers

import (
	"context"
	"time"

	"github.com/Shugur-Network/inbox-relay/internal/domain"
	apperrors "github.com/Shugur-Network/inbox-relay/internal/errors"
	"github.com/Shugur-Network/inbox-relay/internal/metrics"
	"github.com/Shugur-Network/inbox-relay/internal/protocol"
	"github.com/Shugur-Network/inbox-relay/internal/relay/nips"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

const duplicateEventMessage = "duplicate: already have this event"

// eventStore applies the NIP-01/09/16 storage rules to an accepted event
// and reports the outcome to the client.
type eventStore struct {
	conn   domain.Connection
	events domain.EventRepository
	feed   domain.LiveFeed
	now    func() time.Time
	label  string
	log    *zap.Logger
}

func (s eventStore) process(ctx context.Context, evt *nostr.Event, delegator string) error {
	if nips.IsEphemeral(evt.Kind) {
		s.feed.Publish(evt)
		s.record("ephemeral")
		return s.result(ctx, evt, true, "")
	}

	var (
		inserted bool
		err      error
	)
	switch {
	case nips.IsDeletion(evt):
		inserted, err = s.delete(ctx, evt, delegator)
	case nips.IsReplaceable(evt.Kind), nips.IsAddressable(evt.Kind):
		inserted, err = s.events.Upsert(ctx, evt, delegator)
	default:
		inserted, err = s.events.Create(ctx, evt, delegator)
	}

	if err != nil {
		appErr := apperrors.DatabaseError("store event", err)
		apperrors.Log(s.log, "failed to store event", appErr, zap.String("event_id", evt.ID))
		s.record("failed")
		return s.result(ctx, evt, false, appErr.ClientMessage())
	}
	if !inserted {
		s.record("duplicate")
		return s.result(ctx, evt, true, duplicateEventMessage)
	}

	s.feed.Publish(evt)
	s.record("stored")
	return s.result(ctx, evt, true, "")
}

// delete soft-deletes the referenced events owned by the author (or the
// delegator) and then stores the deletion itself.
func (s eventStore) delete(ctx context.Context, evt *nostr.Event, delegator string) (bool, error) {
	owner := evt.PubKey
	if delegator != "" {
		owner = delegator
	}
	if targets := nips.DeletionTargets(evt); len(targets) > 0 {
		n, err := s.events.DeleteByAuthor(ctx, owner, targets)
		if err != nil {
			return false, err
		}
		s.log.Debug("soft-deleted events",
			zap.String("event_id", evt.ID),
			zap.Int64("count", n))
	}
	return s.events.Create(ctx, evt, delegator)
}

func (s eventStore) result(ctx context.Context, evt *nostr.Event, accepted bool, message string) error {
	return s.conn.Emit(ctx, protocol.NewCommandResult(evt.ID, accepted, message))
}

func (s eventStore) record(outcome string) {
	metrics.EventsProcessed.WithLabelValues(s.label, outcome).Inc()
}

// DefaultEventStrategy stores an event signed by its author.
type DefaultEventStrategy struct {
	store eventStore
}

func (s *DefaultEventStrategy) Execute(ctx context.Context, evt *nostr.Event) error {
	return s.store.process(ctx, evt, "")
}

// DelegatedEventStrategy stores a NIP-26 event on behalf of its delegator.
// The delegation must already be verified.
type DelegatedEventStrategy struct {
	store eventStore
}

func (s *DelegatedEventStrategy) Execute(ctx context.Context, evt *nostr.Event) error {
	d, ok := nips.ParseDelegation(evt)
	if !ok {
		s.store.record("rejected")
		return s.store.result(ctx, evt, false, "invalid: missing delegation tag")
	}
	return s.store.process(ctx, evt, d.Delegator)
}
