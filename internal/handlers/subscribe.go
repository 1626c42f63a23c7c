package handlers

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/Shugur-Network/inbox-relay/internal/config"
	"github.com/Shugur-Network/inbox-relay/internal/domain"
	apperrors "github.com/Shugur-Network/inbox-relay/internal/errors"
	"github.com/Shugur-Network/inbox-relay/internal/filters"
	"github.com/Shugur-Network/inbox-relay/internal/metrics"
	"github.com/Shugur-Network/inbox-relay/internal/protocol"
	"github.com/Shugur-Network/inbox-relay/internal/stream"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// SubscribeMessageHandler admits a REQ, registers it on the connection and
// replays the matching stored events followed by EOSE.
type SubscribeMessageHandler struct {
	conn     domain.Connection
	events   domain.EventRepository
	settings config.Provider
	now      func() time.Time
	log      *zap.Logger
}

func (h *SubscribeMessageHandler) HandleMessage(ctx context.Context, msg protocol.Message) error {
	m, ok := msg.(protocol.ReqMessage)
	if !ok {
		return unexpectedMessage("REQ", msg)
	}
	subID := m.SubscriptionID

	fs := filters.Dedupe(m.Filters)
	expiresAt := nostr.Timestamp(h.now().Unix())
	for i := range fs {
		fs[i].ExpiresAt = expiresAt
	}

	if check, reason := h.canSubscribe(subID, fs, h.settings()); reason != "" {
		metrics.SubscriptionRejections.WithLabelValues(check).Inc()
		h.log.Debug("subscription rejected",
			zap.String("subscription_id", subID),
			zap.String("reason", reason))
		return h.conn.Emit(ctx, protocol.NewNotice("Subscription rejected: "+reason))
	}

	subCtx := h.conn.AddSubscription(subID, fs)
	h.conn.Go(func() {
		h.replay(subCtx, subID, fs)
	})
	return nil
}

// canSubscribe runs the admission checks in order and returns the failing
// check and its reason, or an empty reason to admit.
func (h *SubscribeMessageHandler) canSubscribe(subID string, fs []filters.Filter, cfg *config.Config) (check, reason string) {
	limits := cfg.Limits.Subscription
	existing := h.conn.Subscriptions()[subID]

	if len(existing) > 0 && filters.SameSet(existing, fs) {
		return "duplicate", fmt.Sprintf("Duplicate subscription %s: Ignoring", subID)
	}

	if limits.MaxSubscriptions > 0 && len(existing) == 0 &&
		h.conn.SubscriptionCount()+1 > limits.MaxSubscriptions {
		return "max_subscriptions", fmt.Sprintf(
			"Too many subscriptions: Number of subscriptions must be less than or equal to %d",
			limits.MaxSubscriptions)
	}

	if limits.MaxFilters > 0 && len(fs) > limits.MaxFilters {
		return "max_filters", fmt.Sprintf(
			"Too many filters: Number of filters per subscription must be less than or equal to %d",
			limits.MaxFilters)
	}

	if limits.MaxSubscriptionIDLength > 0 && utf8.RuneCountInString(subID) > limits.MaxSubscriptionIDLength {
		return "id_length", fmt.Sprintf(
			"Subscription ID too long: Subscription ID must be less or equal to %d",
			limits.MaxSubscriptionIDLength)
	}

	pubkey, authed := h.conn.AuthPubkey()
	identity := Identity{Pubkey: pubkey, Authenticated: authed}
	for _, rule := range RulesFromConfig(limits) {
		if reason := rule.Check(identity, subID, fs); reason != "" {
			return "rule", reason
		}
	}
	return "", ""
}

func (h *SubscribeMessageHandler) replay(ctx context.Context, subID string, fs []filters.Filter) {
	log := h.log.With(zap.String("subscription_id", subID))
	err := h.streamStored(ctx, subID, fs)

	switch {
	case err == nil:
		metrics.Replays.WithLabelValues("completed").Inc()
	case apperrors.IsCancellation(err), apperrors.IsConnectionLost(err), ctx.Err() != nil,
		!h.conn.EndSubscription(ctx, subID):
		// Closed, replaced or disconnected while streaming: nobody is
		// waiting for this replay any more.
		metrics.Replays.WithLabelValues("cancelled").Inc()
		log.Debug("replay stopped", zap.Error(apperrors.CancelledError(subID, err)))
	default:
		metrics.Replays.WithLabelValues("failed").Inc()
		appErr := apperrors.StreamingError(subID, err)
		apperrors.Log(log, "replay failed", appErr)
		if emitErr := h.conn.Emit(context.WithoutCancel(ctx), protocol.NewNotice(appErr.ClientMessage())); emitErr != nil {
			log.Debug("could not report replay failure", zap.Error(emitErr))
		}
	}
}

// streamStored pulls one stored event at a time, so a slow client slows
// down the query instead of growing a buffer.
func (h *SubscribeMessageHandler) streamStored(ctx context.Context, subID string, fs []filters.Filter) error {
	cursor, err := h.events.FindByFilters(ctx, fs)
	if err != nil {
		return err
	}

	live := stream.Filter(cursor, func(e domain.StoredEvent) bool {
		return e.DeletedAt == nil
	})
	events := stream.Map(live, func(e domain.StoredEvent) (*nostr.Event, error) {
		evt := e.Event
		return &evt, nil
	})
	matching := stream.Filter(events, func(evt *nostr.Event) bool {
		return filters.MatchesAny(fs, evt)
	})

	return stream.Each(ctx, matching,
		func(evt *nostr.Event) error {
			if err := h.conn.Emit(ctx, protocol.NewOutgoingEvent(subID, evt)); err != nil {
				return err
			}
			metrics.EventsReplayed.Inc()
			return nil
		},
		func() error {
			return h.conn.Emit(ctx, protocol.NewEndOfStoredEvents(subID))
		},
	)
}
