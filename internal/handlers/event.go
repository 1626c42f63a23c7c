package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/Shugur-Network/inbox-relay/internal/config"
	"github.com/Shugur-Network/inbox-relay/internal/domain"
	apperrors "github.com/Shugur-Network/inbox-relay/internal/errors"
	"github.com/Shugur-Network/inbox-relay/internal/limiter"
	"github.com/Shugur-Network/inbox-relay/internal/metrics"
	"github.com/Shugur-Network/inbox-relay/internal/protocol"
	"github.com/Shugur-Network/inbox-relay/internal/relay/nips"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

const blockedMessage = "blocked: pubkey not admitted"

// EventMessageHandler validates an EVENT and hands it to its strategy.
type EventMessageHandler struct {
	conn     domain.Connection
	strategy domain.EventStrategy
	kind     StrategyKind
	users    domain.UserRepository
	limiter  limiter.Factory
	settings config.Provider
	now      func() time.Time
	log      *zap.Logger
}

func (h *EventMessageHandler) HandleMessage(ctx context.Context, msg protocol.Message) error {
	m, ok := msg.(protocol.EventMessage)
	if !ok {
		return unexpectedMessage("EVENT", msg)
	}
	return h.handle(ctx, m.Event, nil)
}

func (h *EventMessageHandler) handle(ctx context.Context, evt *nostr.Event, delegation *nips.Delegation) error {
	cfg := h.settings()

	if reason := checkEventSignature(evt); reason != "" {
		return h.reject(ctx, evt, reason)
	}

	owner := evt.PubKey
	if delegation != nil {
		if err := delegation.Verify(evt); err != nil {
			return h.reject(ctx, evt, "invalid: delegation "+err.Error())
		}
		owner = delegation.Delegator
	}

	if reason := h.checkLimits(evt, cfg.Limits.Event); reason != "" {
		return h.reject(ctx, evt, reason)
	}

	if cfg.Limits.Event.RequireAdmission {
		admitted, err := h.isAdmitted(ctx, owner)
		if err != nil {
			apperrors.Log(h.log, "admission lookup failed", apperrors.DatabaseError("find user", err),
				zap.String("pubkey", owner))
			return h.reject(ctx, evt, "error: could not check admission")
		}
		if !admitted {
			return h.reject(ctx, evt, blockedMessage)
		}
	}

	if !acquire(h.limiter, owner, "event", cfg.Limits.Event.RateLimits) {
		return h.reject(ctx, evt, apperrors.RateLimitError("event").ClientMessage())
	}

	return h.strategy.Execute(ctx, evt)
}

func (h *EventMessageHandler) checkLimits(evt *nostr.Event, limits config.EventLimits) string {
	if limits.MaxCreatedAtDrift > 0 {
		latest := h.now().Add(limits.MaxCreatedAtDrift)
		if evt.CreatedAt.Time().After(latest) {
			return fmt.Sprintf("invalid: created_at is more than %s in the future", limits.MaxCreatedAtDrift)
		}
	}
	if limits.MaxContentLength > 0 && len(evt.Content) > limits.MaxContentLength {
		return fmt.Sprintf("invalid: content is longer than %d bytes", limits.MaxContentLength)
	}
	if nips.IsExpiredAt(evt, h.now()) {
		return "invalid: event has expired"
	}
	return ""
}

func (h *EventMessageHandler) isAdmitted(ctx context.Context, pubkey string) (bool, error) {
	if h.users == nil {
		return false, nil
	}
	user, err := h.users.FindByPubkey(ctx, pubkey)
	if err != nil {
		return false, err
	}
	return user != nil && user.IsAdmitted, nil
}

func (h *EventMessageHandler) reject(ctx context.Context, evt *nostr.Event, reason string) error {
	metrics.EventsProcessed.WithLabelValues(h.kind.String(), "rejected").Inc()
	h.log.Debug("event rejected", zap.String("event_id", evt.ID), zap.String("reason", reason))
	return h.conn.Emit(ctx, protocol.NewCommandResult(evt.ID, false, reason))
}

// DelegatedEventMessageHandler is the EVENT handler for events carrying a
// NIP-26 delegation tag. The delegation is verified before the strategy runs.
type DelegatedEventMessageHandler struct {
	*EventMessageHandler
}

func (h *DelegatedEventMessageHandler) HandleMessage(ctx context.Context, msg protocol.Message) error {
	m, ok := msg.(protocol.EventMessage)
	if !ok {
		return unexpectedMessage("EVENT", msg)
	}
	d, ok := nips.ParseDelegation(m.Event)
	if !ok {
		return h.reject(ctx, m.Event, "invalid: missing delegation tag")
	}
	return h.handle(ctx, m.Event, d)
}

// checkEventSignature returns a rejection reason, or "" for a well formed
// event whose id and signature verify.
func checkEventSignature(evt *nostr.Event) string {
	if evt.GetID() != evt.ID {
		return "invalid: event id does not match content"
	}
	ok, err := evt.CheckSignature()
	if err != nil {
		return "invalid: " + err.Error()
	}
	if !ok {
		return "invalid: signature verification failed"
	}
	return ""
}

// acquire takes one slot from every configured window. Windows are keyed
// "<subject>:<operation>:<period>", where subject outlives the connection
// (the event owner or the client IP) so reconnecting does not reset it.
func acquire(f limiter.Factory, subject, operation string, limits []config.RateLimit) bool {
	if f == nil {
		return true
	}
	for _, l := range limits {
		key := fmt.Sprintf("%s:%s:%s", subject, operation, l.Period)
		if !f.Limiter(key, limiter.WindowConfig{Period: l.Period, Max: l.Rate}).TryAcquire() {
			metrics.RateLimited.WithLabelValues(operation).Inc()
			return false
		}
	}
	return true
}

func unexpectedMessage(want string, got protocol.Message) error {
	return apperrors.InternalError("dispatch",
		fmt.Errorf("%s handler received %s message", want, got.Type()))
}
