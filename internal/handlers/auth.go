package handlers

import (
	"context"
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

// AuthChallengeTTL is how long a challenge can be answered after it was
// issued.
const AuthChallengeTTL = 10 * time.Minute

const (
	authSucceededMessage = "authentication: succeeded"
	authFailedMessage    = "authentication: failed"
)

// AuthEventMessageHandler rate limits AUTH messages and runs the signed
// auth strategy.
type AuthEventMessageHandler struct {
	conn     domain.Connection
	strategy domain.EventStrategy
	limiter  limiter.Factory
	settings config.Provider
	log      *zap.Logger
}

func (h *AuthEventMessageHandler) HandleMessage(ctx context.Context, msg protocol.Message) error {
	m, ok := msg.(protocol.AuthMessage)
	if !ok {
		return unexpectedMessage("AUTH", msg)
	}
	if !acquire(h.limiter, h.conn.RemoteAddr(), "auth", h.settings().Auth.RateLimits) {
		metrics.AuthAttempts.WithLabelValues("failed").Inc()
		return h.conn.Emit(ctx, protocol.NewCommandResult(m.Event.ID, false,
			apperrors.RateLimitError("auth").ClientMessage()))
	}
	return h.strategy.Execute(ctx, m.Event)
}

// SignedAuthStrategy is the NIP-42 handshake. A connection becomes
// authenticated when the event answers its pending challenge within
// AuthChallengeTTL and the pubkey is authorized. A failed attempt changes
// nothing except that a fresh challenge is issued.
type SignedAuthStrategy struct {
	conn     domain.Connection
	source   AuthorizationSource
	settings config.Provider
	now      func() time.Time
	log      *zap.Logger
}

func (s *SignedAuthStrategy) Execute(ctx context.Context, evt *nostr.Event) error {
	challenge, issuedAt := s.conn.AuthChallenge()

	verifier := nips.AuthVerifier{RelayURL: s.settings().Relay.PublicURL}
	verified := verifier.Verify(evt, challenge)
	withinBounds := issuedAt.Add(AuthChallengeTTL).After(s.now())

	authorized := false
	if verified && withinBounds {
		authorized = s.isAuthorized(ctx, evt.PubKey)
	}

	if verified && withinBounds && authorized {
		s.conn.SetAuthenticated(evt.PubKey)
		metrics.AuthAttempts.WithLabelValues("succeeded").Inc()
		s.log.Info("client authenticated", zap.String("pubkey", evt.PubKey))
		return s.conn.Emit(ctx, protocol.NewCommandResult(evt.ID, true, authSucceededMessage))
	}

	metrics.AuthAttempts.WithLabelValues("failed").Inc()
	s.log.Debug("authentication failed",
		zap.String("pubkey", evt.PubKey),
		zap.Bool("verified", verified),
		zap.Bool("within_bounds", withinBounds),
		zap.Bool("authorized", authorized))

	if err := s.conn.Emit(ctx, protocol.NewCommandResult(evt.ID, false, authFailedMessage)); err != nil {
		return err
	}
	return s.renewChallenge(ctx)
}

func (s *SignedAuthStrategy) isAuthorized(ctx context.Context, pubkey string) bool {
	if s.source == nil {
		return false
	}
	ok, err := s.source.IsAuthorized(ctx, pubkey)
	if err != nil {
		apperrors.Log(s.log, "authorization lookup failed",
			apperrors.AuthenticationError("authorization lookup").WithDetails(err.Error()),
			zap.String("pubkey", pubkey))
		return false
	}
	return ok
}

func (s *SignedAuthStrategy) renewChallenge(ctx context.Context) error {
	challenge, err := s.conn.RenewAuthChallenge()
	if err != nil {
		apperrors.Log(s.log, "failed to renew auth challenge", apperrors.InternalError("renew challenge", err))
		return nil
	}
	return s.conn.Emit(ctx, protocol.NewAuthChallenge(challenge))
}
