// Package handlers turns decoded client messages into relay behavior:
// event strategies, the NIP-42 handshake, subscription admission and
// stored event replay.
package handlers

import (
	"time"

	"github.com/Shugur-Network/inbox-relay/internal/config"
	"github.com/Shugur-Network/inbox-relay/internal/domain"
	apperrors "github.com/Shugur-Network/inbox-relay/internal/errors"
	"github.com/Shugur-Network/inbox-relay/internal/limiter"
	"github.com/Shugur-Network/inbox-relay/internal/logger"
	"github.com/Shugur-Network/inbox-relay/internal/protocol"
	"github.com/Shugur-Network/inbox-relay/internal/relay/nips"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// StrategyKind names the ways an inbound event can be processed.
type StrategyKind int

const (
	StrategyDefault StrategyKind = iota
	StrategyDelegated
	StrategySignedAuth
)

func (k StrategyKind) String() string {
	switch k {
	case StrategyDefault:
		return "default"
	case StrategyDelegated:
		return "delegated"
	case StrategySignedAuth:
		return "signed_auth"
	default:
		return "unknown"
	}
}

// Deps are the collaborators shared by every handler the Router builds.
type Deps struct {
	Events        domain.EventRepository
	Users         domain.UserRepository
	Authorization AuthorizationSource
	Limiter       limiter.Factory
	Settings      config.Provider
	Feed          domain.LiveFeed
	// Now defaults to time.Now.
	Now func() time.Time
	// Logger defaults to the "handlers" component logger.
	Logger *zap.Logger
}

// Router builds a fresh handler for every inbound message.
type Router struct {
	deps Deps
}

func NewRouter(deps Deps) *Router {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = logger.New("handlers")
	}
	if deps.Feed == nil {
		deps.Feed = nopFeed{}
	}
	return &Router{deps: deps}
}

// Dispatch selects the handler for msg. Unrecognised messages fail with an
// UnknownMessageType error; the connection stays usable.
func (r *Router) Dispatch(msg protocol.Message, conn domain.Connection) (domain.MessageHandler, error) {
	switch m := msg.(type) {
	case protocol.EventMessage:
		if nips.IsDelegated(m.Event) {
			return &DelegatedEventMessageHandler{
				EventMessageHandler: r.eventHandler(conn, StrategyDelegated),
			}, nil
		}
		return r.eventHandler(conn, StrategyDefault), nil
	case protocol.ReqMessage:
		return &SubscribeMessageHandler{
			conn:     conn,
			events:   r.deps.Events,
			settings: r.deps.Settings,
			now:      r.deps.Now,
			log:      r.connLogger(conn),
		}, nil
	case protocol.CloseMessage:
		return &UnsubscribeMessageHandler{conn: conn}, nil
	case protocol.AuthMessage:
		return &AuthEventMessageHandler{
			conn:     conn,
			strategy: r.ResolveStrategy(StrategySignedAuth, conn),
			limiter:  r.deps.Limiter,
			settings: r.deps.Settings,
			log:      r.connLogger(conn),
		}, nil
	case protocol.UnknownMessage:
		return nil, apperrors.UnknownMessageType(m.Tag)
	default:
		return nil, apperrors.UnknownMessageType(msg.Type().String())
	}
}

// ResolveStrategy builds the strategy for kind, bound to conn.
func (r *Router) ResolveStrategy(kind StrategyKind, conn domain.Connection) domain.EventStrategy {
	switch kind {
	case StrategyDelegated:
		return &DelegatedEventStrategy{store: r.store(conn, kind)}
	case StrategySignedAuth:
		return &SignedAuthStrategy{
			conn:     conn,
			source:   r.deps.Authorization,
			settings: r.deps.Settings,
			now:      r.deps.Now,
			log:      r.connLogger(conn),
		}
	default:
		return &DefaultEventStrategy{store: r.store(conn, kind)}
	}
}

func (r *Router) store(conn domain.Connection, kind StrategyKind) eventStore {
	return eventStore{
		conn:   conn,
		events: r.deps.Events,
		feed:   r.deps.Feed,
		now:    r.deps.Now,
		label:  kind.String(),
		log:    r.connLogger(conn),
	}
}

func (r *Router) eventHandler(conn domain.Connection, kind StrategyKind) *EventMessageHandler {
	return &EventMessageHandler{
		conn:     conn,
		strategy: r.ResolveStrategy(kind, conn),
		kind:     kind,
		users:    r.deps.Users,
		limiter:  r.deps.Limiter,
		settings: r.deps.Settings,
		now:      r.deps.Now,
		log:      r.connLogger(conn),
	}
}

func (r *Router) connLogger(conn domain.Connection) *zap.Logger {
	return r.deps.Logger.With(zap.String("client_id", conn.ClientID()))
}

type nopFeed struct{}

func (nopFeed) Publish(*nostr.Event) {}
