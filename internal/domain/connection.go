package domain

import (
	"context"
	"time"

	"github.com/Shugur-Network/inbox-relay/internal/filters"
	"github.com/Shugur-Network/inbox-relay/internal/protocol"
)

// Connection is the per-client state handlers read and mutate. It is owned
// by one websocket; handlers only touch the connection whose message they
// are processing.
type Connection interface {
	ClientID() string
	RemoteAddr() string

	// AuthChallenge returns the pending challenge and when it was issued.
	AuthChallenge() (challenge string, issuedAt time.Time)
	// RenewAuthChallenge replaces the pending challenge and returns the new one.
	RenewAuthChallenge() (string, error)
	SetAuthenticated(pubkey string)
	AuthPubkey() (string, bool)

	Subscriptions() map[string][]filters.Filter
	SubscriptionCount() int
	// AddSubscription registers or replaces subID. The returned context is
	// cancelled when the subscription is removed, replaced or the
	// connection closes.
	AddSubscription(subID string, fs []filters.Filter) context.Context
	// RemoveSubscription drops subID and cancels its replay. It reports
	// whether the id was registered.
	RemoveSubscription(subID string) bool
	// EndSubscription is RemoveSubscription for the owner of ctx, the
	// context AddSubscription returned. It does nothing once subID has been
	// replaced or removed.
	EndSubscription(ctx context.Context, subID string) bool

	// Emit writes msg and returns once it is on the wire, or fails when ctx
	// ends or the connection is closed.
	Emit(ctx context.Context, msg protocol.Outgoing) error
	// Go runs fn on a goroutine tied to the connection's lifetime.
	Go(fn func())
}

// ManagedConnection is a Connection the node can close on shutdown.
type ManagedConnection interface {
	Connection
	Close()
}

// ConnectionManager tracks live connections.
type ConnectionManager interface {
	RegisterConn(conn ManagedConnection)
	UnregisterConn(conn ManagedConnection)
	GetConnectionCount() int
}
