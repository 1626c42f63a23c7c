package domain

import (
	"context"

	"github.com/Shugur-Network/inbox-relay/internal/protocol"
	nostr "github.com/nbd-wtf/go-nostr"
)

// MessageHandler processes one inbound message for the connection it was
// built for.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg protocol.Message) error
}

// EventStrategy validates, persists and acknowledges an event. Outcomes are
// reported to the client through the connection.
type EventStrategy interface {
	Execute(ctx context.Context, evt *nostr.Event) error
}

// LiveFeed forwards accepted events to live subscriptions.
type LiveFeed interface {
	Publish(evt *nostr.Event)
}
