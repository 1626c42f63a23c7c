package handlers

import (
	"context"

	"github.com/Shugur-Network/inbox-relay/internal/domain"
	"github.com/Shugur-Network/inbox-relay/internal/protocol"
)

// UnsubscribeMessageHandler drops a subscription and cancels its replay.
// Closing an unknown id is a no-op.
type UnsubscribeMessageHandler struct {
	conn domain.Connection
}

func (h *UnsubscribeMessageHandler) HandleMessage(_ context.Context, msg protocol.Message) error {
	m, ok := msg.(protocol.CloseMessage)
	if !ok {
		return unexpectedMessage("CLOSE", msg)
	}
	h.conn.RemoveSubscription(m.SubscriptionID)
	return nil
}
