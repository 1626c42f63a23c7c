package protocol

import (
	"encoding/json"

	nostr "github.com/nbd-wtf/go-nostr"
)

// Outgoing is a relay-to-client message.
type Outgoing interface {
	// Label is the message tag, also used as a metrics label.
	Label() string
	json.Marshaler
}

// Notice is ["NOTICE", message].
type Notice struct {
	Message string
}

// OutgoingEvent is ["EVENT", subscriptionID, event].
type OutgoingEvent struct {
	SubscriptionID string
	Event          *nostr.Event
}

// EndOfStoredEvents is ["EOSE", subscriptionID].
type EndOfStoredEvents struct {
	SubscriptionID string
}

// CommandResult is ["OK", eventID, accepted, message].
type CommandResult struct {
	EventID  string
	Accepted bool
	Message  string
}

// AuthChallenge is ["AUTH", challenge].
type AuthChallenge struct {
	Challenge string
}

func (Notice) Label() string            { return "NOTICE" }
func (OutgoingEvent) Label() string     { return "EVENT" }
func (EndOfStoredEvents) Label() string { return "EOSE" }
func (CommandResult) Label() string     { return "OK" }
func (AuthChallenge) Label() string     { return "AUTH" }

func (m Notice) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{m.Label(), m.Message})
}

func (m OutgoingEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{m.Label(), m.SubscriptionID, m.Event})
}

func (m EndOfStoredEvents) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{m.Label(), m.SubscriptionID})
}

func (m CommandResult) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{m.Label(), m.EventID, m.Accepted, m.Message})
}

func (m AuthChallenge) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{m.Label(), m.Challenge})
}

// NewNotice builds a NOTICE.
func NewNotice(message string) Notice {
	return Notice{Message: message}
}

// NewOutgoingEvent builds an EVENT for subscription subID.
func NewOutgoingEvent(subID string, evt *nostr.Event) OutgoingEvent {
	return OutgoingEvent{SubscriptionID: subID, Event: evt}
}

// NewEndOfStoredEvents builds an EOSE for subscription subID.
func NewEndOfStoredEvents(subID string) EndOfStoredEvents {
	return EndOfStoredEvents{SubscriptionID: subID}
}

// NewCommandResult builds an OK.
func NewCommandResult(eventID string, accepted bool, message string) CommandResult {
	return CommandResult{EventID: eventID, Accepted: accepted, Message: message}
}

// NewAuthChallenge builds an AUTH challenge.
func NewAuthChallenge(challenge string) AuthChallenge {
	return AuthChallenge{Challenge: challenge}
}
