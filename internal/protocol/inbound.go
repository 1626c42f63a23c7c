// Package protocol defines the closed set of client and relay messages and
// their JSON array encoding.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/Shugur-Network/inbox-relay/internal/errors"
	"github.com/Shugur-Network/inbox-relay/internal/filters"
	nostr "github.com/nbd-wtf/go-nostr"
)

// MessageType is the discriminant of an inbound message.
type MessageType int

const (
	MessageTypeUnknown MessageType = iota
	MessageTypeEvent
	MessageTypeReq
	MessageTypeClose
	MessageTypeAuth
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeEvent:
		return "EVENT"
	case MessageTypeReq:
		return "REQ"
	case MessageTypeClose:
		return "CLOSE"
	case MessageTypeAuth:
		return "AUTH"
	default:
		return "UNKNOWN"
	}
}

// Message is one decoded client frame. The set of implementations is
// closed; switch on the concrete type.
type Message interface {
	Type() MessageType
	message()
}

// EventMessage is ["EVENT", event] with an optional trailing secret.
type EventMessage struct {
	Event *nostr.Event
	// Secret is validated as a string and carried for callers, but the
	// relay attaches no meaning to it: storage and admission depend on
	// Event alone.
	Secret string
}

// ReqMessage is ["REQ", subscriptionID, filter, ...].
type ReqMessage struct {
	SubscriptionID string
	Filters        []filters.Filter
}

// CloseMessage is ["CLOSE", subscriptionID].
type CloseMessage struct {
	SubscriptionID string
}

// AuthMessage is ["AUTH", event].
type AuthMessage struct {
	Event *nostr.Event
}

// UnknownMessage carries the tag of a frame that is a valid array but not
// a message this relay understands.
type UnknownMessage struct {
	Tag string
}

func (EventMessage) Type() MessageType   { return MessageTypeEvent }
func (ReqMessage) Type() MessageType     { return MessageTypeReq }
func (CloseMessage) Type() MessageType   { return MessageTypeClose }
func (AuthMessage) Type() MessageType    { return MessageTypeAuth }
func (UnknownMessage) Type() MessageType { return MessageTypeUnknown }

func (EventMessage) message()   {}
func (ReqMessage) message()     {}
func (CloseMessage) message()   {}
func (AuthMessage) message()    {}
func (UnknownMessage) message() {}

// Parse decodes a raw frame. Frames that are not JSON arrays, or whose
// known tag has the wrong arity or payload, fail with a malformed message
// error. An unrecognised tag is not an error here; it yields UnknownMessage.
func Parse(raw []byte) (Message, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, errors.MalformedMessage("invalid: message must be a JSON array", err)
	}
	if len(arr) == 0 {
		return nil, errors.MalformedMessage("invalid: empty message", nil)
	}

	var tag string
	if err := json.Unmarshal(arr[0], &tag); err != nil {
		return UnknownMessage{Tag: string(arr[0])}, nil
	}

	switch tag {
	case "EVENT":
		return parseEvent(arr)
	case "REQ":
		return parseReq(arr)
	case "CLOSE":
		return parseClose(arr)
	case "AUTH":
		return parseAuth(arr)
	default:
		return UnknownMessage{Tag: tag}, nil
	}
}

func parseEvent(arr []json.RawMessage) (Message, error) {
	if len(arr) < 2 || len(arr) > 3 {
		return nil, errors.MalformedMessage("invalid: EVENT expects an event", nil)
	}
	evt, err := decodeEvent(arr[1])
	if err != nil {
		return nil, err
	}
	msg := EventMessage{Event: evt}
	if len(arr) == 3 {
		if err := json.Unmarshal(arr[2], &msg.Secret); err != nil {
			return nil, errors.MalformedMessage("invalid: EVENT secret must be a string", err)
		}
	}
	return msg, nil
}

func parseReq(arr []json.RawMessage) (Message, error) {
	if len(arr) < 3 {
		return nil, errors.MalformedMessage("invalid: REQ expects a subscription id and at least one filter", nil)
	}
	subID, err := decodeSubscriptionID(arr[1], "REQ")
	if err != nil {
		return nil, err
	}
	msg := ReqMessage{SubscriptionID: subID, Filters: make([]filters.Filter, 0, len(arr)-2)}
	for _, rawFilter := range arr[2:] {
		f, err := filters.Parse(rawFilter)
		if err != nil {
			return nil, errors.MalformedMessage(fmt.Sprintf("invalid: %s", err.Error()), err)
		}
		msg.Filters = append(msg.Filters, f)
	}
	return msg, nil
}

func parseClose(arr []json.RawMessage) (Message, error) {
	if len(arr) != 2 {
		return nil, errors.MalformedMessage("invalid: CLOSE expects a subscription id", nil)
	}
	subID, err := decodeSubscriptionID(arr[1], "CLOSE")
	if err != nil {
		return nil, err
	}
	return CloseMessage{SubscriptionID: subID}, nil
}

func parseAuth(arr []json.RawMessage) (Message, error) {
	if len(arr) != 2 {
		return nil, errors.MalformedMessage("invalid: AUTH expects an event", nil)
	}
	evt, err := decodeEvent(arr[1])
	if err != nil {
		return nil, err
	}
	return AuthMessage{Event: evt}, nil
}

func decodeEvent(raw json.RawMessage) (*nostr.Event, error) {
	var evt nostr.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, errors.MalformedMessage("invalid: could not decode event", err)
	}
	return &evt, nil
}

func decodeSubscriptionID(raw json.RawMessage, command string) (string, error) {
	var subID string
	if err := json.Unmarshal(raw, &subID); err != nil || subID == "" {
		return "", errors.MalformedMessage(
			fmt.Sprintf("invalid: %s subscription id must be a non-empty string", command), err)
	}
	return subID, nil
}
