package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Shugur-Network/inbox-relay/internal/config"
	"github.com/Shugur-Network/inbox-relay/internal/protocol"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func directMessage(t *testing.T, from keypair, to string) *nostr.Event {
	t.Helper()
	return from.sign(t, nostr.Event{
		Kind:    4,
		Content: "ciphertext?iv=abc",
		Tags:    nostr.Tags{{"p", to}},
	})
}

func TestEventStored(t *testing.T) {
	k := newKeypair(t)
	f := newFixture(t)
	evt := directMessage(t, k, "recipient")

	require.NoError(t, f.handle(t, protocol.EventMessage{Event: evt}))

	assert.Equal(t, protocol.NewCommandResult(evt.ID, true, ""), f.conn.lastResult(t))
	assert.Contains(t, f.events.stored, evt.ID)
	assert.Equal(t, []*nostr.Event{evt}, f.feed.events)
}

func TestEventDuplicate(t *testing.T) {
	k := newKeypair(t)
	f := newFixture(t)
	evt := directMessage(t, k, "recipient")

	require.NoError(t, f.handle(t, protocol.EventMessage{Event: evt}))
	require.NoError(t, f.handle(t, protocol.EventMessage{Event: evt}))

	assert.Equal(t, protocol.NewCommandResult(evt.ID, true, duplicateEventMessage), f.conn.lastResult(t))
	assert.Len(t, f.feed.events, 1)
}

func TestEventRejections(t *testing.T) {
	k := newKeypair(t)

	tests := []struct {
		name   string
		setup  func(f *fixture)
		evt    func() *nostr.Event
		reason string
	}{
		{
			name: "tampered content",
			evt: func() *nostr.Event {
				evt := directMessage(t, k, "r")
				evt.Content = "changed"
				return evt
			},
			reason: "invalid: event id does not match content",
		},
		{
			name: "bad signature",
			evt: func() *nostr.Event {
				evt := directMessage(t, k, "r")
				evt.Sig = strings.Repeat("0", 128)
				return evt
			},
			reason: "invalid: ",
		},
		{
			name: "created too far in the future",
			evt: func() *nostr.Event {
				return k.sign(t, nostr.Event{Kind: 4, CreatedAt: nostr.Timestamp(time.Now().Add(time.Hour).Unix())})
			},
			reason: "invalid: created_at is more than 15m0s in the future",
		},
		{
			name: "content too long",
			evt: func() *nostr.Event {
				return k.sign(t, nostr.Event{Kind: 4, Content: strings.Repeat("a", 2048)})
			},
			reason: "invalid: content is longer than 1024 bytes",
		},
		{
			name: "expired",
			evt: func() *nostr.Event {
				return k.sign(t, nostr.Event{Kind: 4, Tags: nostr.Tags{{"expiration", "1000"}}})
			},
			reason: "invalid: event has expired",
		},
		{
			name:   "not admitted",
			setup:  func(f *fixture) { f.cfg.Limits.Event.RequireAdmission = true },
			evt:    func() *nostr.Event { return directMessage(t, k, "r") },
			reason: blockedMessage,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			evt := tt.evt()

			require.NoError(t, f.handle(t, protocol.EventMessage{Event: evt}))

			res := f.conn.lastResult(t)
			assert.False(t, res.Accepted)
			assert.True(t, strings.HasPrefix(res.Message, tt.reason), res.Message)
			assert.Empty(t, f.events.stored)
		})
	}
}

func TestEventAdmittedAuthor(t *testing.T) {
	k := newKeypair(t)
	f := newFixture(t, func(d *Deps) { d.Users = admitted(k.pk) })
	f.cfg.Limits.Event.RequireAdmission = true
	evt := directMessage(t, k, "r")

	require.NoError(t, f.handle(t, protocol.EventMessage{Event: evt}))
	assert.True(t, f.conn.lastResult(t).Accepted)
}

func TestEventSecretIsIgnored(t *testing.T) {
	k := newKeypair(t)
	f := newFixture(t)
	evt := directMessage(t, k, "recipient")

	require.NoError(t, f.handle(t, protocol.EventMessage{Event: evt, Secret: "s3cret"}))

	assert.Equal(t, protocol.NewCommandResult(evt.ID, true, ""), f.conn.lastResult(t))
	assert.Len(t, f.events.stored, 1)
}

func TestEventRateLimited(t *testing.T) {
	k := newKeypair(t)
	f := newFixture(t)
	f.cfg.Limits.Event.RateLimits = []config.RateLimit{{Period: time.Minute, Rate: 1}}

	require.NoError(t, f.handle(t, protocol.EventMessage{Event: directMessage(t, k, "a")}))
	second := directMessage(t, k, "b")
	require.NoError(t, f.handle(t, protocol.EventMessage{Event: second}))

	assert.Equal(t, protocol.NewCommandResult(second.ID, false, "rate-limited: slow down"), f.conn.lastResult(t))
	assert.Len(t, f.events.stored, 1)
}

func TestEventRateLimitSurvivesReconnect(t *testing.T) {
	k := newKeypair(t)
	f := newFixture(t)
	f.cfg.Limits.Event.RateLimits = []config.RateLimit{{Period: time.Minute, Rate: 1}}

	require.NoError(t, f.handle(t, protocol.EventMessage{Event: directMessage(t, k, "a")}))
	f.reconnect(t)
	require.NotEqual(t, "client-1", f.conn.ClientID())
	second := directMessage(t, k, "b")
	require.NoError(t, f.handle(t, protocol.EventMessage{Event: second}))

	assert.Equal(t, protocol.NewCommandResult(second.ID, false, "rate-limited: slow down"), f.conn.lastResult(t))
	assert.Len(t, f.events.stored, 1)
}

func TestEventRateLimitIsPerAuthor(t *testing.T) {
	alice, bob := newKeypair(t), newKeypair(t)
	f := newFixture(t)
	f.cfg.Limits.Event.RateLimits = []config.RateLimit{{Period: time.Minute, Rate: 1}}

	require.NoError(t, f.handle(t, protocol.EventMessage{Event: directMessage(t, alice, "a")}))
	require.NoError(t, f.handle(t, protocol.EventMessage{Event: directMessage(t, bob, "b")}))

	assert.True(t, f.conn.lastResult(t).Accepted)
	assert.Len(t, f.events.stored, 2)
}

func TestEventStorageFailure(t *testing.T) {
	k := newKeypair(t)
	f := newFixture(t)
	f.events.saveErr = errBoom
	evt := directMessage(t, k, "r")

	require.NoError(t, f.handle(t, protocol.EventMessage{Event: evt}))

	assert.Equal(t, protocol.NewCommandResult(evt.ID, false, "error: unable to store event"), f.conn.lastResult(t))
	assert.Empty(t, f.feed.events)
}

func TestEphemeralEventNotStored(t *testing.T) {
	k := newKeypair(t)
	f := newFixture(t)
	evt := k.sign(t, nostr.Event{Kind: 20001, Content: "typing"})

	require.NoError(t, f.handle(t, protocol.EventMessage{Event: evt}))

	assert.True(t, f.conn.lastResult(t).Accepted)
	assert.Empty(t, f.events.stored)
	assert.Equal(t, []*nostr.Event{evt}, f.feed.events)
}

func TestDeletionEvent(t *testing.T) {
	k := newKeypair(t)
	f := newFixture(t)
	evt := k.sign(t, nostr.Event{Kind: 5, Tags: nostr.Tags{{"e", "target1"}, {"e", "target2"}}})

	require.NoError(t, f.handle(t, protocol.EventMessage{Event: evt}))

	assert.True(t, f.conn.lastResult(t).Accepted)
	assert.Equal(t, []string{"target1", "target2"}, f.events.deleted)
	assert.Contains(t, f.events.stored, evt.ID)
}

func TestReplaceableEventUpserted(t *testing.T) {
	k := newKeypair(t)
	f := newFixture(t)

	require.NoError(t, f.handle(t, protocol.EventMessage{Event: k.sign(t, nostr.Event{Kind: 0, Content: "{}"})}))
	require.NoError(t, f.handle(t, protocol.EventMessage{Event: k.sign(t, nostr.Event{Kind: 30000, Tags: nostr.Tags{{"d", "x"}}})}))

	assert.Equal(t, 2, f.events.upserts)
}

// delegationTag builds a NIP-26 tag signed by delegator for delegatee.
func delegationTag(t *testing.T, delegator keypair, delegatee, conditions string) nostr.Tag {
	t.Helper()
	skBytes, err := hex.DecodeString(delegator.sk)
	require.NoError(t, err)
	priv, _ := btcec.PrivKeyFromBytes(skBytes)
	h := sha256.Sum256([]byte(fmt.Sprintf("nostr:delegation:%s:%s", delegatee, conditions)))
	sig, err := schnorr.Sign(priv, h[:])
	require.NoError(t, err)
	return nostr.Tag{"delegation", delegator.pk, conditions, hex.EncodeToString(sig.Serialize())}
}

func TestDelegatedEventStored(t *testing.T) {
	delegator := newKeypair(t)
	delegatee := newKeypair(t)
	f := newFixture(t)

	evt := delegatee.sign(t, nostr.Event{
		Kind: 4,
		Tags: nostr.Tags{delegationTag(t, delegator, delegatee.pk, "kind=4"), {"p", "r"}},
	})
	h, err := f.router.Dispatch(protocol.EventMessage{Event: evt}, f.conn)
	require.NoError(t, err)
	require.IsType(t, &DelegatedEventMessageHandler{}, h)
	require.NoError(t, h.HandleMessage(t.Context(), protocol.EventMessage{Event: evt}))

	assert.Equal(t, protocol.NewCommandResult(evt.ID, true, ""), f.conn.lastResult(t))
	assert.Equal(t, delegator.pk, f.events.delegator[evt.ID])
}

func TestDelegatedEventRejected(t *testing.T) {
	delegator := newKeypair(t)
	delegatee := newKeypair(t)
	mallory := newKeypair(t)

	tests := []struct {
		name string
		tag  nostr.Tag
	}{
		{"kind not delegated", delegationTag(t, delegator, delegatee.pk, "kind=1")},
		{"token for someone else", delegationTag(t, delegator, mallory.pk, "kind=4")},
		{"expired", delegationTag(t, delegator, delegatee.pk, "kind=4&created_at<1000")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			evt := delegatee.sign(t, nostr.Event{Kind: 4, Tags: nostr.Tags{tt.tag}})

			require.NoError(t, f.handle(t, protocol.EventMessage{Event: evt}))

			res := f.conn.lastResult(t)
			assert.False(t, res.Accepted)
			assert.True(t, strings.HasPrefix(res.Message, "invalid: delegation"), res.Message)
			assert.Empty(t, f.events.stored)
		})
	}
}
