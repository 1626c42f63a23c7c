package handlers

import (
	"testing"
	"time"

	"github.com/Shugur-Network/inbox-relay/internal/config"
	"github.com/Shugur-Network/inbox-relay/internal/protocol"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authEvent(t *testing.T, k keypair, challenge string) *nostr.Event {
	t.Helper()
	return k.sign(t, nostr.Event{
		Kind: nostr.KindClientAuthentication,
		Tags: nostr.Tags{{"challenge", challenge}, {"relay", "wss://inbox.example"}},
	})
}

func withUsers(u fakeUsers) func(*Deps) {
	return func(d *Deps) {
		d.Users = u
		d.Authorization = UserRepositorySource{Users: u}
	}
}

func TestAuthChallengeWindow(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		want    bool
	}{
		{"just inside the window", AuthChallengeTTL - time.Second, true},
		{"just outside the window", AuthChallengeTTL + time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := newKeypair(t)
			f := newFixture(t, withUsers(admitted(k.pk)))
			issued := time.Now()
			f.conn.issuedAt = issued
			f.now = issued.Add(tt.elapsed)

			evt := authEvent(t, k, f.conn.challenge)
			require.NoError(t, f.handle(t, protocol.AuthMessage{Event: evt}))

			res := f.conn.results()[0]
			assert.Equal(t, evt.ID, res.EventID)
			assert.Equal(t, tt.want, res.Accepted)
			pubkey, authed := f.conn.AuthPubkey()
			assert.Equal(t, tt.want, authed)
			if tt.want {
				assert.Equal(t, k.pk, pubkey)
				assert.Equal(t, authSucceededMessage, res.Message)
			} else {
				assert.Equal(t, authFailedMessage, res.Message)
			}
		})
	}
}

func TestAuthStateSetBeforeResult(t *testing.T) {
	k := newKeypair(t)
	f := newFixture(t, withUsers(admitted(k.pk)))

	require.NoError(t, f.handle(t, protocol.AuthMessage{Event: authEvent(t, k, f.conn.challenge)}))

	require.Len(t, f.conn.sent, 1)
	assert.True(t, f.conn.sent[0].authed, "OK was written before the connection was marked authenticated")
}

func TestAuthFailures(t *testing.T) {
	k := newKeypair(t)
	other := newKeypair(t)

	tests := []struct {
		name  string
		users fakeUsers
		evt   func(f *fixture) *nostr.Event
	}{
		{
			name:  "unknown user",
			users: admitted(other.pk),
			evt:   func(f *fixture) *nostr.Event { return authEvent(t, k, f.conn.challenge) },
		},
		{
			name:  "user not admitted",
			users: fakeUsers{users: map[string]*domainUser{k.pk: {Pubkey: k.pk}}},
			evt:   func(f *fixture) *nostr.Event { return authEvent(t, k, f.conn.challenge) },
		},
		{
			name:  "wrong challenge",
			users: admitted(k.pk),
			evt:   func(f *fixture) *nostr.Event { return authEvent(t, k, "something else") },
		},
		{
			name:  "bad signature",
			users: admitted(k.pk),
			evt: func(f *fixture) *nostr.Event {
				evt := authEvent(t, k, f.conn.challenge)
				evt.Sig = other.sign(t, *evt).Sig
				return evt
			},
		},
		{
			name:  "wrong kind",
			users: admitted(k.pk),
			evt: func(f *fixture) *nostr.Event {
				return k.sign(t, nostr.Event{Kind: 1, Tags: nostr.Tags{{"challenge", f.conn.challenge}}})
			},
		},
		{
			name:  "lookup error",
			users: fakeUsers{err: errBoom},
			evt:   func(f *fixture) *nostr.Event { return authEvent(t, k, f.conn.challenge) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, withUsers(tt.users))
			evt := tt.evt(f)

			require.NoError(t, f.handle(t, protocol.AuthMessage{Event: evt}))

			_, authed := f.conn.AuthPubkey()
			assert.False(t, authed)

			msgs := f.conn.messages()
			require.Len(t, msgs, 2)
			assert.Equal(t, protocol.NewCommandResult(evt.ID, false, authFailedMessage), msgs[0])
			assert.Equal(t, protocol.NewAuthChallenge("challenge-renewed"), msgs[1])
			assert.Equal(t, 1, f.conn.renewals)
		})
	}
}

func TestAuthRetryAfterFailure(t *testing.T) {
	k := newKeypair(t)
	f := newFixture(t, withUsers(admitted(k.pk)))

	require.NoError(t, f.handle(t, protocol.AuthMessage{Event: authEvent(t, k, "stale")}))
	require.NoError(t, f.handle(t, protocol.AuthMessage{Event: authEvent(t, k, f.conn.challenge)}))

	assert.True(t, f.conn.lastResult(t).Accepted)
	pubkey, authed := f.conn.AuthPubkey()
	assert.True(t, authed)
	assert.Equal(t, k.pk, pubkey)
}

func TestAuthRelayURLChecked(t *testing.T) {
	k := newKeypair(t)
	f := newFixture(t, withUsers(admitted(k.pk)))
	f.cfg.Relay.PublicURL = "wss://other.example"

	require.NoError(t, f.handle(t, protocol.AuthMessage{Event: authEvent(t, k, f.conn.challenge)}))
	assert.False(t, f.conn.results()[0].Accepted)

	f.cfg.Relay.PublicURL = "wss://inbox.example"
	require.NoError(t, f.handle(t, protocol.AuthMessage{Event: authEvent(t, k, f.conn.challenge)}))
	assert.True(t, f.conn.lastResult(t).Accepted)
}

func TestAuthWithCacheSource(t *testing.T) {
	k := newKeypair(t)
	cache := &fakeCache{keys: map[string]bool{"username_" + k.pk: true}}
	f := newFixture(t, func(d *Deps) { d.Authorization = CacheSource{Cache: cache} })

	require.NoError(t, f.handle(t, protocol.AuthMessage{Event: authEvent(t, k, f.conn.challenge)}))

	assert.True(t, f.conn.lastResult(t).Accepted)
	assert.Equal(t, []string{"username_" + k.pk}, cache.seen)
}

func TestAuthRateLimited(t *testing.T) {
	k := newKeypair(t)
	f := newFixture(t, withUsers(admitted()))
	f.cfg.Auth.RateLimits = []config.RateLimit{{Period: time.Minute, Rate: 1}}

	require.NoError(t, f.handle(t, protocol.AuthMessage{Event: authEvent(t, k, f.conn.challenge)}))
	evt := authEvent(t, k, f.conn.challenge)
	require.NoError(t, f.handle(t, protocol.AuthMessage{Event: evt}))

	assert.Equal(t, protocol.NewCommandResult(evt.ID, false, "rate-limited: slow down"), f.conn.lastResult(t))
}

func TestAuthRateLimitSurvivesReconnect(t *testing.T) {
	k := newKeypair(t)
	f := newFixture(t, withUsers(admitted()))
	f.cfg.Auth.RateLimits = []config.RateLimit{{Period: time.Minute, Rate: 1}}

	require.NoError(t, f.handle(t, protocol.AuthMessage{Event: authEvent(t, k, f.conn.challenge)}))
	f.reconnect(t)
	evt := authEvent(t, k, f.conn.challenge)
	require.NoError(t, f.handle(t, protocol.AuthMessage{Event: evt}))

	assert.Equal(t, protocol.NewCommandResult(evt.ID, false, "rate-limited: slow down"), f.conn.lastResult(t))
}

func TestNewAuthorizationSource(t *testing.T) {
	users := admitted("pk")
	cache := &fakeCache{}

	src, err := NewAuthorizationSource(config.AuthSourceRepository, users, nil)
	require.NoError(t, err)
	assert.IsType(t, UserRepositorySource{}, src)

	src, err = NewAuthorizationSource(config.AuthSourceCache, nil, cache)
	require.NoError(t, err)
	assert.IsType(t, CacheSource{}, src)

	_, err = NewAuthorizationSource(config.AuthSourceCache, users, nil)
	assert.Error(t, err)
	_, err = NewAuthorizationSource("ldap", users, cache)
	assert.Error(t, err)
}

func TestUserRepositorySource(t *testing.T) {
	src := UserRepositorySource{Users: fakeUsers{users: map[string]*domainUser{
		"admitted": {Pubkey: "admitted", IsAdmitted: true},
		"pending":  {Pubkey: "pending"},
	}}}

	for pubkey, want := range map[string]bool{"admitted": true, "pending": false, "absent": false} {
		ok, err := src.IsAuthorized(t.Context(), pubkey)
		require.NoError(t, err)
		assert.Equal(t, want, ok, pubkey)
	}
}
