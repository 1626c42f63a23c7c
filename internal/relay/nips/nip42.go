package nips

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip42"
)

// NIP-42: Authentication of clients to relays
// https://github.com/nostr-protocol/nips/blob/master/42.md

// GenerateAuthChallenge creates a random hex challenge string.
func GenerateAuthChallenge() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate auth challenge: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// AuthVerifier checks a signed AUTH event against the challenge sent to
// the connection.
type AuthVerifier struct {
	// RelayURL, when set, must match the event's relay tag.
	RelayURL string
}

// Verify reports whether evt is a kind 22242 event signed by its pubkey
// that echoes challenge.
func (v AuthVerifier) Verify(evt *nostr.Event, challenge string) bool {
	if evt == nil || challenge == "" {
		return false
	}
	if v.RelayURL != "" {
		_, ok := nip42.ValidateAuthEvent(evt, challenge, v.RelayURL)
		return ok
	}

	if evt.Kind != nostr.KindClientAuthentication {
		return false
	}
	tag := evt.Tags.GetFirst([]string{"challenge", ""})
	if tag == nil || len(*tag) < 2 || (*tag)[1] != challenge {
		return false
	}
	ok, err := evt.CheckSignature()
	return err == nil && ok
}
