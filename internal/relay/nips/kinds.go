package nips

import (
	nostr "github.com/nbd-wtf/go-nostr"
)

// Kind classes from NIP-01, NIP-09 and NIP-16.

const (
	KindDeletion     = 5
	KindEncryptedDM  = nostr.KindEncryptedDirectMessage
	KindClientAuth   = nostr.KindClientAuthentication
	ephemeralStart   = 20000
	ephemeralEnd     = 30000
	addressableStart = 30000
	addressableEnd   = 40000
	replaceableStart = 10000
	replaceableEnd   = 20000
)

func IsEphemeral(kind int) bool {
	return kind >= ephemeralStart && kind < ephemeralEnd
}

func IsReplaceable(kind int) bool {
	return kind == 0 || kind == 3 || (kind >= replaceableStart && kind < replaceableEnd)
}

func IsAddressable(kind int) bool {
	return kind >= addressableStart && kind < addressableEnd
}

func IsDeletion(evt *nostr.Event) bool {
	return evt.Kind == KindDeletion
}

// DeletionTargets returns the event ids referenced by a kind 5 event.
func DeletionTargets(evt *nostr.Event) []string {
	var ids []string
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "e" {
			ids = append(ids, tag[1])
		}
	}
	return ids
}

// DTag returns the value of the first d tag, or "".
func DTag(evt *nostr.Event) string {
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "d" {
			return tag[1]
		}
	}
	return ""
}
