package nips

import (
	"strconv"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
)

// NIP-40: Expiration Timestamp
// https://github.com/nostr-protocol/nips/blob/master/40.md

// GetExpirationTime extracts the expiration timestamp from an event.
// Malformed values are treated as absent.
func GetExpirationTime(evt *nostr.Event) (time.Time, bool) {
	for _, t := range evt.Tags {
		if len(t) >= 2 && t[0] == "expiration" {
			if timestamp, err := strconv.ParseInt(t[1], 10, 64); err == nil {
				return time.Unix(timestamp, 0), true
			}
		}
	}
	return time.Time{}, false
}

// IsExpiredAt reports whether evt carries an expiration at or before now
func IsExpiredAt(evt *nostr.Event, now time.Time) bool {
	if expTime, ok := GetExpirationTime(evt); ok {
		return !expTime.After(now)
	}
	return false
}
