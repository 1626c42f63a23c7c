// Package filters holds the subscription filter type and the pure matching
// and comparison functions used by REQ handling and the live feed.
package filters

import (
	"encoding/json"
	"fmt"
	"slices"

	nostr "github.com/nbd-wtf/go-nostr"
)

// Filter is a NIP-01 filter plus the registration time stamped by the
// subscribe handler. ExpiresAt takes no part in matching or equality.
type Filter struct {
	nostr.Filter
	ExpiresAt nostr.Timestamp `json:"-"`
}

// Parse decodes one REQ filter object. "#x" keys end up in Tags keyed by x.
func Parse(raw json.RawMessage) (Filter, error) {
	var f Filter
	if err := json.Unmarshal(raw, &f.Filter); err != nil {
		return f, fmt.Errorf("failed to decode filter: %w", err)
	}

	var partial map[string]json.RawMessage
	if err := json.Unmarshal(raw, &partial); err != nil {
		return f, fmt.Errorf("failed to decode filter keys: %w", err)
	}
	for k, v := range partial {
		if len(k) < 2 || k[0] != '#' {
			continue
		}
		var values []string
		if err := json.Unmarshal(v, &values); err != nil {
			return f, fmt.Errorf("tag filter %s must be an array of strings", k)
		}
		if f.Tags == nil {
			f.Tags = make(nostr.TagMap)
		}
		f.Tags[k[1:]] = values
	}

	if err := Validate(f); err != nil {
		return f, err
	}
	return f, nil
}

// Validate rejects filters that can never be served.
func Validate(f Filter) error {
	for _, id := range f.IDs {
		if !isHex(id) || len(id) > 64 {
			return fmt.Errorf("invalid id: %q", id)
		}
	}
	for _, author := range f.Authors {
		if !isHex(author) || len(author) > 64 {
			return fmt.Errorf("invalid author: %q", author)
		}
	}
	for _, kind := range f.Kinds {
		if kind < 0 || kind > 65535 {
			return fmt.Errorf("invalid kind: %d", kind)
		}
	}
	if f.Limit < 0 {
		return fmt.Errorf("invalid limit: %d", f.Limit)
	}
	return nil
}

// Matches reports whether evt satisfies every constraint present in f.
func (f Filter) Matches(evt *nostr.Event) bool {
	if evt == nil {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, evt.ID) {
		return false
	}
	if len(f.Authors) > 0 && !slices.Contains(f.Authors, evt.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, evt.Kind) {
		return false
	}
	if f.Since != nil && evt.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && evt.CreatedAt > *f.Until {
		return false
	}
	for name, values := range f.Tags {
		if len(values) == 0 {
			continue
		}
		if !hasTagValue(evt.Tags, name, values) {
			return false
		}
	}
	return true
}

// MatchesAny is the OR across a subscription's filters.
func MatchesAny(fs []Filter, evt *nostr.Event) bool {
	for _, f := range fs {
		if f.Matches(evt) {
			return true
		}
	}
	return false
}

func hasTagValue(tags nostr.Tags, name string, values []string) bool {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name && slices.Contains(values, tag[1]) {
			return true
		}
	}
	return false
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
