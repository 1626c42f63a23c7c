package filters

import (
	"encoding/json"
	"testing"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1"
	bob   = "b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0"
)

func ts(v int64) *nostr.Timestamp {
	t := nostr.Timestamp(v)
	return &t
}

func dm(from, to string, at int64) *nostr.Event {
	return &nostr.Event{
		ID:        "e1",
		PubKey:    from,
		Kind:      4,
		CreatedAt: nostr.Timestamp(at),
		Tags:      nostr.Tags{{"p", to}},
	}
}

func TestMatches(t *testing.T) {
	evt := dm(alice, bob, 100)

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty filter matches everything", Filter{}, true},
		{"id member", Filter{Filter: nostr.Filter{IDs: []string{"x", "e1"}}}, true},
		{"id not member", Filter{Filter: nostr.Filter{IDs: []string{"x"}}}, false},
		{"author member", Filter{Filter: nostr.Filter{Authors: []string{alice}}}, true},
		{"author not member", Filter{Filter: nostr.Filter{Authors: []string{bob}}}, false},
		{"kind member", Filter{Filter: nostr.Filter{Kinds: []int{1, 4}}}, true},
		{"kind not member", Filter{Filter: nostr.Filter{Kinds: []int{1}}}, false},
		{"tag value present", Filter{Filter: nostr.Filter{Tags: nostr.TagMap{"p": {bob}}}}, true},
		{"tag value absent", Filter{Filter: nostr.Filter{Tags: nostr.TagMap{"p": {alice}}}}, false},
		{"tag name absent", Filter{Filter: nostr.Filter{Tags: nostr.TagMap{"e": {"x"}}}}, false},
		{"since inclusive", Filter{Filter: nostr.Filter{Since: ts(100)}}, true},
		{"since after", Filter{Filter: nostr.Filter{Since: ts(101)}}, false},
		{"until inclusive", Filter{Filter: nostr.Filter{Until: ts(100)}}, true},
		{"until before", Filter{Filter: nostr.Filter{Until: ts(99)}}, false},
		{"all constraints AND", Filter{Filter: nostr.Filter{Kinds: []int{4}, Authors: []string{bob}}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(evt))
		})
	}
}

func TestMatchesIgnoresExpiresAt(t *testing.T) {
	f := Filter{Filter: nostr.Filter{Kinds: []int{4}}, ExpiresAt: 1}
	assert.True(t, f.Matches(dm(alice, bob, 5000)))
}

func TestMatchesAnyIsOr(t *testing.T) {
	f1 := Filter{Filter: nostr.Filter{Kinds: []int{1}}}
	f2 := Filter{Filter: nostr.Filter{Authors: []string{alice}}}

	assert.True(t, MatchesAny([]Filter{f1, f2}, dm(alice, bob, 1)))
	assert.False(t, MatchesAny([]Filter{f1}, dm(alice, bob, 1)))
	assert.False(t, MatchesAny(nil, dm(alice, bob, 1)))
}

func TestParse(t *testing.T) {
	f, err := Parse(json.RawMessage(`{"kinds":[4],"#p":["` + bob + `"],"since":10,"limit":5}`))
	require.NoError(t, err)

	assert.Equal(t, []int{4}, f.Kinds)
	assert.Equal(t, []string{bob}, f.Tags["p"])
	require.NotNil(t, f.Since)
	assert.Equal(t, nostr.Timestamp(10), *f.Since)
	assert.Equal(t, 5, f.Limit)
}

func TestParseRejectsInvalid(t *testing.T) {
	for name, raw := range map[string]string{
		"not an object":   `[1,2]`,
		"tag not strings": `{"#p":[1]}`,
		"author not hex":  `{"authors":["zz"]}`,
		"negative kind":   `{"kinds":[-1]}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(json.RawMessage(raw))
			assert.Error(t, err)
		})
	}
}
