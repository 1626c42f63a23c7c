package filters

import (
	"testing"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
)

func TestEqualIsOrderInsensitive(t *testing.T) {
	a := Filter{Filter: nostr.Filter{Kinds: []int{1, 4}, Tags: nostr.TagMap{"p": {alice, bob}}}}
	b := Filter{Filter: nostr.Filter{Kinds: []int{4, 1, 4}, Tags: nostr.TagMap{"p": {bob, alice}}}, ExpiresAt: 99}

	assert.True(t, Equal(a, b))
}

func TestEqualDetectsDifferences(t *testing.T) {
	base := Filter{Filter: nostr.Filter{Kinds: []int{4}, Since: ts(1)}}

	tests := map[string]Filter{
		"kinds":  {Filter: nostr.Filter{Kinds: []int{1}, Since: ts(1)}},
		"since":  {Filter: nostr.Filter{Kinds: []int{4}, Since: ts(2)}},
		"nil":    {Filter: nostr.Filter{Kinds: []int{4}}},
		"limit":  {Filter: nostr.Filter{Kinds: []int{4}, Since: ts(1), Limit: 3}},
		"tags":   {Filter: nostr.Filter{Kinds: []int{4}, Since: ts(1), Tags: nostr.TagMap{"p": {bob}}}},
		"author": {Filter: nostr.Filter{Kinds: []int{4}, Since: ts(1), Authors: []string{bob}}},
	}
	for name, other := range tests {
		t.Run(name, func(t *testing.T) {
			assert.False(t, Equal(base, other))
			assert.False(t, Equal(other, base))
		})
	}
}

func TestDedupeKeepsFirstSeenOrder(t *testing.T) {
	f1 := Filter{Filter: nostr.Filter{Kinds: []int{4}}}
	f2 := Filter{Filter: nostr.Filter{Authors: []string{alice}}}
	f1again := Filter{Filter: nostr.Filter{Kinds: []int{4, 4}}}

	out := Dedupe([]Filter{f1, f2, f1again, f2})

	assert.Len(t, out, 2)
	assert.True(t, Equal(out[0], f1))
	assert.True(t, Equal(out[1], f2))
}

func TestSameSet(t *testing.T) {
	f1 := Filter{Filter: nostr.Filter{Kinds: []int{4}}}
	f2 := Filter{Filter: nostr.Filter{Authors: []string{alice}}}

	assert.True(t, SameSet([]Filter{f1, f2}, []Filter{f2, f1}))
	assert.True(t, SameSet([]Filter{f1, f1}, []Filter{f1}))
	assert.False(t, SameSet([]Filter{f1}, []Filter{f1, f2}))
	assert.False(t, SameSet(nil, []Filter{f1}))
}
