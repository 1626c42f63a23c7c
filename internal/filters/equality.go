package filters

import (
	nostr "github.com/nbd-wtf/go-nostr"
)

// Equal compares two filters structurally. List fields are compared as
// sets, so ["a","b"] equals ["b","a","a"]. ExpiresAt is ignored.
func Equal(a, b Filter) bool {
	if !sameSet(a.IDs, b.IDs) || !sameSet(a.Authors, b.Authors) || !sameSet(a.Kinds, b.Kinds) {
		return false
	}
	if !sameTimestamp(a.Since, b.Since) || !sameTimestamp(a.Until, b.Until) {
		return false
	}
	if a.Limit != b.Limit || a.LimitZero != b.LimitZero || a.Search != b.Search {
		return false
	}
	return sameTags(a.Tags, b.Tags)
}

// Dedupe drops filters structurally equal to an earlier one, keeping the
// first-seen order.
func Dedupe(fs []Filter) []Filter {
	out := make([]Filter, 0, len(fs))
	for _, f := range fs {
		if indexOf(out, f) < 0 {
			out = append(out, f)
		}
	}
	return out
}

// SameSet reports whether a and b hold the same distinct filters, in any
// order.
func SameSet(a, b []Filter) bool {
	a, b = Dedupe(a), Dedupe(b)
	if len(a) != len(b) {
		return false
	}
	for _, f := range a {
		if indexOf(b, f) < 0 {
			return false
		}
	}
	return true
}

func indexOf(fs []Filter, f Filter) int {
	for i := range fs {
		if Equal(fs[i], f) {
			return i
		}
	}
	return -1
}

func sameSet[T comparable](a, b []T) bool {
	as := make(map[T]struct{}, len(a))
	for _, v := range a {
		as[v] = struct{}{}
	}
	bs := make(map[T]struct{}, len(b))
	for _, v := range b {
		if _, ok := as[v]; !ok {
			return false
		}
		bs[v] = struct{}{}
	}
	return len(as) == len(bs)
}

func sameTimestamp(a, b *nostr.Timestamp) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// sameTags treats an absent key and an empty value list alike.
func sameTags(a, b nostr.TagMap) bool {
	for k, v := range a {
		if !sameSet(v, b[k]) {
			return false
		}
	}
	for k, v := range b {
		if _, ok := a[k]; !ok && len(v) > 0 {
			return false
		}
	}
	return true
}
