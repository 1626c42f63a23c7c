package handlers

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/Shugur-Network/inbox-relay/internal/config"
	"github.com/Shugur-Network/inbox-relay/internal/filters"
	"github.com/Shugur-Network/inbox-relay/internal/relay/nips"
)

// Identity is who a connection has authenticated as.
type Identity struct {
	Pubkey        string
	Authenticated bool
}

// SubscriptionRule is a per-deployment access policy evaluated after the
// built-in subscription limits. Check returns a rejection reason, or ""
// to admit.
type SubscriptionRule interface {
	Name() string
	Check(id Identity, subID string, fs []filters.Filter) string
}

// DirectMessageRule restricts filters on protected kinds to the
// authenticated pubkey: each such filter needs authors or #p, and every
// value given there must be the connection's pubkey.
type DirectMessageRule struct {
	Kinds []int
}

func (DirectMessageRule) Name() string { return config.RuleDirectMessage }

func (r DirectMessageRule) Check(id Identity, _ string, fs []filters.Filter) string {
	kind := r.label()
	for _, f := range fs {
		if !r.protects(f) {
			continue
		}
		pTags, hasP := f.Tags["p"]
		hasP = hasP && len(pTags) > 0
		hasAuthors := len(f.Authors) > 0

		if hasP && !onlyValue(pTags, id.Pubkey) {
			return fmt.Sprintf("%s subscription requires #p tag of authed pubkey", kind)
		}
		if hasAuthors && !onlyValue(f.Authors, id.Pubkey) {
			return fmt.Sprintf("%s subscription requires authors of authed pubkey", kind)
		}
		if !hasP && !hasAuthors {
			return fmt.Sprintf("%s subscription requires #p or authors filter of authed pubkey", kind)
		}
	}
	return ""
}

func (r DirectMessageRule) protects(f filters.Filter) bool {
	for _, k := range f.Kinds {
		if slices.Contains(r.Kinds, k) {
			return true
		}
	}
	return false
}

func (r DirectMessageRule) label() string {
	return "kind " + joinKinds(r.Kinds)
}

// AllowedKindsRule requires every filter to name its kinds, all taken from
// Kinds.
type AllowedKindsRule struct {
	Kinds []int
}

func (AllowedKindsRule) Name() string { return config.RuleAllowedKinds }

func (r AllowedKindsRule) Check(_ Identity, _ string, fs []filters.Filter) string {
	for _, f := range fs {
		if len(f.Kinds) == 0 {
			return r.reason()
		}
		for _, k := range f.Kinds {
			if !slices.Contains(r.Kinds, k) {
				return r.reason()
			}
		}
	}
	return ""
}

func (r AllowedKindsRule) reason() string {
	if len(r.Kinds) == 1 {
		return fmt.Sprintf("Only kind %d subscription is allowed.", r.Kinds[0])
	}
	return fmt.Sprintf("Only kind %s subscriptions are allowed.", joinKinds(r.Kinds))
}

// AuthRequiredRule admits only authenticated connections.
type AuthRequiredRule struct{}

func (AuthRequiredRule) Name() string { return config.RuleAuthRequired }

func (AuthRequiredRule) Check(id Identity, _ string, _ []filters.Filter) string {
	if !id.Authenticated {
		return "auth-required: subscriptions require authentication"
	}
	return ""
}

// RulesFromConfig builds the rules named in limits.SUBSCRIPTION.RULES, in
// order. An allowed_kinds rule with no kinds configured is skipped.
func RulesFromConfig(limits config.SubscriptionLimits) []SubscriptionRule {
	rules := make([]SubscriptionRule, 0, len(limits.Rules))
	for _, name := range limits.Rules {
		switch name {
		case config.RuleDirectMessage:
			kinds := limits.ProtectedKinds
			if len(kinds) == 0 {
				kinds = []int{nips.KindEncryptedDM}
			}
			rules = append(rules, DirectMessageRule{Kinds: kinds})
		case config.RuleAllowedKinds:
			if len(limits.AllowedKinds) > 0 {
				rules = append(rules, AllowedKindsRule{Kinds: limits.AllowedKinds})
			}
		case config.RuleAuthRequired:
			rules = append(rules, AuthRequiredRule{})
		}
	}
	return rules
}

// onlyValue reports whether every entry of values is want. An empty want
// never matches.
func onlyValue(values []string, want string) bool {
	if want == "" {
		return false
	}
	for _, v := range values {
		if v != want {
			return false
		}
	}
	return true
}

func joinKinds(kinds []int) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = strconv.Itoa(k)
	}
	return strings.Join(parts, ", ")
}
