package nips

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	nostr "github.com/nbd-wtf/go-nostr"
)

// NIP-26: Delegated Event Signing
// https://github.com/nostr-protocol/nips/blob/master/26.md

const delegationTagName = "delegation"

// Delegation is the content of a ["delegation", delegator, conditions, token] tag.
type Delegation struct {
	Delegator  string
	Conditions string
	Token      string
}

// ParseDelegation returns the delegation tag of evt, if any.
func ParseDelegation(evt *nostr.Event) (*Delegation, bool) {
	if evt == nil {
		return nil, false
	}
	for _, tag := range evt.Tags {
		if len(tag) >= 4 && tag[0] == delegationTagName {
			return &Delegation{Delegator: tag[1], Conditions: tag[2], Token: tag[3]}, true
		}
	}
	return nil, false
}

// IsDelegated reports whether evt carries a delegation tag.
func IsDelegated(evt *nostr.Event) bool {
	_, ok := ParseDelegation(evt)
	return ok
}

// Verify checks the delegation token signature and that evt satisfies the
// conditions string.
func (d *Delegation) Verify(evt *nostr.Event) error {
	if d.Delegator == evt.PubKey {
		return errors.New("delegator and delegatee are the same key")
	}
	if !verifyToken(d.Delegator, d.Token, d.Conditions, evt.PubKey) {
		return errors.New("invalid delegation signature")
	}
	if err := checkConditions(d.Conditions, evt); err != nil {
		return fmt.Errorf("delegation conditions not met: %w", err)
	}
	return nil
}

// verifyToken checks a BIP-340 signature by delegator over
// sha256("nostr:delegation:<delegatee>:<conditions>").
func verifyToken(delegator, token, conditions, delegatee string) bool {
	h := sha256.Sum256([]byte("nostr:" + delegationTagName + ":" + delegatee + ":" + conditions))

	pubKeyBytes, err := hex.DecodeString(delegator)
	if err != nil {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}
	sigBytes, err := hex.DecodeString(token)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	return sig.Verify(h[:], pubKey)
}

// checkConditions evaluates a query string like "kind=4&created_at>1670000000".
// Several kind= clauses are OR-ed; time bounds are AND-ed.
func checkConditions(conds string, evt *nostr.Event) error {
	if conds == "" {
		return nil
	}

	var kinds []int
	for _, cond := range strings.Split(conds, "&") {
		switch {
		case strings.HasPrefix(cond, "kind="):
			k, err := strconv.Atoi(strings.TrimPrefix(cond, "kind="))
			if err != nil {
				return fmt.Errorf("invalid kind condition: %s", cond)
			}
			kinds = append(kinds, k)

		case strings.HasPrefix(cond, "created_at>"):
			bound, err := strconv.ParseInt(strings.TrimPrefix(cond, "created_at>"), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid created_at condition: %s", cond)
			}
			if int64(evt.CreatedAt) <= bound {
				return fmt.Errorf("created_at %d is not > %d", evt.CreatedAt, bound)
			}

		case strings.HasPrefix(cond, "created_at<"):
			bound, err := strconv.ParseInt(strings.TrimPrefix(cond, "created_at<"), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid created_at condition: %s", cond)
			}
			if int64(evt.CreatedAt) >= bound {
				return fmt.Errorf("created_at %d is not < %d", evt.CreatedAt, bound)
			}

		default:
			return fmt.Errorf("unsupported delegation condition: %s", cond)
		}
	}

	if len(kinds) > 0 {
		for _, k := range kinds {
			if evt.Kind == k {
				return nil
			}
		}
		return fmt.Errorf("kind %d not delegated", evt.Kind)
	}
	return nil
}
