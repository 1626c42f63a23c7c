package constants

import (
	"time"

	"github.com/Shugur-Network/inbox-relay/internal/config"
	nip11 "github.com/nbd-wtf/go-nostr/nip11"
)

// Default relay metadata constants
const (
	DefaultRelayDescription = "Inbox relay for direct messages. Stores kind 4 events and serves them only to their sender or recipient."
	DefaultRelaySoftware    = "https://github.com/Shugur-Network/inbox-relay"
)

// DefaultSupportedNIPs lists the NIPs supported by the relay
var DefaultSupportedNIPs = []interface{}{
	1,  // NIP-01: Basic protocol flow
	4,  // NIP-04: Encrypted Direct Message
	9,  // NIP-09: Event Deletion
	11, // NIP-11: Relay Information Document
	26, // NIP-26: Delegated Event Signing
	40, // NIP-40: Expiration Timestamp
	42, // NIP-42: Authentication of clients to relays
}

// Event retrieval constants
const (
	DefaultQueryLimit = 500 // Per-filter row cap when the filter sets no limit
	MaxQueryLimit     = 5000
)

// Database operation constants
const (
	MaxDBRetries   = 3 // Retries for statement timeouts and deadlocks
	DBRetryDelay   = 100 * time.Millisecond
	ConnectBackoff = 2 * time.Second // First backoff between connection attempts

	BloomEstimatedEvents = 10_000_000
	BloomFalsePositive   = 0.01
)

// Duration constants
const (
	DBConnMaxLifetime    = 60 * time.Minute // Connection max lifetime (1 hour)
	DBConnMaxIdleTime    = 15 * time.Minute // Max idle time (15 minutes)
	DBConnAcquireTimeout = 10 * time.Second // Timeout for acquiring connection
	DBHealthCheckPeriod  = 30 * time.Second
)

// Timeout constants
const (
	HealthCheckTimeout = 5 * time.Second
	CacheOpTimeout     = 2 * time.Second
)

// Live feed constants
const (
	DispatchBufferSize   = 1000
	DispatchBatchSize    = 100
	DispatchBatchWindow  = 10 * time.Millisecond
	SubscriberBufferSize = 256
)

// DefaultRelayMetadata returns the NIP-11 document for cfg.
func DefaultRelayMetadata(cfg *config.Config) nip11.RelayInformationDocument {
	description := cfg.Relay.Description
	if description == "" {
		description = DefaultRelayDescription
	}

	var authRequired bool
	for _, rule := range cfg.Limits.Subscription.Rules {
		if rule == config.RuleAuthRequired || rule == config.RuleDirectMessage {
			authRequired = true
		}
	}

	return nip11.RelayInformationDocument{
		Name:          cfg.Relay.Name,
		Description:   description,
		Contact:       cfg.Relay.Contact,
		PubKey:        cfg.Relay.PublicKey,
		SupportedNIPs: DefaultSupportedNIPs,
		Software:      DefaultRelaySoftware,
		Version:       config.Version,
		Icon:          cfg.Relay.Icon,
		Limitation: &nip11.RelayLimitationDocument{
			MaxMessageLength: int(cfg.Relay.MaxMessageSize),
			MaxSubscriptions: cfg.Limits.Subscription.MaxSubscriptions,
			MaxLimit:         MaxQueryLimit,
			MaxSubidLength:   cfg.Limits.Subscription.MaxSubscriptionIDLength,
			MaxContentLength: cfg.Limits.Event.MaxContentLength,
			AuthRequired:     authRequired,
			RestrictedWrites: cfg.Limits.Event.RequireAdmission,
		},
	}
}
