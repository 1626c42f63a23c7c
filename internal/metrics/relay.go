package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Local mirrors of the gauges, readable by the health endpoint.
var (
	activeConnectionsCount int64
	activeSubscrCount      int64
	messagesReceivedCount  int64
)

func IncrementActiveConnections() {
	ActiveConnections.Inc()
	atomic.AddInt64(&activeConnectionsCount, 1)
}

func DecrementActiveConnections() {
	ActiveConnections.Dec()
	atomic.AddInt64(&activeConnectionsCount, -1)
}

func GetActiveConnectionsCount() int64 {
	return atomic.LoadInt64(&activeConnectionsCount)
}

func IncrementActiveSubscriptions() {
	ActiveSubscriptions.Inc()
	atomic.AddInt64(&activeSubscrCount, 1)
}

// DecrementActiveSubscriptions subtracts n subscriptions, used when a
// connection closes with several open.
func DecrementActiveSubscriptions(n int) {
	if n <= 0 {
		return
	}
	ActiveSubscriptions.Sub(float64(n))
	atomic.AddInt64(&activeSubscrCount, -int64(n))
}

func GetActiveSubscriptionsCount() int64 {
	return atomic.LoadInt64(&activeSubscrCount)
}

func IncrementMessagesReceived() {
	MessagesReceived.Inc()
	atomic.AddInt64(&messagesReceivedCount, 1)
}

func GetMessagesReceivedCount() int64 {
	return atomic.LoadInt64(&messagesReceivedCount)
}

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "inbox_relay_active_connections",
		Help: "The number of active WebSocket connections",
	})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "inbox_relay_active_subscriptions",
		Help: "The number of registered subscriptions",
	})

	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inbox_relay_messages_received_total",
		Help: "The total number of frames received",
	})

	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inbox_relay_messages_sent_total",
		Help: "The total number of frames sent by type",
	}, []string{"type"})

	MessageSizeBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inbox_relay_message_size_bytes",
		Help:    "Size of received frames in bytes",
		Buckets: prometheus.ExponentialBuckets(10, 10, 6),
	})

	CommandsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inbox_relay_commands_received_total",
		Help: "The total number of commands received by type",
	}, []string{"type"})

	CommandProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inbox_relay_command_processing_duration_seconds",
		Help:    "Time to process commands by type",
		Buckets: prometheus.ExponentialBuckets(0.001, 10, 5),
	}, []string{"type"})

	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inbox_relay_events_processed_total",
		Help: "Events handled by strategy and outcome",
	}, []string{"strategy", "outcome"})

	EventsReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inbox_relay_events_replayed_total",
		Help: "Stored events sent to subscribers during replay",
	})

	Replays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inbox_relay_replays_total",
		Help: "Replay pipelines by outcome",
	}, []string{"outcome"})

	SubscriptionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inbox_relay_subscription_rejections_total",
		Help: "REQ messages refused by admission check",
	}, []string{"check"})

	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inbox_relay_auth_attempts_total",
		Help: "AUTH handshakes by result",
	}, []string{"result"})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inbox_relay_rate_limited_total",
		Help: "Operations refused by the sliding window limiter",
	}, []string{"operation"})

	ErrorsCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inbox_relay_errors_total",
		Help: "The total number of errors by type",
	}, []string{"type"})

	DBErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inbox_relay_db_errors_total",
		Help: "Total number of database errors by operation",
	}, []string{"operation"})

	DBConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inbox_relay_db_connections_total",
		Help: "Database connection attempts by result",
	}, []string{"result"})

	DBOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inbox_relay_db_operations_total",
		Help: "Completed database operations by name",
	}, []string{"operation"})

	DBQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inbox_relay_db_query_duration_seconds",
		Help:    "Latency of event store queries",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
	}, []string{"operation"})

	LiveFeedDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inbox_relay_live_feed_dropped_total",
		Help: "Events dropped because a live subscriber was too slow",
	})

	EventsStored = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "inbox_relay_events_stored",
		Help: "Live events in the store at the last count",
	})

	EventsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inbox_relay_events_expired_total",
		Help: "Events soft-deleted by the expiration sweep",
	})

	CacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inbox_relay_cache_errors_total",
		Help: "Cache lookups that failed by operation",
	}, []string{"operation"})
)

// RegisterMetrics pre-creates the label combinations so dashboards show
// zeros instead of gaps.
func RegisterMetrics() {
	for _, t := range []string{"EVENT", "REQ", "CLOSE", "AUTH", "UNKNOWN"} {
		CommandsReceived.WithLabelValues(t)
		CommandProcessingDuration.WithLabelValues(t)
	}
	for _, t := range []string{"EVENT", "EOSE", "OK", "NOTICE", "AUTH"} {
		MessagesSent.WithLabelValues(t)
	}
	for _, o := range []string{"completed", "cancelled", "failed"} {
		Replays.WithLabelValues(o)
	}
	for _, c := range []string{"duplicate", "max_subscriptions", "max_filters", "id_length", "rule"} {
		SubscriptionRejections.WithLabelValues(c)
	}
	for _, r := range []string{"succeeded", "failed"} {
		AuthAttempts.WithLabelValues(r)
	}
	for _, s := range []string{"default", "delegated"} {
		for _, o := range []string{"stored", "duplicate", "ephemeral", "rejected", "failed"} {
			EventsProcessed.WithLabelValues(s, o)
		}
	}
}
