// Package metrics registers the Prometheus collectors socketbox exposes
// at /metrics, grounded on the teacher's root metrics.go: package-level
// collectors registered in init(), a periodic Collector for gauges
// that need runtime sampling, and small Record* helpers called from
// the hot path instead of touching collectors
// directly. Names are renamed from the teacher's ws_* prefix to
// socketbox_* and reshaped around this broker's own domain (exchange
// routing, cluster peers, RPC) rather than the teacher's Kafka/worker
// pool specifics.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "socketbox_connections_total",
		Help: "Total number of STOMP connections established",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "socketbox_connections_active",
		Help: "Current number of active STOMP connections",
	})

	ConnectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "socketbox_connections_failed_total",
		Help: "Total number of rejected or failed connection attempts",
	})

	DisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socketbox_disconnects_total",
		Help: "Total disconnections by reason",
	}, []string{"reason"})

	FramesReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socketbox_frames_received_total",
		Help: "Total STOMP frames received by command",
	}, []string{"command"})

	MessagesRoutedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socketbox_messages_routed_total",
		Help: "Total messages routed through an exchange, by exchange class",
	}, []string{"exchange_class"})

	MessagesDeliveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "socketbox_messages_delivered_total",
		Help: "Total MESSAGE frames enqueued to subscribers",
	})

	RoutingErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socketbox_routing_errors_total",
		Help: "Total errors encountered while routing through an exchange",
	}, []string{"exchange_class"})

	SubscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "socketbox_subscriptions_active",
		Help: "Current number of live subscriptions across all destinations",
	})

	ClusterPeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "socketbox_cluster_peers_connected",
		Help: "Current number of connected peer links",
	})

	ClusterIsManager = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "socketbox_cluster_is_manager",
		Help: "1 if this node currently holds the weak-elected manager role, else 0",
	})

	ClusterRebroadcastsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "socketbox_cluster_rebroadcasts_total",
		Help: "Total messages rebroadcast to peers",
	})

	RPCRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socketbox_rpc_requests_total",
		Help: "Total outbound RPC requests by operation and outcome",
	}, []string{"operation", "outcome"})

	RPCRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "socketbox_rpc_request_duration_seconds",
		Help:    "RPC round-trip duration",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15},
	}, []string{"operation"})

	KafkaMessagesReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "socketbox_kafka_messages_received_total",
		Help: "Total messages consumed from the Kafka bridge topic",
	})

	KafkaMessagesDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "socketbox_kafka_messages_dropped_total",
		Help: "Total Kafka bridge messages dropped due to backpressure or routing errors",
	})

	MemoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "socketbox_memory_bytes",
		Help: "Current process memory usage in bytes",
	})

	GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "socketbox_goroutines_active",
		Help: "Current number of active goroutines",
	})

	ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socketbox_errors_total",
		Help: "Total errors by category and severity",
	}, []string{"category", "severity"})

	ConnectionsRateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socketbox_connections_rate_limited_total",
		Help: "Total connection attempts rejected by the rate limiter, by scope",
	}, []string{"scope"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsFailed,
		DisconnectsTotal,
		FramesReceivedTotal,
		MessagesRoutedTotal,
		MessagesDeliveredTotal,
		RoutingErrorsTotal,
		SubscriptionsActive,
		ClusterPeersConnected,
		ClusterIsManager,
		ClusterRebroadcastsTotal,
		RPCRequestsTotal,
		RPCRequestDuration,
		KafkaMessagesReceivedTotal,
		KafkaMessagesDroppedTotal,
		MemoryUsageBytes,
		GoroutinesActive,
		ErrorsTotal,
		ConnectionsRateLimited,
	)
}

// Error severity levels, used alongside ErrorsTotal (spec.md §7 Taxonomy).
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
	SeverityFatal    = "fatal"
)

// RecordError increments ErrorsTotal for category/severity.
func RecordError(category, severity string) {
	ErrorsTotal.WithLabelValues(category, severity).Inc()
}

// RecordDisconnect increments DisconnectsTotal for reason.
func RecordDisconnect(reason string) {
	DisconnectsTotal.WithLabelValues(reason).Inc()
}

// RecordRouted increments MessagesRoutedTotal for an exchange class.
func RecordRouted(exchangeClass string) {
	MessagesRoutedTotal.WithLabelValues(exchangeClass).Inc()
}

// RecordRoutingError increments RoutingErrorsTotal for an exchange class.
func RecordRoutingError(exchangeClass string) {
	RoutingErrorsTotal.WithLabelValues(exchangeClass).Inc()
}

// RecordRPCRequest records an outbound RPC call's outcome and latency.
func RecordRPCRequest(operation, outcome string, d time.Duration) {
	RPCRequestsTotal.WithLabelValues(operation, outcome).Inc()
	RPCRequestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// Collector periodically samples runtime/process gauges that cannot be
// updated inline on the hot path (spec.md's ambient stack; mirrors the
// teacher's MetricsCollector).
type Collector struct {
	interval          time.Duration
	subscriptionCount func() int
	peerCount         func() int
	isManager         func() bool
	stop              chan struct{}
}

// NewCollector builds a Collector. Any accessor may be nil, in which
// case the corresponding gauge is left untouched.
func NewCollector(interval time.Duration, subscriptionCount, peerCount func() int, isManager func() bool) *Collector {
	return &Collector{
		interval:          interval,
		subscriptionCount: subscriptionCount,
		peerCount:         peerCount,
		isManager:         isManager,
		stop:              make(chan struct{}),
	}
}

// Start begins periodic collection; call Stop to end it.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop ends periodic collection. Safe to call once.
func (c *Collector) Stop() {
	close(c.stop)
}

func (c *Collector) collect() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	MemoryUsageBytes.Set(float64(mem.Alloc))
	GoroutinesActive.Set(float64(runtime.NumGoroutine()))

	if c.subscriptionCount != nil {
		SubscriptionsActive.Set(float64(c.subscriptionCount()))
	}
	if c.peerCount != nil {
		ClusterPeersConnected.Set(float64(c.peerCount()))
	}
	if c.isManager != nil {
		if c.isManager() {
			ClusterIsManager.Set(1)
		} else {
			ClusterIsManager.Set(0)
		}
	}
}

// Handler serves Prometheus metrics for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
