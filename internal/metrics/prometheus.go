package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "messagedisk"

// Metrics holds all Prometheus metrics for a node
type Metrics struct {
	// Relay metrics
	TokensForwardedTotal  prometheus.Counter
	PendingResolvedTotal  *prometheus.CounterVec
	PendingOps            prometheus.Gauge
	SplicesTotal          *prometheus.CounterVec
	DeliveryFailuresTotal *prometheus.CounterVec
	RelaysActive          prometheus.Gauge

	// Transport metrics
	DeliveriesTotal   *prometheus.CounterVec
	DeliveryDuration  *prometheus.HistogramVec
	InboundTotal      *prometheus.CounterVec
	ChecksumFailTotal prometheus.Counter

	// Client operation metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Gossip metrics
	GossipMembersTotal prometheus.Gauge

	// System metrics
	MemoryUsageBytes prometheus.Gauge
	GoroutinesTotal  prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer, nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		TokensForwardedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "relay",
			Name:        "tokens_forwarded_total",
			Help:        "Total number of chunk tokens forwarded downstream",
			ConstLabels: labels,
		}),
		PendingResolvedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "relay",
			Name:        "pending_resolved_total",
			Help:        "Total number of pending operations resolved by a passing token",
			ConstLabels: labels,
		}, []string{"kind"}),
		PendingOps: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "relay",
			Name:        "pending_operations",
			Help:        "Number of read and write operations waiting for their token",
			ConstLabels: labels,
		}),
		SplicesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "relay",
			Name:        "splices_total",
			Help:        "Total number of splice messages handled, by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		DeliveryFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "relay",
			Name:        "delivery_failures_total",
			Help:        "Total number of envelopes lost because delivery to downstream failed",
			ConstLabels: labels,
		}, []string{"kind"}),
		RelaysActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "relay",
			Name:        "rings_hosted",
			Help:        "Number of rings hosted by this node",
			ConstLabels: labels,
		}),

		DeliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "transport",
			Name:        "deliveries_total",
			Help:        "Total number of outbound envelope deliveries",
			ConstLabels: labels,
		}, []string{"transport", "result"}),
		DeliveryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "transport",
			Name:        "delivery_duration_seconds",
			Help:        "Duration of outbound envelope deliveries",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"transport"}),
		InboundTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "transport",
			Name:        "inbound_total",
			Help:        "Total number of envelopes received from peers",
			ConstLabels: labels,
		}, []string{"kind"}),
		ChecksumFailTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "transport",
			Name:        "checksum_failures_total",
			Help:        "Total number of inbound chunks rejected for a bad checksum",
			ConstLabels: labels,
		}),

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "ring",
			Name:        "requests_total",
			Help:        "Total number of ring operations, by operation and result",
			ConstLabels: labels,
		}, []string{"op", "result"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "ring",
			Name:        "request_duration_seconds",
			Help:        "Time from submission of a ring operation to its completion",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 18),
		}, []string{"op"}),

		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "requests_total",
			Help:        "Total number of HTTP requests",
			ConstLabels: labels,
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "request_duration_seconds",
			Help:        "HTTP request duration",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "path"}),

		GossipMembersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "gossip",
			Name:        "members_total",
			Help:        "Number of gossip cluster members",
			ConstLabels: labels,
		}),

		MemoryUsageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "memory_usage_bytes",
			Help:        "Heap memory in use",
			ConstLabels: labels,
		}),
		GoroutinesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "goroutines_total",
			Help:        "Number of goroutines",
			ConstLabels: labels,
		}),
	}
}

// Helper methods for recording metrics

func (m *Metrics) RecordForward() {
	m.TokensForwardedTotal.Inc()
}

func (m *Metrics) RecordResolved(kind string) {
	m.PendingResolvedTotal.WithLabelValues(kind).Inc()
	m.PendingOps.Dec()
}

func (m *Metrics) RecordQueued() {
	m.PendingOps.Inc()
}

// RecordSplice counts a splice by outcome: absorbed, forwarded or dropped.
func (m *Metrics) RecordSplice(outcome string) {
	m.SplicesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordDeliveryFailure(kind string) {
	m.DeliveryFailuresTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordDelivery(transport string, duration float64, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.DeliveriesTotal.WithLabelValues(transport, result).Inc()
	m.DeliveryDuration.WithLabelValues(transport).Observe(duration)
}

func (m *Metrics) RecordInbound(kind string) {
	m.InboundTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordChecksumFailure() {
	m.ChecksumFailTotal.Inc()
}

func (m *Metrics) RecordRequest(op string, duration float64, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.RequestsTotal.WithLabelValues(op, result).Inc()
	m.RequestDuration.WithLabelValues(op).Observe(duration)
}

func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

func (m *Metrics) UpdateRelayCount(n int) {
	m.RelaysActive.Set(float64(n))
}

func (m *Metrics) UpdateGossipMembers(n int) {
	m.GossipMembersTotal.Set(float64(n))
}

func (m *Metrics) UpdateSystemStats(memoryUsage int64, goroutines int) {
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
}
