package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Coordinator metrics
var (
	ThreatsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_threats_detected_total",
		Help: "Threats detected, by type and severity",
	}, []string{"type", "severity"})

	DuplicateThreats = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guardian_duplicate_threats_total",
		Help: "Threat notifications discarded because the source tx was already handled",
	})

	Responses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_responses_total",
		Help: "Completed responses, by tier and outcome",
	}, []string{"tier", "outcome"})

	ResponseLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "guardian_response_latency_seconds",
		Help:    "Detection to broadcast acceptance latency",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"tier"})

	EmergencySweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_emergency_sweeps_total",
		Help: "Emergency sweep-all attempts, by result",
	}, []string{"result"})

	Inflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "guardian_inflight_responses",
		Help: "Responses currently running",
	})
)

// Pre-signed pool metrics
var (
	PoolAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "guardian_pool_available",
		Help: "Unclaimed pre-signed transactions per asset",
	}, []string{"asset"})

	PoolBaseNonce = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "guardian_pool_base_nonce",
		Help: "Base nonce of the current pool generation",
	})

	PoolRegenerations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_pool_regenerations_total",
		Help: "Pool regenerations, by reason",
	}, []string{"reason"})
)

// Broadcast metrics
var (
	ChannelSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_channel_submissions_total",
		Help: "Per-channel submissions, by result",
	}, []string{"channel", "result"})

	ChannelLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "guardian_channel_latency_seconds",
		Help:    "Per-channel submission latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel"})

	BundleSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guardian_bundle_submissions_total",
		Help: "Bundle submissions, by relay and result class",
	}, []string{"relay", "result"})
)

// Feed metrics
var (
	FeedState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "guardian_feed_state",
		Help: "Pending feed state: 0 disconnected, 1 connecting, 2 connected, 3 polling",
	})

	FeedReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guardian_feed_received_total",
		Help: "Pending transactions received from the feed",
	})

	FeedDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guardian_feed_dropped_total",
		Help: "Pending transactions dropped by the bounded queue",
	})

	FeedReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guardian_feed_reconnects_total",
		Help: "Pending feed reconnect attempts",
	})
)
