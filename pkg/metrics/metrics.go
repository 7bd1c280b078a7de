package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Reconciler metrics
	RefetchTotal      *prometheus.CounterVec
	RefetchDiscarded  prometheus.Counter
	RefetchLatency    prometheus.Histogram
	Resubscribes      *prometheus.CounterVec
	ActivePatients    prometheus.Gauge
	InvariantBreaches *prometheus.CounterVec

	// Mutation metrics
	Mutations *prometheus.CounterVec
	Rollbacks prometheus.Counter

	// Remote store metrics
	RemoteOperations *prometheus.CounterVec
	RemoteLatency    *prometheus.HistogramVec
	BreakerState     *prometheus.GaugeVec

	// Signal channel metrics
	CallsSent       prometheus.Counter
	CallsSuppressed prometheus.Counter
	RepliesReceived prometheus.Counter
	RepliesExpired  prometheus.Counter
}

// NewMetrics creates and registers all application metrics on reg. A nil
// reg registers nothing, which is what tests usually want.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RefetchTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "refetch_total",
			Help:      "Total number of snapshot refetches by outcome",
		}, []string{"status"}),
		RefetchDiscarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "refetch_discarded_total",
			Help:      "Refetch responses discarded because a newer snapshot was already applied",
		}),
		RefetchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "refetch_duration_seconds",
			Help:      "Time spent fetching a full snapshot",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		Resubscribes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "resubscribe_total",
			Help:      "Subscription re-establishments after a lost feed",
		}, []string{"table"}),
		ActivePatients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "active_patients",
			Help:      "Current number of active patients in the snapshot",
		}),
		InvariantBreaches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "invariant_violations_total",
			Help:      "Invariant violations observed in applied snapshots",
		}, []string{"invariant"}),

		Mutations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "mutations_total",
			Help:      "Mutations by operation and outcome",
		}, []string{"operation", "status"}),
		Rollbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "rollbacks_total",
			Help:      "Optimistic patches reverted after a failed write",
		}),

		RemoteOperations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "operations_total",
			Help:      "Total number of remote store operations",
		}, []string{"operation", "status"}),
		RemoteLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "operation_duration_seconds",
			Help:      "Duration of remote store operations",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"operation"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "breaker_open",
			Help:      "1 while the named circuit breaker is open",
		}, []string{"breaker"}),

		CallsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signal",
			Name:      "calls_sent_total",
			Help:      "Doctor calls broadcast",
		}),
		CallsSuppressed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signal",
			Name:      "calls_suppressed_total",
			Help:      "Doctor calls suppressed by the per-patient cooldown",
		}),
		RepliesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signal",
			Name:      "replies_received_total",
			Help:      "Doctor replies accepted into the reply cache",
		}),
		RepliesExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signal",
			Name:      "replies_expired_total",
			Help:      "Doctor replies evicted after their time-to-live",
		}),
	}
}

// New returns unregistered metrics.
func New(namespace string) *Metrics {
	return NewMetrics(nil, namespace)
}
