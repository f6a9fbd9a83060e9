package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	subscriptionStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "livesync",
			Subsystem: "subscription",
			Name:      "starts_total",
			Help:      "Number of successful subscription registrations.",
		}, []string{"collection"},
	)
	subscriptionStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "livesync",
			Subsystem: "subscription",
			Name:      "stops_total",
			Help:      "Number of subscriptions stopped.",
		}, []string{"collection"},
	)
	subscriptionRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "livesync",
			Subsystem: "subscription",
			Name:      "restarts_total",
			Help:      "Number of subscriptions re-registered after reconnection.",
		}, []string{"collection"},
	)
	deliveryErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "livesync",
			Subsystem: "subscription",
			Name:      "delivery_errors_total",
			Help:      "Number of errors reported for active subscriptions.",
		}, []string{"collection"},
	)
	snapshotsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "livesync",
			Subsystem: "subscription",
			Name:      "snapshots_total",
			Help:      "Number of snapshots delivered to callbacks.",
		}, []string{"collection"},
	)
	snapshotSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "livesync",
			Subsystem: "subscription",
			Name:      "snapshot_documents",
			Help:      "Number of documents per delivered snapshot.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"collection"},
	)
	activeSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "livesync",
			Subsystem: "subscription",
			Name:      "active",
			Help:      "Current number of registered subscriptions.",
		},
	)

	probes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "livesync",
			Subsystem: "connection",
			Name:      "probes_total",
			Help:      "Number of heartbeat probes by result.",
		}, []string{"result"},
	)
	probeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "livesync",
			Subsystem: "connection",
			Name:      "probe_duration_seconds",
			Help:      "Heartbeat probe round-trip time.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	connected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "livesync",
			Subsystem: "connection",
			Name:      "connected",
			Help:      "1 when the store is believed reachable, 0 otherwise.",
		},
	)
	consecutiveFailures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "livesync",
			Subsystem: "connection",
			Name:      "consecutive_failures",
			Help:      "Current run of failed heartbeat probes.",
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "livesync",
			Subsystem: "connection",
			Name:      "state_transitions_total",
			Help:      "Number of connectivity state transitions.",
		}, []string{"from", "to"},
	)

	writes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "livesync",
			Subsystem: "mutation",
			Name:      "writes_total",
			Help:      "Number of write operations by kind and result.",
		}, []string{"op", "result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		subscriptionStarts, subscriptionStops, subscriptionRestarts, deliveryErrors,
		snapshotsDelivered, snapshotSize, activeSubscriptions,
		probes, probeDuration, connected, consecutiveFailures, stateTransitions,
		writes,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered with this registerer: keep the existing one
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSubscriptionStart(collection string) {
	if regOK.Load() {
		subscriptionStarts.WithLabelValues(collection).Inc()
	}
}

func IncSubscriptionStop(collection string) {
	if regOK.Load() {
		subscriptionStops.WithLabelValues(collection).Inc()
	}
}

func IncSubscriptionRestart(collection string) {
	if regOK.Load() {
		subscriptionRestarts.WithLabelValues(collection).Inc()
	}
}

func IncDeliveryError(collection string) {
	if regOK.Load() {
		deliveryErrors.WithLabelValues(collection).Inc()
	}
}

func ObserveSnapshot(collection string, documents int) {
	if regOK.Load() {
		snapshotsDelivered.WithLabelValues(collection).Inc()
		snapshotSize.WithLabelValues(collection).Observe(float64(documents))
	}
}

func SetActiveSubscriptions(n int) {
	if regOK.Load() {
		activeSubscriptions.Set(float64(n))
	}
}

func ObserveProbe(ok bool, seconds float64) {
	if regOK.Load() {
		result := "failure"
		if ok {
			result = "success"
		}
		probes.WithLabelValues(result).Inc()
		probeDuration.Observe(seconds)
	}
}

func SetConnected(ok bool) {
	if regOK.Load() {
		var v float64
		if ok {
			v = 1
		}
		connected.Set(v)
	}
}

func SetConsecutiveFailures(n int) {
	if regOK.Load() {
		consecutiveFailures.Set(float64(n))
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func IncWrite(op string, err error) {
	if regOK.Load() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		writes.WithLabelValues(op, result).Inc()
	}
}
