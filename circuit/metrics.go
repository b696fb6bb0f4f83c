package circuit

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Build outcomes as reported by the builds_total counter.
const (
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
	outcomeTimedOut  = "timed_out"
	outcomeCancelled = "cancelled"
)

// Metrics records circuit build statistics. A nil *Metrics records nothing.
type Metrics struct {
	launched  prometheus.Counter
	builds    *prometheus.CounterVec
	abandoned prometheus.Counter
	latency   *prometheus.HistogramVec
}

// NewMetrics creates the build collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		launched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "circmgr_circuit_builds_launched_total",
			Help: "Number of circuit builds started",
		}),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "circmgr_circuit_builds_total",
			Help: "Number of circuit builds by outcome seen by the caller",
		}, []string{"outcome"}),
		abandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "circmgr_circuit_builds_abandoned_total",
			Help: "Number of circuits completed after the caller gave up",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "circmgr_circuit_build_seconds",
			Help:    "Time taken by successful circuit builds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"hops"}),
	}
	if reg != nil {
		reg.MustRegister(m.launched, m.builds, m.abandoned, m.latency)
	}
	return m
}

func (m *Metrics) buildLaunched() {
	if m == nil {
		return
	}
	m.launched.Inc()
}

func (m *Metrics) buildFinished(outcome string, hops int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.builds.WithLabelValues(outcome).Inc()
	if outcome == outcomeSucceeded {
		m.latency.WithLabelValues(strconv.Itoa(hops)).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) buildAbandoned() {
	if m == nil {
		return
	}
	m.abandoned.Inc()
}
