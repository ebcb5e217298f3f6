package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	provisioningSubsystem = "provisioning"

	outcomeSucceeded = "SUCCEEDED"
)

// ProvisioningMetrics records provisioning session lifecycle events. It
// satisfies the coordinator's Observer interface.
type ProvisioningMetrics struct {
	started         prometheus.Counter
	active          prometheus.Gauge
	challengeTime   prometheus.Histogram
	resolved        *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec
}

// NewProvisioningMetrics creates the collectors and registers them.
func NewProvisioningMetrics(namespace string, reg prometheus.Registerer) (*ProvisioningMetrics, error) {
	namespace = sanitizeNamespace(namespace)

	pm := &ProvisioningMetrics{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: provisioningSubsystem,
			Name:      "sessions_started_total",
			Help:      "Number of provisioning sessions started.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: provisioningSubsystem,
			Name:      "sessions_active",
			Help:      "Number of provisioning sessions not yet resolved.",
		}),
		challengeTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: provisioningSubsystem,
			Name:      "challenge_seconds",
			Help:      "The time (in seconds) from session start to challenge issuance.",
			Buckets:   prometheus.DefBuckets,
		}),
		resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: provisioningSubsystem,
			Name:      "sessions_resolved_total",
			Help:      "Number of provisioning sessions resolved, by outcome code.",
		}, []string{"outcome"}),
		sessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: provisioningSubsystem,
			Name:      "session_seconds",
			Help:      "The time (in seconds) from session start to resolution.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"outcome"}),
	}

	for _, c := range []prometheus.Collector{pm.started, pm.active, pm.challengeTime, pm.resolved, pm.sessionDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return pm, nil
}

func (pm *ProvisioningMetrics) SessionStarted() {
	pm.started.Inc()
	pm.active.Inc()
}

func (pm *ProvisioningMetrics) ChallengeIssued(elapsed time.Duration) {
	pm.challengeTime.Observe(elapsed.Seconds())
}

// SessionResolved records a terminal outcome. An empty code means success.
func (pm *ProvisioningMetrics) SessionResolved(code string, elapsed time.Duration) {
	outcome := code
	if outcome == "" {
		outcome = outcomeSucceeded
	}
	pm.active.Dec()
	pm.resolved.WithLabelValues(outcome).Inc()
	pm.sessionDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// Prometheus names allow [a-zA-Z0-9_] only.
func sanitizeNamespace(namespace string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, namespace)
}
