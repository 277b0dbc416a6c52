package prometheus

import (
	"time"

	"github.com/marmos91/mirrorfs/pkg/frame"
	"github.com/marmos91/mirrorfs/pkg/metrics"
	"github.com/marmos91/mirrorfs/pkg/xlators/cluster/replicate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// healMetrics is the Prometheus implementation of replicate.HealMetrics.
type healMetrics struct {
	sessionsStarted  *prometheus.CounterVec
	sessionsFinished *prometheus.CounterVec
	sessionDuration  *prometheus.HistogramVec
	sessionsInFlight *prometheus.GaugeVec
	bytesCopied      prometheus.Counter
}

// NewHealMetrics creates a Prometheus-backed replicate.HealMetrics.
//
// Returns nil if metrics are not enabled; replicate falls back to its no-op
// implementation.
func NewHealMetrics() replicate.HealMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	// Frame accounting violations are process-wide
	promauto.With(reg).NewCounterFunc(
		prometheus.CounterOpts{
			Name: "mirrorfs_frame_violations_total",
			Help: "Total number of frames unwound twice or destroyed with outstanding children",
		},
		func() float64 { return float64(frame.Violations()) },
	)

	return &healMetrics{
		sessionsStarted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "mirrorfs_heal_sessions_started_total",
				Help: "Total number of self-heal sessions started by kind",
			},
			[]string{"kind"},
		),
		sessionsFinished: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "mirrorfs_heal_sessions_total",
				Help: "Total number of finished self-heal sessions by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		sessionDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "mirrorfs_heal_session_duration_milliseconds",
				Help: "Duration of self-heal sessions in milliseconds",
				Buckets: []float64{
					1,      // 1ms
					10,     // 10ms
					100,    // 100ms
					1000,   // 1s
					10000,  // 10s
					100000, // 100s
				},
			},
			[]string{"kind"},
		),
		sessionsInFlight: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mirrorfs_heal_sessions_in_flight",
				Help: "Current number of running self-heal sessions",
			},
			[]string{"kind"},
		),
		bytesCopied: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "mirrorfs_heal_bytes_copied_total",
				Help: "Total bytes written to sinks by data self-heal",
			},
		),
	}
}

func (m *healMetrics) SessionStarted(kind replicate.HealKind) {
	m.sessionsStarted.WithLabelValues(kind.String()).Inc()
	m.sessionsInFlight.WithLabelValues(kind.String()).Inc()
}

func (m *healMetrics) SessionFinished(kind replicate.HealKind, outcome replicate.Outcome, duration time.Duration) {
	m.sessionsInFlight.WithLabelValues(kind.String()).Dec()
	m.sessionsFinished.WithLabelValues(kind.String(), outcome.String()).Inc()
	m.sessionDuration.WithLabelValues(kind.String()).Observe(duration.Seconds() * 1000) // Convert to milliseconds
}

func (m *healMetrics) BytesCopied(n int) {
	m.bytesCopied.Add(float64(n))
}
