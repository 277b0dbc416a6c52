package prometheus

import (
	"time"

	"github.com/marmos91/mirrorfs/pkg/healer"
	"github.com/marmos91/mirrorfs/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// crawlMetrics is the Prometheus implementation of healer.Metrics.
type crawlMetrics struct {
	crawls        *prometheus.CounterVec
	inodes        *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	splitBrain    *prometheus.GaugeVec
	lastCompleted *prometheus.GaugeVec
}

// NewCrawlMetrics creates a Prometheus-backed healer.Metrics.
//
// Returns nil if metrics are not enabled.
func NewCrawlMetrics() healer.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &crawlMetrics{
		crawls: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "mirrorfs_crawls_total",
				Help: "Total number of self-heal crawls by replicate node",
			},
			[]string{"volume"},
		),
		inodes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "mirrorfs_crawl_inodes_total",
				Help: "Total number of inodes visited by the crawler by outcome",
			},
			[]string{"volume", "outcome"},
		),
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mirrorfs_crawl_duration_seconds",
				Help:    "Duration of a full self-heal crawl in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 10, 7), // 10ms .. 10000s
			},
			[]string{"volume"},
		),
		splitBrain: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mirrorfs_split_brain_inodes",
				Help: "Number of inodes found in split-brain by the last crawl",
			},
			[]string{"volume"},
		),
		lastCompleted: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mirrorfs_crawl_last_completed_timestamp_seconds",
				Help: "Unix time of the last finished crawl",
			},
			[]string{"volume"},
		),
	}
}

func (m *crawlMetrics) CrawlFinished(volume string, report healer.Report, duration time.Duration) {
	m.crawls.WithLabelValues(volume).Inc()
	m.inodes.WithLabelValues(volume, "clean").Add(float64(report.Clean))
	m.inodes.WithLabelValues(volume, "healed").Add(float64(report.Healed))
	m.inodes.WithLabelValues(volume, "split-brain").Add(float64(report.SplitBrain))
	m.inodes.WithLabelValues(volume, "failed").Add(float64(report.Failed))
	m.duration.WithLabelValues(volume).Observe(duration.Seconds())
	m.splitBrain.WithLabelValues(volume).Set(float64(report.SplitBrain))
	m.lastCompleted.WithLabelValues(volume).SetToCurrentTime()
}
