package prometheus

import (
	"testing"
	"time"

	"github.com/marmos91/mirrorfs/pkg/healer"
	"github.com/marmos91/mirrorfs/pkg/metrics"
	"github.com/marmos91/mirrorfs/pkg/xlators/cluster/replicate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useFreshRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics.UseRegistry(reg)
	t.Cleanup(func() { metrics.UseRegistry(nil) })
	return reg
}

func TestConstructorsReturnNilWhenDisabled(t *testing.T) {
	metrics.UseRegistry(nil)
	assert.Nil(t, NewHealMetrics())
	assert.Nil(t, NewCrawlMetrics())
}

func TestHealMetrics(t *testing.T) {
	reg := useFreshRegistry(t)
	m := NewHealMetrics()
	require.NotNil(t, m)

	m.SessionStarted(replicate.HealData)
	m.BytesCopied(4096)
	m.BytesCopied(10)
	m.SessionFinished(replicate.HealData, replicate.OutcomeHealed, 20*time.Millisecond)
	m.SessionStarted(replicate.HealEntry)
	m.SessionFinished(replicate.HealEntry, replicate.OutcomeSplitBrain, time.Millisecond)

	hm := m.(*healMetrics)
	assert.Equal(t, float64(4106), testutil.ToFloat64(hm.bytesCopied))
	assert.Equal(t, float64(1), testutil.ToFloat64(hm.sessionsFinished.WithLabelValues("data", "healed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(hm.sessionsFinished.WithLabelValues("entry", "split-brain")))
	assert.Zero(t, testutil.ToFloat64(hm.sessionsInFlight.WithLabelValues("data")))

	count, err := testutil.GatherAndCount(reg, "mirrorfs_frame_violations_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCrawlMetrics(t *testing.T) {
	useFreshRegistry(t)
	m := NewCrawlMetrics()
	require.NotNil(t, m)

	m.CrawlFinished("mirror", healer.Report{Scanned: 6, Clean: 3, Healed: 2, SplitBrain: 1}, time.Second)
	m.CrawlFinished("mirror", healer.Report{Scanned: 6, Clean: 6}, time.Second)

	cm := m.(*crawlMetrics)
	assert.Equal(t, float64(2), testutil.ToFloat64(cm.crawls.WithLabelValues("mirror")))
	assert.Equal(t, float64(9), testutil.ToFloat64(cm.inodes.WithLabelValues("mirror", "clean")))
	assert.Equal(t, float64(2), testutil.ToFloat64(cm.inodes.WithLabelValues("mirror", "healed")))
	assert.Zero(t, testutil.ToFloat64(cm.splitBrain.WithLabelValues("mirror")), "the gauge tracks the last crawl")
	assert.Greater(t, testutil.ToFloat64(cm.lastCompleted.WithLabelValues("mirror")), float64(0))
}
