package metrics_test

import (
	"testing"
	"time"

	"github.com/cuemby/netstore/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestTimerObservesElapsedDuration(t *testing.T) {
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_histogram"})
	timer := metrics.NewTimer()
	time.Sleep(5 * time.Millisecond)
	timer.ObserveDuration(hist)

	var out prometheus.Metric
	ch := make(chan prometheus.Metric, 1)
	hist.Collect(ch)
	out = <-ch
	assert.NotNil(t, out)
	assert.GreaterOrEqual(t, timer.Duration(), 5*time.Millisecond)
}

func TestTimerObservesElapsedDurationVec(t *testing.T) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_histogram_vec"}, []string{"label"})
	timer := metrics.NewTimer()
	timer.ObserveDurationVec(vec, "value")

	ch := make(chan prometheus.Metric, 1)
	vec.Collect(ch)
	assert.Len(t, ch, 1)
}
