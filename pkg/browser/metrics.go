package browser

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chauffeur",
		Name:      "commands_total",
		Help:      "Page commands executed, by action and outcome.",
	}, []string{"action", "status"})
	metricCommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chauffeur",
		Name:      "command_duration_seconds",
		Help:      "Wall time of page commands, including retries.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"action"})
	metricSnapshots = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chauffeur",
		Name:      "snapshots_total",
		Help:      "Element snapshots built.",
	})
	metricSnapshotElements = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chauffeur",
		Name:      "snapshot_elements",
		Help:      "Interactable elements found per snapshot.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})
	metricTargetsAttached = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chauffeur",
		Name:      "targets_attached",
		Help:      "Page targets with a live session.",
	})
)

// refreshTargetGauge recounts attached targets. Callers hold b.mu.
func (b *Browser) refreshTargetGauge() {
	n := 0
	for _, t := range b.targets {
		if t.attached {
			n++
		}
	}
	metricTargetsAttached.Set(float64(n))
}
