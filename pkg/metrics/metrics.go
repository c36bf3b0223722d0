package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SeekTotal counts seek rounds of the skipstream iterator, labelled by
	// stream kind (only "skipstream" is recorded).
	SeekTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ds_seek_total",
			Help: "Total number of KV cursor seeks issued during replay",
		},
		[]string{"stream"},
	)

	NextTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ds_next_total",
			Help: "Total number of next() calls by outcome",
		},
		[]string{"db", "outcome"}, // only outcome "skip" (with db "") is recorded, when skipstream cursors disagree
	)

	HitTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ds_messages_yielded_total",
			Help: "Total number of messages yielded across all next() calls",
		},
	)

	CollisionTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ds_hash_collisions_total",
			Help: "Total number of skipstream index hash collisions rejected by final match",
		},
	)

	EndOfStreamTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ds_end_of_stream_total",
			Help: "Total number of end_of_stream results returned to callers",
		},
	)

	FutureReadTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ds_future_read_total",
			Help: "Total number of reads that hit the current-generation watermark and returned an empty, non-terminal batch",
		},
	)

	NextLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ds_next_duration_seconds",
			Help:    "Latency of next() calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"db"},
	)

	BatchCommitLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ds_batch_commit_duration_seconds",
			Help:    "Latency of store_batch commits in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	GenerationsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ds_generations_total",
			Help: "Number of live generations per shard",
		},
		[]string{"db", "shard"},
	)

	WatermarkMicros = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ds_watermark_micros",
			Help: "Current shard watermark (t_max) in microseconds",
		},
		[]string{"db", "shard"},
	)
)

func init() {
	prometheus.MustRegister(
		SeekTotal,
		NextTotal,
		HitTotal,
		CollisionTotal,
		EndOfStreamTotal,
		FutureReadTotal,
		NextLatency,
		BatchCommitLatency,
		GenerationsTotal,
		WatermarkMicros,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
