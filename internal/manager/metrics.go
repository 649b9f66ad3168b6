package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "convscope",
			Subsystem: "jobs",
			Name:      "completed_total",
			Help:      "Total jobs settled, by terminal status",
		},
		[]string{"status"},
	)

	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "convscope",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration from dequeue to terminal state",
			Buckets:   prometheus.DefBuckets,
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "convscope",
			Subsystem: "jobs",
			Name:      "queued",
			Help:      "Jobs accepted but not yet picked up by a worker",
		},
	)

	cacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "convscope",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Jobs served from the result cache",
		},
	)

	cacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "convscope",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Jobs that ran the full pipeline",
		},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal, jobDuration, queueDepth, cacheHits, cacheMisses)
}
