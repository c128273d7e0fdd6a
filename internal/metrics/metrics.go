package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GradingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autograder_gradings_total",
			Help: "Total number of grading jobs by outcome category",
		},
		[]string{"status"}, // "graded" or the failure category
	)

	GradingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autograder_grading_duration_ms",
			Help:    "Grading duration in milliseconds",
			Buckets: []float64{250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000},
		},
		[]string{"phase"}, // phase: "run", "total"
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autograder_queue_depth",
			Help: "Current number of jobs in the queue",
		},
	)

	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autograder_active_workers",
			Help: "Number of workers currently processing jobs",
		},
	)

	ContainerCreationTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "autograder_container_creation_ms",
			Help:    "Time to create and start a container",
			Buckets: []float64{50, 100, 200, 500, 1000, 2000},
		},
	)

	SandboxTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autograder_sandbox_timeouts_total",
			Help: "Total number of sandboxes killed for exceeding the wall-clock budget",
		},
	)

	ImageBuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autograder_image_builds_total",
			Help: "Total number of sandbox image builds",
		},
		[]string{"status"},
	)

	ForeignRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autograder_foreign_records_total",
			Help: "Well-formed result records that named another student or assignment",
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autograder_rate_limit_hits_total",
			Help: "Total number of requests rejected by rate limiter",
		},
	)
)
