package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PgErrCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agenda",
		Subsystem: "pg",
		Name:      "pg_err_count",
	}, []string{"method"})
	PgDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agenda",
		Subsystem: "pg",
		Name:      "pg_duration",
	}, []string{"method"})
	MeetingOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agenda",
		Subsystem: "engine",
		Name:      "meeting_ops_total",
	}, []string{"op", "outcome"})
	MeetingOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agenda",
		Subsystem: "engine",
		Name:      "meeting_op_duration",
	}, []string{"op"})
	LockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agenda",
		Subsystem: "engine",
		Name:      "lock_wait_seconds",
		Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
	})
	RemindersSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agenda",
		Subsystem: "worker",
		Name:      "reminders_sent_total",
	})
)
