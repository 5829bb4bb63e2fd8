package queue

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hrygo/crystalflow/store"
)

// collectors exports the scheduler counters to prometheus. The persisted
// store.SchedulerMetrics singleton stays authoritative for restarts; these
// gauges only mirror it for scraping.
type collectors struct {
	jobsScheduled prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsRetried   prometheus.Counter
	avgWaitTime   prometheus.Gauge
	queueDepth    *prometheus.GaugeVec
}

func newCollectors(reg prometheus.Registerer) *collectors {
	c := &collectors{
		jobsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crystalflow",
			Subsystem: "queue",
			Name:      "jobs_scheduled_total",
			Help:      "Jobs dispatched to a runner.",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crystalflow",
			Subsystem: "queue",
			Name:      "jobs_completed_total",
			Help:      "Jobs that reached COMPLETED.",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crystalflow",
			Subsystem: "queue",
			Name:      "jobs_failed_total",
			Help:      "Jobs that reached FAILED.",
		}),
		jobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crystalflow",
			Subsystem: "queue",
			Name:      "jobs_retried_total",
			Help:      "Failed jobs re-enqueued with retry budget remaining.",
		}),
		avgWaitTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crystalflow",
			Subsystem: "queue",
			Name:      "average_wait_seconds",
			Help:      "Exponentially smoothed queue wait time.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "crystalflow",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Queued jobs per cluster.",
		}, []string{"cluster"}),
	}
	if reg != nil {
		reg.MustRegister(c.jobsScheduled, c.jobsCompleted, c.jobsFailed, c.jobsRetried, c.avgWaitTime, c.queueDepth)
	}
	return c
}

// seed replays persisted counter values after a restart.
func (c *collectors) seed(m *store.SchedulerMetrics) {
	c.jobsScheduled.Add(float64(m.TotalJobsScheduled))
	c.jobsCompleted.Add(float64(m.TotalJobsCompleted))
	c.jobsFailed.Add(float64(m.TotalJobsFailed))
	c.jobsRetried.Add(float64(m.TotalJobsRetried))
	c.avgWaitTime.Set(m.AverageWaitTimeSeconds)
}
