// ============================================================================
// Meeseeks Metrics - Prometheus Monitoring
// ============================================================================
//
// Package: internal/metrics
// Purpose: Collect and expose box metrics for Prometheus
//
// Metric Categories:
//
//   1. Job Counters - cumulative:
//      - jobs_submitted_total, jobs_started_total, jobs_done_total,
//        jobs_failed_total, jobs_killed_total, jobs_expired_total
//
//   2. Gossip / routing counters:
//      - sync_jobs_total: jobs accepted from peers
//      - routed_jobs_total: routing decisions made by this box
//
//   3. Gauges:
//      - jobs: current jobs in the state table, by state
//      - pool_tasks: running tasks per pool
//      - peers_online: peers currently online
//
// Exposed via /metrics when metrics.enabled is set in the box config.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics. A nil *Collector is valid and
// records nothing, so components can run unmetered in tests.
type Collector struct {
	jobsSubmitted prometheus.Counter
	jobsStarted   prometheus.Counter
	jobsDone      prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsKilled    prometheus.Counter
	jobsExpired   prometheus.Counter

	syncJobs   prometheus.Counter
	routedJobs prometheus.Counter

	jobs        *prometheus.GaugeVec
	poolTasks   *prometheus.GaugeVec
	peersOnline prometheus.Gauge
}

// NewCollector creates and registers a metrics collector.
func NewCollector() *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meeseeks_jobs_submitted_total",
			Help: "Total number of jobs submitted to this box",
		}),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meeseeks_jobs_started_total",
			Help: "Total number of tasks started by local pools",
		}),
		jobsDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meeseeks_jobs_done_total",
			Help: "Total number of jobs finished successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meeseeks_jobs_failed_total",
			Help: "Total number of jobs failed",
		}),
		jobsKilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meeseeks_jobs_killed_total",
			Help: "Total number of jobs killed",
		}),
		jobsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meeseeks_jobs_expired_total",
			Help: "Total number of active jobs expired on offline nodes",
		}),
		syncJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meeseeks_sync_jobs_total",
			Help: "Total number of job updates accepted from peers",
		}),
		routedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meeseeks_routed_jobs_total",
			Help: "Total number of routing decisions made by this box",
		}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meeseeks_jobs",
			Help: "Current number of jobs in the state table by state",
		}, []string{"state"}),
		poolTasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meeseeks_pool_tasks",
			Help: "Current number of running tasks per pool",
		}, []string{"pool"}),
		peersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meeseeks_peers_online",
			Help: "Current number of peers reporting online",
		}),
	}

	prometheus.MustRegister(c.jobsSubmitted, c.jobsStarted, c.jobsDone,
		c.jobsFailed, c.jobsKilled, c.jobsExpired,
		c.syncJobs, c.routedJobs,
		c.jobs, c.poolTasks, c.peersOnline)

	return c
}

// RecordSubmit records a job submission.
func (c *Collector) RecordSubmit() {
	if c != nil {
		c.jobsSubmitted.Inc()
	}
}

// RecordStart records a task start.
func (c *Collector) RecordStart() {
	if c != nil {
		c.jobsStarted.Inc()
	}
}

// RecordState records a terminal transition.
func (c *Collector) RecordState(state string) {
	if c == nil {
		return
	}
	switch state {
	case "done":
		c.jobsDone.Inc()
	case "failed":
		c.jobsFailed.Inc()
	case "killed":
		c.jobsKilled.Inc()
	}
}

// RecordExpired records an active job expired on an offline node.
func (c *Collector) RecordExpired() {
	if c != nil {
		c.jobsExpired.Inc()
	}
}

// RecordSync records job updates accepted from a peer.
func (c *Collector) RecordSync(n int) {
	if c != nil && n > 0 {
		c.syncJobs.Add(float64(n))
	}
}

// RecordRouted records a routing decision.
func (c *Collector) RecordRouted() {
	if c != nil {
		c.routedJobs.Inc()
	}
}

// SetJobs updates the per-state job gauge.
func (c *Collector) SetJobs(byState map[string]int) {
	if c == nil {
		return
	}
	for state, n := range byState {
		c.jobs.WithLabelValues(state).Set(float64(n))
	}
}

// SetPoolTasks updates the running-task gauge for a pool.
func (c *Collector) SetPoolTasks(pool string, n int) {
	if c != nil {
		c.poolTasks.WithLabelValues(pool).Set(float64(n))
	}
}

// SetPeersOnline updates the online-peer gauge.
func (c *Collector) SetPeersOnline(n int) {
	if c != nil {
		c.peersOnline.Set(float64(n))
	}
}

// StartServer starts the Prometheus metrics HTTP server.
func StartServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, nil)
}
