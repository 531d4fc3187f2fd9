package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/devtrack/prmirror/pkg/ratelimit"
	"github.com/devtrack/prmirror/pkg/scheduler"
)

// Metrics bundles the collectors the ingestion core exposes.
type Metrics struct {
	outcomes        *prometheus.CounterVec
	requestDuration prometheus.Histogram
	queueDepth      prometheus.GaugeFunc
	inFlight        prometheus.GaugeFunc
	rateRemaining   *prometheus.GaugeVec
	commits         prometheus.Counter
}

// New registers the core's collectors against the given registerer.
func New(reg prometheus.Registerer, sched *scheduler.Scheduler, monitor *ratelimit.Monitor) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prmirror_ingest_outcomes_total",
			Help: "Per-PR ingestion outcomes by kind.",
		}, []string{"kind"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "prmirror_github_request_duration_seconds",
			Help:    "GitHub API round trip latency.",
			Buckets: prometheus.DefBuckets,
		}),
		rateRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "prmirror_rate_limit_remaining",
			Help: "Remaining quota per rate limit pool.",
		}, []string{"pool"}),
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prmirror_commits_total",
			Help: "Incremental database commits performed.",
		}),
	}
	if sched != nil {
		m.queueDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "prmirror_scheduler_queue_depth",
			Help: "Pending items in the priority queue.",
		}, func() float64 { return float64(sched.QueueDepth()) })
		m.inFlight = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "prmirror_scheduler_in_flight",
			Help: "Items currently executing.",
		}, func() float64 { return float64(sched.InFlight()) })
		reg.MustRegister(m.queueDepth, m.inFlight)
	}
	reg.MustRegister(m.outcomes, m.requestDuration, m.rateRemaining, m.commits)

	if monitor != nil {
		// Every snapshot moves the gauge, so recoveries show up too.
		monitor.OnUpdate(func(s ratelimit.Snapshot) {
			m.rateRemaining.WithLabelValues(string(s.Pool)).Set(float64(s.Remaining))
		})
	}
	return m
}

// ObserveOutcome counts one per-PR outcome kind.
func (m *Metrics) ObserveOutcome(kind string) {
	m.outcomes.WithLabelValues(kind).Inc()
}

// ObserveRequestSeconds records one API round trip.
func (m *Metrics) ObserveRequestSeconds(seconds float64) {
	m.requestDuration.Observe(seconds)
}

// ObserveCommit counts one incremental commit.
func (m *Metrics) ObserveCommit() {
	m.commits.Inc()
}

// SetRateRemaining records the latest remaining quota for a pool.
func (m *Metrics) SetRateRemaining(pool ratelimit.Pool, remaining int) {
	m.rateRemaining.WithLabelValues(string(pool)).Set(float64(remaining))
}
