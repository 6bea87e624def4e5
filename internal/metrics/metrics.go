// Package metrics exposes engine counters and gauges to Prometheus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/kimpbot/internal/cycle"
	"github.com/alanyoungcy/kimpbot/internal/domain"
	"github.com/alanyoungcy/kimpbot/internal/executor"
)

const namespace = "kimpbot"

// Registry owns the engine collectors. It implements cycle.Observer.
type Registry struct {
	reg *prometheus.Registry

	phaseTransitions *prometheus.CounterVec
	cycleProfit      *prometheus.HistogramVec
	legsFinished     *prometheus.CounterVec
	legProfit        *prometheus.HistogramVec
	orderSubmissions prometheus.Counter
	legWarnings      prometheus.Counter
}

var _ cycle.Observer = (*Registry)(nil)

// New creates a registry with the engine collectors plus the Go runtime and
// process collectors.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		phaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cycle_phase_transitions_total",
			Help: "Cycle phase transitions by target phase.",
		}, []string{"phase"}),
		cycleProfit: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "cycle_total_profit_pct",
			Help:    "Total return of terminal cycles in percent of investment.",
			Buckets: prometheus.LinearBuckets(-2, 0.25, 17),
		}, []string{"phase"}),
		legsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "legs_finished_total",
			Help: "Finished order legs by leg number and final state.",
		}, []string{"leg", "state"}),
		legProfit: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "leg_profit_krw",
			Help:    "Realized KRW profit per completed leg.",
			Buckets: []float64{-100_000, -30_000, -10_000, -3_000, 0, 3_000, 10_000, 30_000, 100_000},
		}, []string{"leg"}),
		orderSubmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "order_submissions_total",
			Help: "Buy-side order submissions including reprices.",
		}),
		legWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "leg_warnings_total",
			Help: "Non-fatal warnings raised while executing legs.",
		}),
	}
	r.reg.MustRegister(
		r.phaseTransitions, r.cycleProfit, r.legsFinished, r.legProfit, r.orderSubmissions, r.legWarnings,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Prometheus returns the underlying registry.
func (r *Registry) Prometheus() *prometheus.Registry { return r.reg }

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// MustRegister adds further collectors, e.g. a SessionCollector.
func (r *Registry) MustRegister(cs ...prometheus.Collector) { r.reg.MustRegister(cs...) }

// GaugeFunc registers a gauge read from fn at scrape time.
func (r *Registry) GaugeFunc(name, help string, fn func() float64) {
	r.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: name, Help: help,
	}, fn))
}

func (r *Registry) PhaseChanged(c domain.Cycle) {
	r.phaseTransitions.WithLabelValues(string(c.Phase)).Inc()
	if c.Phase == domain.PhaseCompleted || c.Phase == domain.PhaseLeg1OnlyCompleted {
		r.cycleProfit.WithLabelValues(string(c.Phase)).Observe(c.TotalProfitPct)
	}
}

func (r *Registry) LegFinished(leg int, res executor.LegResult) {
	l := strconv.Itoa(leg)
	r.legsFinished.WithLabelValues(l, string(res.State)).Inc()
	r.orderSubmissions.Add(float64(res.Submissions))
	r.legWarnings.Add(float64(len(res.Warnings)))
	if res.State == executor.StateDone {
		r.legProfit.WithLabelValues(l).Observe(res.ProfitKRW)
	}
}

var sessionStatuses = []domain.SessionStatus{
	domain.SessionIdle, domain.SessionDeciding, domain.SessionLeg1InFlight,
	domain.SessionAwaitingLeg2, domain.SessionLeg2InFlight,
}

// SessionCollector reports the number of sessions in each status and each
// session's priority, read from list at scrape time.
type SessionCollector struct {
	list     func() []domain.Session
	count    *prometheus.Desc
	priority *prometheus.Desc
}

var _ prometheus.Collector = (*SessionCollector)(nil)

// NewSessionCollector creates a collector over list.
func NewSessionCollector(list func() []domain.Session) *SessionCollector {
	return &SessionCollector{
		list: list,
		count: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sessions"),
			"Sessions by status.", []string{"status"}, nil),
		priority: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "session_priority"),
			"Scheduling priority of each session.", []string{"session"}, nil),
	}
}

func (c *SessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.count
	ch <- c.priority
}

func (c *SessionCollector) Collect(ch chan<- prometheus.Metric) {
	sessions := c.list()
	counts := make(map[domain.SessionStatus]int, len(sessionStatuses))
	for _, s := range sessions {
		counts[s.Status]++
		ch <- prometheus.MustNewConstMetric(c.priority, prometheus.GaugeValue, s.Priority, s.ID)
	}
	for _, st := range sessionStatuses {
		ch <- prometheus.MustNewConstMetric(c.count, prometheus.GaugeValue, float64(counts[st]), string(st))
	}
}
