package library

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects lending and sweep counters on a private registry.
// A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	issued        prometheus.Counter
	returned      prometheus.Counter
	renewed       prometheus.Counter
	feesAssessed  prometheus.Counter
	rejections    *prometheus.CounterVec
	notices       *prometheus.CounterVec
	sweepDuration prometheus.Histogram
}

// NewMetrics registers the lending collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		issued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lending_loans_issued_total",
			Help: "Loans created by successful borrows.",
		}),
		returned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lending_loans_returned_total",
			Help: "Loans closed by returns.",
		}),
		renewed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lending_loans_renewed_total",
			Help: "Successful renewals.",
		}),
		feesAssessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lending_overdue_fees_assessed_total",
			Help: "Sum of overdue fees computed at return, in currency units.",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lending_engine_rejections_total",
			Help: "Lending operations refused, by operation and error kind.",
		}, []string{"op", "kind"}),
		notices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lending_overdue_notices_total",
			Help: "Overdue notices delivered to sinks, by result.",
		}, []string{"result"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lending_sweep_duration_seconds",
			Help:    "Wall time of one overdue sweep.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(m.issued, m.returned, m.renewed, m.feesAssessed,
		m.rejections, m.notices, m.sweepDuration)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) loanIssued() {
	if m != nil {
		m.issued.Inc()
	}
}

func (m *Metrics) loanReturned(fee float64) {
	if m != nil {
		m.returned.Inc()
		m.feesAssessed.Add(fee)
	}
}

func (m *Metrics) loanRenewed() {
	if m != nil {
		m.renewed.Inc()
	}
}

func (m *Metrics) rejected(op string, kind Kind) {
	if m != nil {
		m.rejections.WithLabelValues(op, kind.String()).Inc()
	}
}

func (m *Metrics) notice(ok bool) {
	if m == nil {
		return
	}
	result := "delivered"
	if !ok {
		result = "failed"
	}
	m.notices.WithLabelValues(result).Inc()
}

func (m *Metrics) sweepTook(d time.Duration) {
	if m != nil {
		m.sweepDuration.Observe(d.Seconds())
	}
}
