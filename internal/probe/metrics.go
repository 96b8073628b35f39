package probe

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeOK       = "ok"
	outcomeFailed   = "failed"
	outcomeRejected = "rejected"
	outcomeCanceled = "canceled"
)

type metrics struct {
	checks      *prometheus.CounterVec
	attempts    prometheus.Histogram
	duration    prometheus.Histogram
	circuitOpen prometheus.Gauge
	window      prometheus.Gauge
}

func newMetrics(registerer prometheus.Registerer, name string) *metrics {
	const namespace = "retryprobe"

	m := metrics{
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Number of checks by outcome",
		}, []string{"outcome"}),
		attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempts",
			Help:      "HTTP attempts made by one check",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_duration_seconds",
			Help:      "Duration of one check including backoff",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		circuitOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_open",
			Help:      "1 while the circuit of the guard is open",
		}),
		window: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "guard_window_failures",
			Help:      "Failures counted by the guard since its circuit window last started",
		}),
	}

	if registerer != nil {
		registerer = prometheus.WrapRegistererWith(prometheus.Labels{"probe": name}, registerer)
		registerer.MustRegister(
			m.checks,
			m.attempts,
			m.duration,
			m.circuitOpen,
			m.window,
		)
	}

	return &m
}

func (m *metrics) observe(res Result, open bool, windowFailures int) {
	outcome := outcomeOK
	switch {
	case res.Rejected:
		outcome = outcomeRejected
	case res.Canceled:
		outcome = outcomeCanceled
	case !res.OK():
		outcome = outcomeFailed
	}
	m.checks.WithLabelValues(outcome).Inc()
	if !res.Rejected {
		m.attempts.Observe(float64(res.Attempts))
		m.duration.Observe(res.Duration.Seconds())
	}
	if open {
		m.circuitOpen.Set(1)
	} else {
		m.circuitOpen.Set(0)
	}
	m.window.Set(float64(windowFailures))
}
