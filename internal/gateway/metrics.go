package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	active      prometheus.Gauge
	connects    *prometheus.CounterVec
	outputBytes prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "webterm",
			Subsystem: "gateway",
			Name:      "sessions_active",
			Help:      "Terminal sessions with a live backend.",
		}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webterm",
			Subsystem: "gateway",
			Name:      "connects_total",
			Help:      "Backend connection attempts by protocol and result.",
		}, []string{"protocol", "result"}),
		outputBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "webterm",
			Subsystem: "gateway",
			Name:      "output_bytes_total",
			Help:      "Remote output bytes relayed to clients.",
		}),
	}
	reg.MustRegister(m.active, m.connects, m.outputBytes)
	return m
}
