package backend

import "github.com/prometheus/client_golang/prometheus"

var (
	loadSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lemond",
			Subsystem: "backend",
			Name:      "load_seconds",
			Help:      "Time from load request to healthy backend, including any install",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"backend", "outcome"},
	)

	running = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "lemond",
			Subsystem: "backend",
			Name:      "running",
			Help:      "Backend processes currently loaded",
		},
		[]string{"backend"},
	)
)

func init() {
	prometheus.MustRegister(loadSeconds, running)
}
