package forward

import (
	"github.com/prometheus/client_golang/prometheus"

	"lemond/pkg/types"
)

var (
	forwardTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lemond",
			Subsystem: "forward",
			Name:      "requests_total",
			Help:      "Requests relayed to backends by mode and outcome",
		},
		[]string{"path", "mode", "outcome"},
	)

	ttftSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "lemond",
			Subsystem: "forward",
			Name:      "ttft_seconds",
			Help:      "Backend-reported time to first token",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	tokensPerSecond = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "lemond",
			Subsystem: "forward",
			Name:      "tokens_per_second",
			Help:      "Backend-reported decode throughput",
			Buckets:   []float64{1, 5, 10, 20, 40, 80, 160, 320},
		},
	)
)

func init() {
	prometheus.MustRegister(forwardTotal, ttftSeconds, tokensPerSecond)
}

func observe(path, mode, outcome string, tel types.Telemetry) {
	forwardTotal.WithLabelValues(path, mode, outcome).Inc()
	if tel.TimeToFirstTok != nil {
		ttftSeconds.Observe(*tel.TimeToFirstTok)
	}
	if tel.TokensPerSecond != nil {
		tokensPerSecond.Observe(*tel.TokensPerSecond)
	}
}
