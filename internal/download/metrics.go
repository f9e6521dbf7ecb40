package download

import "github.com/prometheus/client_golang/prometheus"

var (
	bytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lemond",
			Subsystem: "download",
			Name:      "bytes_total",
			Help:      "Bytes received over the wire by the downloader",
		},
	)

	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lemond",
			Subsystem: "download",
			Name:      "retries_total",
			Help:      "Download attempts that failed and were retried",
		},
		[]string{"reason"},
	)

	resultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lemond",
			Subsystem: "download",
			Name:      "results_total",
			Help:      "Completed download calls by outcome",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(bytesTotal, retriesTotal, resultsTotal)
}
