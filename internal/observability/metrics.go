package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	scanQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deltascan_queries_total",
			Help: "Total number of scan operations by operation and outcome.",
		},
		[]string{"operation", "status"},
	)

	scanQueryDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deltascan_query_duration_seconds",
			Help:    "Scan operation latency by operation.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	credentialsIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deltascan_credentials_issued_total",
			Help: "Total number of temporary credentials issued, by kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		scanQueriesTotal,
		scanQueryDurationSeconds,
		credentialsIssuedTotal,
	)
}

func ObserveScanQuery(operation string, err error, elapsed time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	scanQueriesTotal.WithLabelValues(operation, status).Inc()
	scanQueryDurationSeconds.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func IncCredentialIssued(kind string) {
	credentialsIssuedTotal.WithLabelValues(kind).Inc()
}
