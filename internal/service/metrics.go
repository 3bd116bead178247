package service

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	webhookResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_notifications_total",
			Help: "Processed payment notifications by source, result and retry flag.",
		},
		[]string{"source", "result", "retry"},
	)

	remoteLookupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webhook_remote_lookup_duration_seconds",
			Help:    "Duration of remote order lookups in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source", "success"},
	)
)

func init() {
	prometheus.MustRegister(webhookResults, remoteLookupDuration)
}

func observeResult(source, result string, retry bool) {
	webhookResults.WithLabelValues(source, result, strconv.FormatBool(retry)).Inc()
}
