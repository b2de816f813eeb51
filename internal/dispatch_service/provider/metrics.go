package provider

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	providerSendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "provider_messages_total",
			Help:      "Messages handed to providers, by backend and outcome.",
		},
		[]string{"backend", "outcome"}, // outcome: "sent", "error"
	)

	providerRequestDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "provider_request_duration_seconds",
			Help:      "Duration of requests to providers.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "request"},
	)
)
