package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	natsMessagesReceivedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "delivery_retrieval",
			Name:      "nats_messages_received_total",
			Help:      "Total number of NATS messages received.",
		},
		[]string{"subject_pattern"}, // e.g., "dispatch.callback.*"
	)

	callbackEventsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "delivery_retrieval",
			Name:      "callback_events_processed_total",
			Help:      "Total number of provider callback events processed.",
		},
		[]string{"backend", "status"}, // status: "success", "error", "duplicate"
	)

	deliveryReportsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "delivery_retrieval",
			Name:      "delivery_reports_total",
			Help:      "Delivery reports by outcome.",
		},
		[]string{"backend", "outcome"}, // applied, duplicate, pending, uncorrelated, error
	)

	callbackProcessingDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "delivery_retrieval",
			Name:      "callback_processing_duration_seconds",
			Help:      "Duration of callback batch processing.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	pollDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "delivery_retrieval",
			Name:      "poll_duration_seconds",
			Help:      "Duration of delivery status requests to backends.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend"},
	)
)
