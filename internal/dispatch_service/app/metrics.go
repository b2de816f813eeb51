package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	natsJobsReceivedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "nats_jobs_received_total",
			Help:      "Total NATS send jobs received.",
		},
		[]string{"subject"},
	)

	jobsProcessedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "jobs_processed_total",
			Help:      "Total send jobs processed.",
		},
		[]string{"status"}, // success, error_decode, error_validation, error_internal
	)

	messagesCreatedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "messages_created_total",
			Help:      "Total messages stored.",
		},
		[]string{"kind", "backend"},
	)

	claimConflictsCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "claim_conflicts_total",
			Help:      "Send attempts skipped because the message was no longer waiting.",
		},
	)

	sweptMessagesCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "swept_messages_total",
			Help:      "Waiting messages claimed by the periodic sweep.",
		},
	)

	retriesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatch",
			Name:      "retries_total",
			Help:      "Retry attempts created.",
		},
		[]string{"backend"},
	)

	sendDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "send_duration_seconds",
			Help:      "Duration of single message sends, including the state update.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend"},
	)
)
