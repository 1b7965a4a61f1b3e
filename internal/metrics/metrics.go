package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Submission outcomes recorded by the submission executor
const (
	SubmitTransferring = "transferring"
	SubmitDuplicate    = "duplicate"
	SubmitFailed       = "failed"
)

// Intake workflow outcomes
const (
	IntakeAccepted = "accepted"
	IntakeFailed   = "failed"
)

var (
	GateSlotsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transfer_gate_slots_in_use",
		Help: "The number of admission slots currently held by jobs being submitted or transferring",
	})

	GateCapacity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transfer_gate_capacity",
		Help: "The configured maximum number of concurrent transfers",
	})

	IntakeMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transfer_intake_messages_total",
		Help: "Messages consumed from the transfer-intake queue, by disposition (ack, requeue, reject)",
	}, []string{"disposition"})

	SubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transfer_submissions_total",
		Help: "Submission attempts against the transfer service, by outcome and failure reason",
	}, []string{"outcome", "reason"})

	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transfer_status_transitions_total",
		Help: "Job status transitions applied by the transfer manager",
	}, []string{"from", "to"})

	PollRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transfer_poll_runs_total",
		Help: "Reconciliation runs, by result (ok, list_failed, context_failed)",
	}, []string{"result"})

	PollJobErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transfer_poll_job_errors_total",
		Help: "Per-job failures (status query or store update) during reconciliation runs",
	})

	PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transfer_poll_duration_seconds",
		Help:    "Wall time of one reconciliation run",
		Buckets: prometheus.DefBuckets,
	})

	IntakeRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transfer_intake_requests_total",
		Help: "Transfer submissions received by the API, by outcome and failing step",
	}, []string{"outcome", "step"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "transfer_http_request_duration_seconds",
		Help:    "API request latency by method, route and status code",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)
