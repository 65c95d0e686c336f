package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue lifecycle metrics
	JobsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailqueue_jobs_enqueued_total",
		Help: "Total number of email jobs accepted into the queue",
	})
	JobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailqueue_jobs_processed_total",
		Help: "Total number of delivery attempts finished by the processor, by outcome",
	}, []string{"outcome"})
	JobAttempts = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailqueue_job_attempts",
		Help:    "Lifetime attempt count of a job when an attempt finishes",
		Buckets: []float64{1, 2, 3, 4, 5, 6},
	})
	JobsClaimLost = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailqueue_jobs_claim_lost_total",
		Help: "Total number of selected jobs that were no longer eligible at claim time",
	})
	JobsRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailqueue_jobs_recovered_total",
		Help: "Total number of stale processing jobs moved to failed",
	})
	JobsReset = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailqueue_jobs_reset_total",
		Help: "Total number of jobs reset for retry by an operator",
	})
	// QueueDepth is refreshed from the store at the end of every tick.
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mailqueue_jobs",
		Help: "Number of jobs in the queue by status",
	}, []string{"status"})
	TickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailqueue_tick_duration_seconds",
		Help:    "Duration of a processor tick",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
	TickPanics = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailqueue_job_panics_total",
		Help: "Total number of panics recovered while processing a job",
	})
	StoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailqueue_store_errors_total",
		Help: "Total number of queue store operations that failed",
	}, []string{"op"})

	// Mail metrics
	MailSendSuccess = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailqueue_mail_send_success_total",
		Help: "Total number of successful mail sends",
	}, []string{"host"})
	MailSendFailure = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailqueue_mail_send_failure_total",
		Help: "Total number of failed mail sends",
	}, []string{"host"})
	MailSendDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailqueue_mail_send_duration_seconds",
		Help:    "Duration of a single transport send",
		Buckets: prometheus.DefBuckets,
	}, []string{"host"})
	MailSendAbandoned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailqueue_mail_send_abandoned_total",
		Help: "Total number of SMTP sessions left running after the send timeout",
	}, []string{"host"})

	// Event sink metrics
	EventSinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailqueue_event_sink_errors_total",
		Help: "Total number of lifecycle event writes that failed, by sink and error type",
	}, []string{"sink", "error_type"})
	EventSinkLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailqueue_event_sink_latency_seconds",
		Help:    "Latency of lifecycle event writes",
		Buckets: prometheus.DefBuckets,
	}, []string{"sink"})
	EventSinkConnected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mailqueue_event_sink_connected",
		Help: "Whether the event sink's last write succeeded (1) or not (0)",
	}, []string{"sink"})
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailqueue_events_dropped_total",
		Help: "Total number of lifecycle events dropped before reaching a sink",
	}, []string{"sink", "reason"})

	// API metrics
	APIEndpointRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailqueue_api_requests_total",
		Help: "Total number of admin API requests",
	}, []string{"endpoint", "code"})
	APIRateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailqueue_api_rate_limited_total",
		Help: "Total number of API requests rejected by the rate limiter",
	}, []string{"route"})
)

func init() {
	prometheus.MustRegister(
		JobsEnqueued,
		JobsProcessed,
		JobAttempts,
		JobsClaimLost,
		JobsRecovered,
		JobsReset,
		QueueDepth,
		TickDuration,
		TickPanics,
		StoreErrors,
		MailSendSuccess,
		MailSendFailure,
		MailSendDuration,
		MailSendAbandoned,
		EventSinkErrors,
		EventSinkLatency,
		EventSinkConnected,
		EventsDropped,
		APIEndpointRequests,
		APIRateLimited,
	)
}

// MetricsHandler returns an http.Handler exposing Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
