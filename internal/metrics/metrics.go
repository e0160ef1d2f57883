package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Publish metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventcore_events_published_total",
			Help: "Total number of events published",
		},
		[]string{"channel", "backend"}, // backend: redis/embedded
	)

	PublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventcore_publish_duration_seconds",
			Help:    "Publish call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel", "backend"},
	)

	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventcore_publish_errors_total",
			Help: "Total number of publish errors",
		},
		[]string{"channel", "backend", "reason"},
	)

	// Delivery/subscription metrics
	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventcore_events_delivered_total",
			Help: "Total number of events delivered to subscribers",
		},
		[]string{"channel", "path"}, // path: live/replay/durable_object
	)

	SubscribersActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eventcore_subscribers_active",
			Help: "Number of active subscriptions per channel",
		},
		[]string{"channel"},
	)

	SubscriberBufferOverflows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventcore_subscriber_buffer_overflows_total",
			Help: "Total number of subscriber buffer drops due to a slow consumer",
		},
		[]string{"channel"},
	)

	// Resume metrics
	ResumeAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventcore_resume_attempts_total",
			Help: "Total number of iterator resume attempts keyed by last-event-id",
		},
		[]string{"channel", "result"}, // result: resumed/gap/exhausted
	)

	ResumeGapEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventcore_resume_gap_events_total",
			Help: "Total number of resumes that discovered a retention gap",
		},
		[]string{"channel"},
	)

	ResumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventcore_resume_latency_seconds",
			Help:    "Time spent replaying history before live delivery resumes",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	DuplicateEventsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventcore_duplicate_events_suppressed_total",
			Help: "Total number of events suppressed by dedup (high-water-mark or seen-id-set)",
		},
		[]string{"channel", "strategy"}, // strategy: high_water_mark/seen_set
	)

	// Retry engine metrics
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventcore_retry_attempts_total",
			Help: "Total number of retry attempts issued by the client retry engine",
		},
		[]string{"rpc", "outcome"}, // outcome: retry/success/exhausted
	)

	RetryWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventcore_retry_wait_seconds",
			Help:    "Computed wait duration before a retry attempt",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"rpc", "source"}, // source: retry-after/policy
	)

	// Durable object / embedded backend metrics
	DurableObjectSockets = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eventcore_durable_object_sockets",
			Help: "Number of websocket sockets currently attached to the durable object, by channel",
		},
		[]string{"channel"},
	)

	DurableObjectHibernations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventcore_durable_object_hibernations_total",
			Help: "Total number of times a durable object socket was closed on fan-out revalidation",
		},
		[]string{"channel", "reason"}, // reason: expired/revoked
	)

	RetentionSweepEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventcore_retention_sweep_evictions_total",
			Help: "Total number of stored events evicted by a retention sweep",
		},
		[]string{"backend"},
	)

	SchemaResetsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventcore_embedded_schema_resets_total",
			Help: "Total number of embedded store schema resets triggered by id overflow or a failed insert",
		},
	)

	// Peer framing metrics
	FramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventcore_frames_sent_total",
			Help: "Total number of peer frames sent",
		},
		[]string{"kind"}, // request/response/event_iterator/abort_signal
	)

	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventcore_frames_received_total",
			Help: "Total number of peer frames received",
		},
		[]string{"kind"},
	)

	FrameDecodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventcore_frame_decode_errors_total",
			Help: "Total number of peer frames that failed to decode",
		},
	)
)

// RecordPublish records metrics for a single publish call.
func RecordPublish(channel, backend string, durationSeconds float64, err error) {
	EventsPublished.WithLabelValues(channel, backend).Inc()
	PublishDuration.WithLabelValues(channel, backend).Observe(durationSeconds)
	if err != nil {
		PublishErrors.WithLabelValues(channel, backend, "error").Inc()
	}
}

// RecordDelivery records a single event delivered to a subscriber, live or replayed.
func RecordDelivery(channel, path string) {
	EventsDelivered.WithLabelValues(channel, path).Inc()
}

// RecordResume records the outcome of an iterator resume attempt.
func RecordResume(channel, result string, latencySeconds float64) {
	ResumeAttempts.WithLabelValues(channel, result).Inc()
	if result == "gap" {
		ResumeGapEvents.WithLabelValues(channel).Inc()
	}
	if latencySeconds > 0 {
		ResumeLatency.WithLabelValues(channel).Observe(latencySeconds)
	}
}

// RecordRetry records a single retry engine attempt and the wait duration that preceded it.
func RecordRetry(rpc, outcome, waitSource string, waitSeconds float64) {
	RetryAttempts.WithLabelValues(rpc, outcome).Inc()
	if waitSeconds > 0 {
		RetryWaitSeconds.WithLabelValues(rpc, waitSource).Observe(waitSeconds)
	}
}
