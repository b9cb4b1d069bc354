package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Total number of events published to the bus (count)",
		},
		[]string{"topic", "status"},
	)

	EventsConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_consumed_total",
			Help: "Total number of events consumed, by outcome (count)",
		},
		[]string{"service", "topic", "status"},
	)

	EventProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "event_processing_duration_ms",
			Help:    "Handler processing duration per event in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"service", "topic", "status"},
	)

	IdempotencyChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotency_checks_total",
			Help: "Total number of processed-event guard checks, by outcome (count)",
		},
		[]string{"consumer", "outcome"},
	)

	RecurringInstancesCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recurring_instances_created_total",
			Help: "Total number of successor task instances created (count)",
		},
		[]string{"rule"},
	)

	RecurringSeriesEndedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "recurring_series_ended_total",
			Help: "Total number of recurring series terminated by end date (count)",
		},
	)

	AuditEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_entries_total",
			Help: "Total number of audit log entries written (count)",
		},
		[]string{"event_type"},
	)

	RemindersDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reminders_dispatched_total",
			Help: "Total number of reminder scan outcomes per task (count)",
		},
		[]string{"status"},
	)

	ReminderScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reminder_scan_duration_ms",
			Help:    "Duration of a full reminder scan tick in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
	)

	RealtimeConnectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "realtime_connections_active",
			Help: "Number of open realtime client connections (count)",
		},
		[]string{"transport"},
	)

	RealtimeBroadcastsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_broadcasts_total",
			Help: "Total number of per-connection broadcast deliveries (count)",
		},
		[]string{"transport", "status"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"service", "topic"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages sent to DLQ (count)",
		},
		[]string{"service", "topic", "reason"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	KafkaMessagesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_read_total",
			Help: "Total number of messages read from Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaMessagesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_written_total",
			Help: "Total number of messages written to Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	DatabaseQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "database_queries_total",
			Help: "Total number of database queries (count)",
		},
		[]string{"service", "database", "operation", "status"},
	)

	DatabaseQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "database_query_duration_ms",
			Help:    "Duration of database queries in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"service", "database", "operation"},
	)
)

func RegisterBrokerMetrics() {
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(EventsConsumedTotal)
	prometheus.MustRegister(EventProcessingDuration)
	prometheus.MustRegister(RetryAttemptsTotal)
	prometheus.MustRegister(DLQMessagesTotal)
	prometheus.MustRegister(KafkaMessagesReadTotal)
	prometheus.MustRegister(KafkaMessagesWrittenTotal)
}

func RegisterIdempotencyMetrics() {
	prometheus.MustRegister(IdempotencyChecksTotal)
}

func RegisterRecurringMetrics() {
	prometheus.MustRegister(RecurringInstancesCreatedTotal)
	prometheus.MustRegister(RecurringSeriesEndedTotal)
	prometheus.MustRegister(DatabaseQueriesTotal)
	prometheus.MustRegister(DatabaseQueryDuration)
}

func RegisterAuditMetrics() {
	prometheus.MustRegister(AuditEntriesTotal)
	prometheus.MustRegister(RateLimitRequestsTotal)
	prometheus.MustRegister(DatabaseQueriesTotal)
	prometheus.MustRegister(DatabaseQueryDuration)
}

func RegisterReminderMetrics() {
	prometheus.MustRegister(RemindersDispatchedTotal)
	prometheus.MustRegister(ReminderScanDuration)
	prometheus.MustRegister(DatabaseQueriesTotal)
	prometheus.MustRegister(DatabaseQueryDuration)
}

func RegisterRealtimeMetrics() {
	prometheus.MustRegister(RealtimeConnectionsActive)
	prometheus.MustRegister(RealtimeBroadcastsTotal)
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(CircuitBreakerRequests)
	prometheus.MustRegister(CircuitBreakerFailures)
}

func ObserveEventProcessing(service, topic, status string, duration time.Duration) {
	EventProcessingDuration.WithLabelValues(service, topic, status).Observe(float64(duration.Milliseconds()))
}

func IncIdempotencyCheck(consumer, outcome string) {
	IdempotencyChecksTotal.WithLabelValues(consumer, outcome).Inc()
}

func IncDatabaseQuery(service, database, operation, status string) {
	DatabaseQueriesTotal.WithLabelValues(service, database, operation, status).Inc()
}

func ObserveDatabaseQueryDuration(service, database, operation string, duration time.Duration) {
	DatabaseQueryDuration.WithLabelValues(service, database, operation).Observe(float64(duration.Milliseconds()))
}

func ObserveReminderScan(duration time.Duration) {
	ReminderScanDuration.Observe(float64(duration.Milliseconds()))
}
