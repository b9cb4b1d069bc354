package constants

import "time"

// Consumer names used as the second component of idempotency keys.
const (
	ConsumerRecurring = "recurring-service"
	ConsumerAudit     = "audit-service"
	ConsumerRealtime  = "realtime-service"
)

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second

	// KafkaHoldRetryInterval paces re-attempts while a reader holds its
	// position on an event that is neither processed nor parked.
	KafkaHoldRetryInterval = 5 * time.Second
)

const (
	// ProcessedKeyPrefix namespaces idempotency keys in the shared Redis.
	ProcessedKeyPrefix = "processed:"

	// DefaultIdempotencyTTL bounds idempotency key retention. The broker
	// never redelivers messages older than its own retention window, so
	// keys past 30 days can only be dead weight.
	DefaultIdempotencyTTL = 30 * 24 * time.Hour
)

const (
	// PublishTimeout bounds a fire-and-forget publish; after this the
	// attempt is abandoned and logged, never retried by the publisher.
	PublishTimeout = 10 * time.Second
)

const (
	DefaultReminderInterval = 60 * time.Second
	DefaultReminderLookback = time.Minute
)

const (
	DefaultSSEBufferSize = 16
	SSEKeepAlive         = 15 * time.Second
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

const (
	DefaultMongoDBName = "taskstream"
	AuditCollection    = "audit_logs"
)

const (
	FallbackDeny = "deny"
	FallbackFail = "fail"
)
