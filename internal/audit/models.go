package audit

import (
	"strings"
	"time"
)

// Entry is one append-only audit record. Details carries the original
// event payload untouched; Action is the event type with the "task-"
// prefix stripped so queries read as created/updated/completed/deleted.
type Entry struct {
	ID        string         `bson:"_id" json:"id"`
	EventID   string         `bson:"event_id" json:"event_id"`
	EventType string         `bson:"event_type" json:"event_type"`
	Action    string         `bson:"action" json:"action"`
	UserID    string         `bson:"user_id" json:"user_id"`
	TaskID    string         `bson:"task_id,omitempty" json:"task_id,omitempty"`
	Timestamp time.Time      `bson:"timestamp" json:"timestamp"`
	Details   map[string]any `bson:"details" json:"details"`
}

// ActionFromEventType strips the task- prefix from lifecycle event types.
// Other event types pass through unchanged.
func ActionFromEventType(eventType string) string {
	return strings.TrimPrefix(eventType, "task-")
}

// Filter narrows audit queries. Zero values mean "any".
type Filter struct {
	UserID    string
	TaskID    string
	EventType string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// Stats summarizes entry counts per action.
type Stats struct {
	Total    int64            `json:"total"`
	ByAction map[string]int64 `json:"by_action"`
}
