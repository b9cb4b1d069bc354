package events

import (
	"encoding/json"
	"time"

	"taskstream/pkg/errors"
)

// Topic names for the task lifecycle streams.
const (
	TopicTaskCreated   = "task-created"
	TopicTaskUpdated   = "task-updated"
	TopicTaskCompleted = "task-completed"
	TopicTaskDeleted   = "task-deleted"
	TopicReminderDue   = "reminder-due"
)

// Event type discriminators carried inside the envelope. They mirror the
// topic names so a consumer subscribed to several topics can branch on the
// payload alone.
const (
	TypeTaskCreated   = "task-created"
	TypeTaskUpdated   = "task-updated"
	TypeTaskCompleted = "task-completed"
	TypeTaskDeleted   = "task-deleted"
	TypeReminderDue   = "reminder-due"
)

// Envelope is the uniform wrapper for every event published on the bus.
// Data carries the event-type-specific payload; consumers that need typed
// access decode it with the As* helpers below.
type Envelope struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	UserID    string         `json:"user_id"`
	Data      map[string]any `json:"data"`
}

// Normalize decodes a raw broker message into an Envelope, unwrapping one
// level of transport framing if present. Some producers (and the DLQ path)
// deliver the envelope wrapped as {"data": {...envelope...}}; consumers must
// never see that difference, so unwrapping happens here, once, at ingress.
func Normalize(raw []byte) (Envelope, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Envelope{}, errors.ErrMalformedEvent.WithCause(err)
	}

	body := raw
	if _, ok := probe["event_id"]; !ok {
		inner, ok := probe["data"]
		if !ok {
			return Envelope{}, errors.ErrMalformedEvent.WithDetail("reason", "missing event_id and data")
		}
		body = inner
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, errors.ErrMalformedEvent.WithCause(err)
	}

	if env.EventID == "" {
		return Envelope{}, errors.ErrMalformedEvent.WithDetail("reason", "missing event_id")
	}
	if env.EventType == "" {
		return Envelope{}, errors.ErrMalformedEvent.WithDetail("reason", "missing event_type")
	}
	if env.UserID == "" {
		// Every event belongs to a user; an ownerless delivery cannot be
		// audited or routed and will never heal on redelivery.
		return Envelope{}, errors.ErrMalformedEvent.WithDetail("reason", "missing user_id")
	}

	return env, nil
}

// TaskCreatedData is the payload published on task-created.
type TaskCreatedData struct {
	TaskID           string   `json:"task_id"`
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	Priority         string   `json:"priority"`
	Category         string   `json:"category"`
	Status           string   `json:"status"`
	DueDate          *string  `json:"due_date"`
	ReminderAt       *string  `json:"reminder_at"`
	RecurringRule    *string  `json:"recurring_rule"`
	RecurringEndDate *string  `json:"recurring_end_date"`
	Tags             []string `json:"tags"`
}

// TaskUpdatedData carries before/after snapshots of the changed fields.
type TaskUpdatedData struct {
	TaskID string         `json:"task_id"`
	Before map[string]any `json:"before"`
	After  map[string]any `json:"after"`
}

// TaskCompletedData is the payload published on task-completed. The
// recurrence fields travel with the event so the recurring-instance
// generator can decide whether a successor is due without a task lookup.
type TaskCompletedData struct {
	TaskID           string  `json:"task_id"`
	Title            string  `json:"title"`
	RecurringRule    *string `json:"recurring_rule"`
	RecurringEndDate *string `json:"recurring_end_date"`
}

// TaskDeletedData is the payload published on task-deleted.
type TaskDeletedData struct {
	TaskID string `json:"task_id"`
	Title  string `json:"title"`
}

// ReminderDueData is the payload published on reminder-due.
type ReminderDueData struct {
	TaskID         string  `json:"task_id"`
	Title          string  `json:"title"`
	DueDate        *string `json:"due_date"`
	ReminderAt     *string `json:"reminder_at"`
	Priority       string  `json:"priority"`
	NotificationID string  `json:"notification_id"`
}

// decodeData round-trips the generic map into a typed payload struct.
func decodeData(data map[string]any, out any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return errors.ErrMalformedEvent.WithCause(err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.ErrMalformedEvent.WithCause(err)
	}
	return nil
}

func (e Envelope) AsTaskCreated() (TaskCreatedData, error) {
	var d TaskCreatedData
	err := decodeData(e.Data, &d)
	return d, err
}

func (e Envelope) AsTaskUpdated() (TaskUpdatedData, error) {
	var d TaskUpdatedData
	err := decodeData(e.Data, &d)
	return d, err
}

func (e Envelope) AsTaskCompleted() (TaskCompletedData, error) {
	var d TaskCompletedData
	err := decodeData(e.Data, &d)
	return d, err
}

func (e Envelope) AsTaskDeleted() (TaskDeletedData, error) {
	var d TaskDeletedData
	err := decodeData(e.Data, &d)
	return d, err
}

func (e Envelope) AsReminderDue() (ReminderDueData, error) {
	var d ReminderDueData
	err := decodeData(e.Data, &d)
	return d, err
}

// StructToMap converts a typed payload back into the generic form the
// envelope carries. Used by publishers that build payloads as structs.
func StructToMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
