package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "taskstream/pkg/errors"
)

func TestNormalize_DirectEnvelope(t *testing.T) {
	raw := []byte(`{
		"event_id": "evt-1",
		"event_type": "task-created",
		"timestamp": "2026-03-01T10:00:00Z",
		"user_id": "user-1",
		"data": {"task_id": "task-1", "title": "Write report"}
	}`)

	env, err := Normalize(raw)
	require.NoError(t, err)

	assert.Equal(t, "evt-1", env.EventID)
	assert.Equal(t, "task-created", env.EventType)
	assert.Equal(t, "user-1", env.UserID)
	assert.Equal(t, "task-1", env.Data["task_id"])
}

func TestNormalize_WrappedEnvelope(t *testing.T) {
	// Transport framing puts the envelope one level down under "data".
	raw := []byte(`{
		"id": "transport-id",
		"source": "task-api",
		"data": {
			"event_id": "evt-2",
			"event_type": "task-completed",
			"timestamp": "2026-03-01T10:00:00Z",
			"user_id": "user-2",
			"data": {"task_id": "task-2", "title": "Weekly review"}
		}
	}`)

	env, err := Normalize(raw)
	require.NoError(t, err)

	assert.Equal(t, "evt-2", env.EventID)
	assert.Equal(t, "task-completed", env.EventType)
	assert.Equal(t, "user-2", env.UserID)
	assert.Equal(t, "task-2", env.Data["task_id"])
}

func TestNormalize_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"invalid json", `{not json`},
		{"missing event_id and data", `{"event_type": "task-created"}`},
		{"wrapped without event_id", `{"data": {"event_type": "task-created"}}`},
		{"missing event_type", `{"event_id": "evt-3", "user_id": "u"}`},
		{"missing user_id", `{"event_id": "evt-4", "event_type": "task-deleted", "data": {}}`},
		{"data is not an object", `{"data": "just a string"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize([]byte(tt.raw))
			require.Error(t, err)

			var appErr *pkgerrors.Error
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, pkgerrors.ErrMalformedEvent.Code, appErr.Code)
		})
	}
}

func TestEnvelope_AsTaskCompleted(t *testing.T) {
	env := Envelope{
		EventID:   "evt-5",
		EventType: TypeTaskCompleted,
		Timestamp: time.Now(),
		UserID:    "user-1",
		Data: map[string]any{
			"task_id":            "task-9",
			"title":              "Water plants",
			"recurring_rule":     "weekly",
			"recurring_end_date": "2026-12-31T00:00:00Z",
		},
	}

	d, err := env.AsTaskCompleted()
	require.NoError(t, err)

	assert.Equal(t, "task-9", d.TaskID)
	assert.Equal(t, "Water plants", d.Title)
	require.NotNil(t, d.RecurringRule)
	assert.Equal(t, "weekly", *d.RecurringRule)
	require.NotNil(t, d.RecurringEndDate)
}

func TestEnvelope_AsTaskCompleted_NullRecurrence(t *testing.T) {
	env := Envelope{
		EventID:   "evt-6",
		EventType: TypeTaskCompleted,
		Data: map[string]any{
			"task_id":        "task-10",
			"title":          "One-off chore",
			"recurring_rule": nil,
		},
	}

	d, err := env.AsTaskCompleted()
	require.NoError(t, err)
	assert.Nil(t, d.RecurringRule)
	assert.Nil(t, d.RecurringEndDate)
}

func TestStructToMap_RoundTrip(t *testing.T) {
	due := "2026-03-05T09:00:00Z"
	payload := ReminderDueData{
		TaskID:         "task-11",
		Title:          "Standup",
		DueDate:        &due,
		Priority:       "high",
		NotificationID: "notif-1",
	}

	m, err := StructToMap(payload)
	require.NoError(t, err)
	assert.Equal(t, "task-11", m["task_id"])
	assert.Equal(t, "high", m["priority"])

	env := Envelope{EventID: "evt-7", EventType: TypeReminderDue, Data: m}
	d, err := env.AsReminderDue()
	require.NoError(t, err)
	assert.Equal(t, payload, d)
}
