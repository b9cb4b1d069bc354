package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskstream/internal/events"
	"taskstream/internal/logger"
)

type fakeConn struct {
	mu       sync.Mutex
	sent     [][]byte
	sendErr  error
	closed   bool
	trans    string
}

func newFakeConn(transport string) *fakeConn {
	return &fakeConn{trans: transport}
}

func (f *fakeConn) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) Transport() string { return f.trans }

func taskEnvelope(userID string) events.Envelope {
	return events.Envelope{
		EventID:   "evt-1",
		EventType: events.TypeTaskUpdated,
		Timestamp: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC),
		UserID:    userID,
		Data:      map[string]any{"task_id": "task-1", "after": map[string]any{"title": "New title"}},
	}
}

func TestBroadcast_DeliversToAllUserConnections(t *testing.T) {
	registry := NewRegistry()
	ws := newFakeConn(TransportWebSocket)
	sse := newFakeConn(TransportSSE)
	registry.Add("user-1", ws)
	registry.Add("user-1", sse)

	b := NewBroadcaster(registry, logger.NopLogger())
	require.NoError(t, b.HandleEvent(context.Background(), taskEnvelope("user-1")))

	require.Len(t, ws.sent, 1)
	require.Len(t, sse.sent, 1)

	var msg Message
	require.NoError(t, json.Unmarshal(ws.sent[0], &msg))
	assert.Equal(t, "task_update", msg.Type)
	assert.Equal(t, "updated", msg.Action)
	assert.Equal(t, "user-1", msg.UserID)
	assert.Equal(t, "task-1", msg.Data["task_id"])
}

func TestBroadcast_OnlyOwnerReceives(t *testing.T) {
	registry := NewRegistry()
	mine := newFakeConn(TransportWebSocket)
	theirs := newFakeConn(TransportWebSocket)
	registry.Add("user-1", mine)
	registry.Add("user-2", theirs)

	b := NewBroadcaster(registry, logger.NopLogger())
	require.NoError(t, b.HandleEvent(context.Background(), taskEnvelope("user-1")))

	assert.Len(t, mine.sent, 1)
	assert.Empty(t, theirs.sent)
}

func TestBroadcast_FailedConnectionIsPruned(t *testing.T) {
	registry := NewRegistry()
	healthy := newFakeConn(TransportWebSocket)
	dead := newFakeConn(TransportWebSocket)
	dead.sendErr = errors.New("broken pipe")
	registry.Add("user-1", healthy)
	registry.Add("user-1", dead)

	b := NewBroadcaster(registry, logger.NopLogger())
	require.NoError(t, b.HandleEvent(context.Background(), taskEnvelope("user-1")))

	assert.Len(t, healthy.sent, 1)
	assert.True(t, dead.closed, "failed connection must be closed")
	assert.Len(t, registry.Connections("user-1"), 1, "failed connection must leave the registry")

	// The next broadcast reaches only the healthy connection.
	require.NoError(t, b.HandleEvent(context.Background(), taskEnvelope("user-1")))
	assert.Len(t, healthy.sent, 2)
}

func TestBroadcast_NoConnectionsIsNoop(t *testing.T) {
	b := NewBroadcaster(NewRegistry(), logger.NopLogger())
	require.NoError(t, b.HandleEvent(context.Background(), taskEnvelope("user-1")))
}

func TestBroadcast_EventWithoutUserIsDropped(t *testing.T) {
	registry := NewRegistry()
	conn := newFakeConn(TransportWebSocket)
	registry.Add("user-1", conn)

	b := NewBroadcaster(registry, logger.NopLogger())
	require.NoError(t, b.HandleEvent(context.Background(), taskEnvelope("")))
	assert.Empty(t, conn.sent)
}

func TestBroadcast_ReminderEventsUseReminderType(t *testing.T) {
	registry := NewRegistry()
	conn := newFakeConn(TransportSSE)
	registry.Add("user-1", conn)

	env := events.Envelope{
		EventID:   "evt-2",
		EventType: events.TypeReminderDue,
		Timestamp: time.Now(),
		UserID:    "user-1",
		Data:      map[string]any{"task_id": "task-1", "notification_id": "notif-1"},
	}

	b := NewBroadcaster(registry, logger.NopLogger())
	require.NoError(t, b.HandleEvent(context.Background(), env))

	require.Len(t, conn.sent, 1)
	var msg Message
	require.NoError(t, json.Unmarshal(conn.sent[0], &msg))
	assert.Equal(t, "reminder", msg.Type)
	assert.Equal(t, "reminder-due", msg.Action)
}
