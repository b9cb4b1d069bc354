package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskstream/internal/events"
	"taskstream/internal/logger"
)

type fakeStore struct {
	mu            sync.Mutex
	due           []DueReminder
	dueErr        error
	cutoffs       []time.Time
	flagged       []string
	notifications []string
	notifyErr     error
	notifyCount   int
}

func (f *fakeStore) DueReminders(_ context.Context, cutoff time.Time) ([]DueReminder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	if f.dueErr != nil {
		return nil, f.dueErr
	}
	return append([]DueReminder(nil), f.due...), nil
}

func (f *fakeStore) MarkReminderSent(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flagged = append(f.flagged, taskID)
	return nil
}

func (f *fakeStore) NotifyAndFlag(_ context.Context, reminder DueReminder, message string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notifyErr != nil {
		return "", f.notifyErr
	}
	f.notifyCount++
	f.flagged = append(f.flagged, reminder.TaskID)
	f.notifications = append(f.notifications, message)
	return "notif-1", nil
}

type fakePublisher struct {
	mu         sync.Mutex
	published  []map[string]any
	topics     []string
	publishErr error
}

func (f *fakePublisher) PublishSync(_ context.Context, topic, _, _ string, data map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return "evt-x", f.publishErr
	}
	f.topics = append(f.topics, topic)
	f.published = append(f.published, data)
	return "evt-x", nil
}

func newScanner(store *fakeStore, pub *fakePublisher, lookback time.Duration) *Scanner {
	return NewScanner(store, pub, time.Minute, lookback, logger.NopLogger())
}

func dueReminder(taskID string) DueReminder {
	due := time.Date(2026, time.March, 5, 9, 0, 0, 0, time.UTC)
	return DueReminder{
		TaskID:     taskID,
		UserID:     "user-1",
		Title:      "Submit report",
		Priority:   "high",
		DueDate:    &due,
		ReminderAt: time.Now().UTC().Add(-30 * time.Second),
	}
}

func TestScan_DispatchesDueReminder(t *testing.T) {
	store := &fakeStore{due: []DueReminder{dueReminder("task-1")}}
	pub := &fakePublisher{}
	s := newScanner(store, pub, 0)

	s.scan(context.Background())

	require.Len(t, store.notifications, 1)
	assert.Equal(t, "Reminder: Submit report (due 2026-03-05 09:00)", store.notifications[0])
	assert.Contains(t, store.flagged, "task-1")

	require.Len(t, pub.topics, 1)
	assert.Equal(t, events.TopicReminderDue, pub.topics[0])
	assert.Equal(t, "task-1", pub.published[0]["task_id"])
	assert.Equal(t, "notif-1", pub.published[0]["notification_id"])
}

func TestScan_CompletedTaskFlaggedWithoutNotification(t *testing.T) {
	reminder := dueReminder("task-1")
	reminder.Completed = true
	store := &fakeStore{due: []DueReminder{reminder}}
	pub := &fakePublisher{}
	s := newScanner(store, pub, 0)

	s.scan(context.Background())

	assert.Empty(t, store.notifications)
	assert.Empty(t, pub.topics)
	assert.Contains(t, store.flagged, "task-1", "flag must still be set so the task stops matching")
}

func TestScan_LookbackShiftsCutoffOnly(t *testing.T) {
	// A reminder hours past its time must still notify when a lookback is
	// set; the lookback only moves the selection cutoff, it never caps age.
	reminder := dueReminder("task-1")
	reminder.ReminderAt = time.Now().UTC().Add(-2 * time.Hour)
	store := &fakeStore{due: []DueReminder{reminder}}
	pub := &fakePublisher{}
	s := newScanner(store, pub, time.Minute)

	before := time.Now().UTC()
	s.scan(context.Background())

	require.Len(t, store.notifications, 1)
	assert.Contains(t, store.flagged, "task-1")
	require.Len(t, pub.topics, 1)

	require.Len(t, store.cutoffs, 1)
	assert.WithinDuration(t, before.Add(-time.Minute), store.cutoffs[0], time.Second)
}

func TestScan_DispatchesRemindersLongPastDue(t *testing.T) {
	reminder := dueReminder("task-1")
	reminder.ReminderAt = time.Now().UTC().Add(-48 * time.Hour)
	store := &fakeStore{due: []DueReminder{reminder}}
	pub := &fakePublisher{}
	s := newScanner(store, pub, 0)

	s.scan(context.Background())

	assert.Len(t, store.notifications, 1)
}

func TestScan_NotifyFailureDoesNotStopBatch(t *testing.T) {
	store := &fakeStore{
		due:       []DueReminder{dueReminder("task-1"), dueReminder("task-2")},
		notifyErr: errors.New("deadlock detected"),
	}
	pub := &fakePublisher{}
	s := newScanner(store, pub, 0)

	// Both dispatches fail, neither panics, and the scan completes.
	s.scan(context.Background())
	assert.Empty(t, pub.topics)

	// Next tick succeeds for both because nothing was flagged.
	store.mu.Lock()
	store.notifyErr = nil
	store.mu.Unlock()

	s.scan(context.Background())
	assert.Len(t, store.notifications, 2)
}

func TestScan_PublishFailureDoesNotUndoNotification(t *testing.T) {
	store := &fakeStore{due: []DueReminder{dueReminder("task-1")}}
	pub := &fakePublisher{publishErr: errors.New("broker unreachable")}
	s := newScanner(store, pub, 0)

	s.scan(context.Background())

	// The notification committed before the publish attempt; the flag
	// stays so the reminder does not fire twice.
	assert.Len(t, store.notifications, 1)
	assert.Contains(t, store.flagged, "task-1")
}

func TestScan_RacingInstanceProducesNoEvent(t *testing.T) {
	store := &fakeStore{due: []DueReminder{dueReminder("task-1")}}
	pub := &fakePublisher{}
	s := newScanner(store, pub, 0)

	// NotifyAndFlag reporting an empty ID means another instance already
	// sent this reminder.
	store.notifyErr = nil
	storeWrapped := &alreadySentStore{fakeStore: store}
	s.store = storeWrapped

	s.scan(context.Background())
	assert.Empty(t, pub.topics)
}

type alreadySentStore struct {
	*fakeStore
}

func (a *alreadySentStore) NotifyAndFlag(_ context.Context, _ DueReminder, _ string) (string, error) {
	return "", nil
}

func TestScan_QueryFailureIsAbsorbed(t *testing.T) {
	store := &fakeStore{dueErr: errors.New("connection refused")}
	pub := &fakePublisher{}
	s := newScanner(store, pub, 0)

	s.scan(context.Background())
	assert.Empty(t, pub.topics)
}

func TestFormatMessage(t *testing.T) {
	reminder := dueReminder("task-1")
	assert.Equal(t, "Reminder: Submit report (due 2026-03-05 09:00)", FormatMessage(reminder))

	reminder.DueDate = nil
	assert.Equal(t, "Reminder: Submit report", FormatMessage(reminder))
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	store := &fakeStore{}
	pub := &fakePublisher{}
	s := NewScanner(store, pub, 10*time.Millisecond, 0, logger.NopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scanner did not stop on context cancel")
	}
}
