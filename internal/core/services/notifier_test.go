package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/drmaatic/backend/internal/core/ports"
	"github.com/drmaatic/backend/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNotifier(drm *fakeDRM, pub *fakePublisher, tl ports.TimelineRepository) ports.CompletionNotifier {
	return NewCompletionNotifier(CompletionNotifierConfig{
		DRM:       drm,
		Publisher: pub,
		Timeline:  tl,
		Logger:    testLogger,
	})
}

func receive(t *testing.T, ch <-chan domain.CompletionEvent) domain.CompletionEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok)
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("completion event not delivered")
	}
	return domain.CompletionEvent{}
}

func TestNotifier_TriggerPublishesJobInfo(t *testing.T) {
	drm := newFakeDRM()
	drm.waitInfo = domain.JobInfo{HasExited: true, ExitStatus: 3}
	pub := &fakePublisher{}
	tl := &fakeTimeline{}
	n := newTestNotifier(drm, pub, tl)
	task := &domain.Task{ID: uuid.New(), DRMJobID: handle("42")}

	ev := receive(t, n.Trigger(task, ports.WaitRequest{Exchange: "jobs", Route: "done", Timeout: time.Second}))
	assert.False(t, ev.Timeout)
	assert.Equal(t, task.ID, ev.Task)
	assert.Equal(t, 3, ev.JobInfo.ExitStatus)

	require.Len(t, pub.messages, 1)
	msg := pub.messages[0]
	assert.Equal(t, "jobs", msg.exchange)
	assert.Equal(t, "done", msg.route)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.body, &body))
	assert.Equal(t, false, body["timeout"])
	assert.Equal(t, map[string]interface{}{"hasExited": true, "wasAborted": false, "exitStatus": float64(3)}, body["job_info"])

	events := tl.ofType(domain.EventTypeTaskWait)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventStatusSuccess, events[0].Status)
}

func TestNotifier_WaitFailuresReportTimeout(t *testing.T) {
	tests := []struct {
		name string
		task *domain.Task
		err  error
	}{
		{name: "no handle", task: &domain.Task{ID: uuid.New()}},
		{name: "drm timeout", task: &domain.Task{ID: uuid.New(), DRMJobID: handle("7")}, err: ports.ErrDRMTimeout},
		{name: "drm failure", task: &domain.Task{ID: uuid.New(), DRMJobID: handle("7")}, err: errors.New("ssh down")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drm := newFakeDRM()
			drm.waitErr = tt.err
			pub := &fakePublisher{}
			n := newTestNotifier(drm, pub, nil)

			ev := receive(t, n.Trigger(tt.task, ports.WaitRequest{Route: "q"}))
			assert.True(t, ev.Timeout)
			assert.Equal(t, domain.DefaultJobInfo(), ev.JobInfo)
			assert.Len(t, pub.messages, 1)
		})
	}
}

func TestNotifier_PublishFailureIsRecorded(t *testing.T) {
	drm := newFakeDRM()
	pub := &fakePublisher{err: errors.New("broker unreachable")}
	tl := &fakeTimeline{}
	n := newTestNotifier(drm, pub, tl)

	ev := receive(t, n.Trigger(&domain.Task{ID: uuid.New(), DRMJobID: handle("1")}, ports.WaitRequest{Route: "q"}))
	assert.False(t, ev.Timeout)

	events := tl.ofType(domain.EventTypeTaskWait)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventStatusFailed, events[0].Status)
}

func TestNotifier_TriggerUsesSnapshot(t *testing.T) {
	drm := newFakeDRM()
	pub := &fakePublisher{}
	n := newTestNotifier(drm, pub, nil)
	task := &domain.Task{ID: uuid.New(), DRMJobID: handle("5")}
	original := task.ID

	ch := n.Trigger(task, ports.WaitRequest{})
	task.ID = uuid.New()

	assert.Equal(t, original, receive(t, ch).Task)
}

func TestNotifier_WatchDoesNotPublish(t *testing.T) {
	drm := newFakeDRM()
	drm.waitInfo = domain.JobInfo{WasAborted: true}
	pub := &fakePublisher{}
	n := newTestNotifier(drm, pub, nil)

	ev := n.Watch(context.Background(), &domain.Task{ID: uuid.New(), DRMJobID: handle("9")}, 0)
	assert.False(t, ev.Timeout)
	assert.True(t, ev.JobInfo.WasAborted)
	assert.Empty(t, pub.messages)
}
