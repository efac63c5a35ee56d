package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/drmaatic/backend/internal/core/ports"
	"github.com/drmaatic/backend/internal/domain"
	"github.com/drmaatic/backend/internal/infrastructure/logger"
)

const (
	DefaultWaitTimeout = 60 * time.Second
	publishTimeout     = 10 * time.Second
)

type completionNotifier struct {
	drm       ports.DRMAdapter
	publisher ports.EventPublisher
	timeline  ports.TimelineRepository
	logger    *logger.Logger
}

type CompletionNotifierConfig struct {
	DRM       ports.DRMAdapter
	Publisher ports.EventPublisher
	Timeline  ports.TimelineRepository
	Logger    *logger.Logger
}

func NewCompletionNotifier(cfg CompletionNotifierConfig) ports.CompletionNotifier {
	return &completionNotifier{
		drm:       cfg.DRM,
		publisher: cfg.Publisher,
		timeline:  cfg.Timeline,
		logger:    cfg.Logger,
	}
}

// Trigger runs the wait in its own goroutine; the caller does not wait for
// it. Every call produces its own event, overlapping waits are not merged.
func (n *completionNotifier) Trigger(task *domain.Task, req ports.WaitRequest) <-chan domain.CompletionEvent {
	out := make(chan domain.CompletionEvent, 1)
	snapshot := *task
	if req.Timeout <= 0 {
		req.Timeout = DefaultWaitTimeout
	}

	go func() {
		defer close(out)
		event := n.wait(context.Background(), &snapshot, req.Timeout)
		n.publish(&snapshot, req, event)
		out <- event
	}()

	n.logger.Infow("notifier_wait_started", "task", snapshot.ID, "exchange", req.Exchange,
		"route", req.Route, "timeout", req.Timeout.String())
	return out
}

func (n *completionNotifier) Watch(ctx context.Context, task *domain.Task, timeout time.Duration) domain.CompletionEvent {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	return n.wait(ctx, task, timeout)
}

// wait never fails: any adapter error is reported as a timeout with the
// default job descriptor.
func (n *completionNotifier) wait(ctx context.Context, task *domain.Task, timeout time.Duration) domain.CompletionEvent {
	event := domain.CompletionEvent{Task: task.ID, Timeout: true, JobInfo: domain.DefaultJobInfo()}
	if !task.HasHandle() {
		n.logger.Warnw("notifier_wait_failed", "task", task.ID, "error", ErrNotifierNoHandle)
		return event
	}
	info, err := n.drm.Wait(ctx, *task.DRMJobID, timeout)
	if err != nil {
		n.logger.Warnw("notifier_wait_failed", "task", task.ID, "job", *task.DRMJobID, "error", err)
		return event
	}
	event.Timeout = false
	event.JobInfo = info
	return event
}

func (n *completionNotifier) publish(task *domain.Task, req ports.WaitRequest, event domain.CompletionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	status := domain.EventStatusSuccess
	body, err := json.Marshal(event)
	if err == nil {
		err = n.publisher.Publish(ctx, req.Exchange, req.Route, body)
	}
	if err != nil {
		status = domain.EventStatusFailed
		n.logger.Errorw("notifier_publish_failed", "task", task.ID, "exchange", req.Exchange, "route", req.Route, "error", err)
	} else {
		n.logger.Infow("notifier_publish_ok", "task", task.ID, "timeout", event.Timeout, "exit_status", event.JobInfo.ExitStatus)
	}

	if n.timeline == nil {
		return
	}
	id := task.ID
	tl := &domain.TimelineEvent{
		Type:    domain.EventTypeTaskWait,
		Status:  status,
		Message: "completion wait finished",
		Meta: map[string]interface{}{
			"exchange":    req.Exchange,
			"route":       req.Route,
			"timeout":     event.Timeout,
			"has_exited":  event.JobInfo.HasExited,
			"was_aborted": event.JobInfo.WasAborted,
			"exit_status": event.JobInfo.ExitStatus,
		},
		TaskID: &id,
	}
	if err := n.timeline.Create(ctx, tl); err != nil {
		n.logger.Errorw("failed to log timeline event", "task", task.ID, "error", err)
	}
}
