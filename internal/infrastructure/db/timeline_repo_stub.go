package db

import (
	"context"
	"sync"
	"time"

	"github.com/drmaatic/backend/internal/core/ports"
	"github.com/drmaatic/backend/internal/domain"
	"github.com/drmaatic/backend/internal/infrastructure/logger"
	"github.com/google/uuid"
)

const stubTimelineCapacity = 1000

// TimelineRepoStub keeps the most recent lifecycle events in memory. It backs
// the timeline when features.enable_timeline is off, so nothing reaches the
// database but the API still answers with recent history.
type TimelineRepoStub struct {
	logger *logger.Logger
	mu     sync.RWMutex
	events []domain.TimelineEvent
	nextID uint
}

func NewTimelineRepoStub(log *logger.Logger) ports.TimelineRepository {
	return &TimelineRepoStub{logger: log}
}

func (r *TimelineRepoStub) Create(ctx context.Context, event *domain.TimelineEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	event.ID = r.nextID
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	event.UpdatedAt = event.CreatedAt
	r.events = append(r.events, *event)
	if over := len(r.events) - stubTimelineCapacity; over > 0 {
		r.events = append(r.events[:0:0], r.events[over:]...)
	}

	r.logger.Debugw("timeline_event",
		"type", event.Type,
		"status", event.Status,
		"message", event.Message,
		"task", event.TaskID,
	)
	return nil
}

func (r *TimelineRepoStub) GetByID(ctx context.Context, id uint) (*domain.TimelineEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range r.events {
		if r.events[i].ID == id {
			ev := r.events[i]
			return &ev, nil
		}
	}
	return nil, ports.ErrNotFound
}

// GetByTask returns the newest events first, like the database repository.
func (r *TimelineRepoStub) GetByTask(ctx context.Context, taskID uuid.UUID, limit int) ([]domain.TimelineEvent, error) {
	return r.newest(limit, func(ev *domain.TimelineEvent) bool {
		return ev.TaskID != nil && *ev.TaskID == taskID
	}), nil
}

func (r *TimelineRepoStub) GetAll(ctx context.Context, limit int) ([]domain.TimelineEvent, error) {
	return r.newest(limit, func(*domain.TimelineEvent) bool { return true }), nil
}

func (r *TimelineRepoStub) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.events[:0]
	for _, ev := range r.events {
		if !ev.CreatedAt.Before(cutoff) {
			kept = append(kept, ev)
		}
	}
	removed := len(r.events) - len(kept)
	r.events = kept
	return removed, nil
}

func (r *TimelineRepoStub) newest(limit int, match func(*domain.TimelineEvent) bool) []domain.TimelineEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []domain.TimelineEvent{}
	for i := len(r.events) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if match(&r.events[i]) {
			out = append(out, r.events[i])
		}
	}
	return out
}
