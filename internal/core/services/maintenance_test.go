package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/drmaatic/backend/internal/core/ports"
	"github.com/drmaatic/backend/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingTasks records the maintenance entry points it receives.
type countingTasks struct {
	ports.TaskService
	mu        sync.Mutex
	syncLimit int
	sweeps    int
	purgedAge time.Duration
	purges    int
}

func (c *countingTasks) SyncStatuses(ctx context.Context, limit int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncLimit = limit
	return 3, nil
}

func (c *countingTasks) ArchiveFinished(ctx context.Context, limit int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweeps++
	return 1, nil
}

func (c *countingTasks) PurgeDeleted(ctx context.Context, olderThan time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purges++
	c.purgedAge = olderThan
	return 2, nil
}

func TestMaintenance_InvalidSpec(t *testing.T) {
	_, err := NewMaintenanceScheduler(MaintenanceConfig{
		Tasks:          &countingTasks{},
		Logger:         testLogger,
		StatusSyncSpec: "every minute",
	})
	assert.Error(t, err)
}

func TestMaintenance_Delegates(t *testing.T) {
	tasks := &countingTasks{}
	m, err := NewMaintenanceScheduler(MaintenanceConfig{
		Tasks:            tasks,
		Logger:           testLogger,
		StatusSyncSpec:   "0 */1 * * * *",
		ArchiveSweepSpec: "0 */15 * * * *",
		PurgeAfter:       72 * time.Hour,
	})
	require.NoError(t, err)
	assert.Len(t, m.cron.Entries(), 2)

	n, err := m.SyncStatuses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, maintenanceBatch, tasks.syncLimit)

	n, err = m.SweepArchives(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = m.Purge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 72*time.Hour, tasks.purgedAge)

	m.Start()
	m.Stop()
}

func TestMaintenance_PurgeDisabledWithoutAge(t *testing.T) {
	tasks := &countingTasks{}
	m, err := NewMaintenanceScheduler(MaintenanceConfig{Tasks: tasks, Logger: testLogger})
	require.NoError(t, err)

	n, err := m.Purge(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, tasks.purges)
}

func TestMaintenance_SkipsOverlappingRuns(t *testing.T) {
	m, err := NewMaintenanceScheduler(MaintenanceConfig{Tasks: &countingTasks{}, Logger: testLogger})
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.trigger("status_sync", func(ctx context.Context) (int, error) {
			close(started)
			<-release
			return 0, nil
		})
	}()
	<-started

	ran := false
	m.trigger("status_sync", func(ctx context.Context) (int, error) {
		ran = true
		return 0, nil
	})
	assert.False(t, ran)

	close(release)
	<-done

	m.trigger("status_sync", func(ctx context.Context) (int, error) {
		ran = true
		return 0, nil
	})
	assert.True(t, ran)
}

func TestMaintenance_EndToEndWithTaskService(t *testing.T) {
	f := newTaskFixture(t)
	task := f.create(t, ports.CreateTaskInput{ScriptName: "echo"})
	f.drm.statuses[*task.DRMJobID] = domain.TaskStatusDone
	writeOutputs(t, f.files.TaskDir(task.ID), "result.txt")

	m, err := NewMaintenanceScheduler(MaintenanceConfig{Tasks: f.svc, Logger: testLogger})
	require.NoError(t, err)

	n, err := m.SyncStatuses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = m.SweepArchives(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.FileExists(t, archivePath(f.files.TaskDir(task.ID), task.ID))
}

func TestMaintenance_PrunesTimeline(t *testing.T) {
	tl := &fakeTimeline{}
	ctx := context.Background()
	require.NoError(t, tl.Create(ctx, &domain.TimelineEvent{Type: "old", CreatedAt: time.Now().Add(-100 * 24 * time.Hour)}))
	require.NoError(t, tl.Create(ctx, &domain.TimelineEvent{Type: "recent", CreatedAt: time.Now().Add(-time.Hour)}))

	m, err := NewMaintenanceScheduler(MaintenanceConfig{
		Tasks:             &countingTasks{},
		Timeline:          tl,
		Logger:            testLogger,
		TimelinePruneSpec: "0 0 4 * * *",
		TimelineRetention: 90 * 24 * time.Hour,
	})
	require.NoError(t, err)
	assert.Len(t, m.cron.Entries(), 1)

	n, err := m.PruneTimeline(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, tl.ofType("old"))
	assert.Len(t, tl.ofType("recent"), 1)
}

func TestMaintenance_TimelinePruneDisabledWithoutRetention(t *testing.T) {
	tl := &fakeTimeline{}
	require.NoError(t, tl.Create(context.Background(), &domain.TimelineEvent{Type: "old", CreatedAt: time.Now().Add(-time.Hour)}))

	m, err := NewMaintenanceScheduler(MaintenanceConfig{Tasks: &countingTasks{}, Timeline: tl, Logger: testLogger})
	require.NoError(t, err)

	n, err := m.PruneTimeline(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, tl.ofType("old"), 1)
}
