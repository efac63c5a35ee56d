package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/drmaatic/backend/internal/core/ports"
	"github.com/drmaatic/backend/internal/infrastructure/logger"
	"github.com/robfig/cron/v3"
)

const maintenanceBatch = 200

type MaintenanceConfig struct {
	Tasks    ports.TaskService
	Timeline ports.TimelineRepository
	Logger   *logger.Logger
	// Cron specs with a leading seconds field. Empty disables the job.
	StatusSyncSpec    string
	ArchiveSweepSpec  string
	PurgeSpec         string
	TimelinePruneSpec string
	PurgeAfter        time.Duration
	// TimelineRetention is how long lifecycle events are kept.
	TimelineRetention time.Duration
	RunTimeout        time.Duration
}

// MaintenanceScheduler periodically reconciles task state with the DRM.
type MaintenanceScheduler struct {
	cron    *cron.Cron
	tasks   ports.TaskService
	logger  *logger.Logger
	cfg     MaintenanceConfig
	mu      sync.Mutex
	running map[string]bool
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewMaintenanceScheduler(cfg MaintenanceConfig) (*MaintenanceScheduler, error) {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &MaintenanceScheduler{
		cron:    cron.New(cron.WithSeconds()),
		tasks:   cfg.Tasks,
		logger:  cfg.Logger,
		cfg:     cfg,
		running: make(map[string]bool),
		ctx:     ctx,
		cancel:  cancel,
	}

	jobs := []struct {
		name string
		spec string
		run  func(context.Context) (int, error)
	}{
		{"status_sync", cfg.StatusSyncSpec, m.SyncStatuses},
		{"archive_sweep", cfg.ArchiveSweepSpec, m.SweepArchives},
		{"purge", cfg.PurgeSpec, m.Purge},
		{"timeline_prune", cfg.TimelinePruneSpec, m.PruneTimeline},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		job := job
		if _, err := m.cron.AddFunc(job.spec, func() { m.trigger(job.name, job.run) }); err != nil {
			cancel()
			return nil, fmt.Errorf("maintenance %s: invalid cron spec %q: %w", job.name, job.spec, err)
		}
		m.logger.Infow("maintenance_job_registered", "job", job.name, "spec", job.spec)
	}
	return m, nil
}

func (m *MaintenanceScheduler) Start() {
	m.cron.Start()
	m.logger.Infow("maintenance_started", "jobs", len(m.cron.Entries()))
}

// Stop halts scheduling and waits for running jobs to return.
func (m *MaintenanceScheduler) Stop() {
	m.cancel()
	<-m.cron.Stop().Done()
	m.logger.Infow("maintenance_stopped")
}

// trigger skips a run while the previous run of the same job is in flight.
func (m *MaintenanceScheduler) trigger(name string, run func(context.Context) (int, error)) {
	m.mu.Lock()
	if m.running[name] {
		m.mu.Unlock()
		m.logger.Warnw("maintenance_job_skipped", "job", name)
		return
	}
	m.running[name] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.running, name)
		m.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.RunTimeout)
	defer cancel()
	start := time.Now()
	n, err := run(ctx)
	if err != nil {
		m.logger.Errorw("maintenance_job_failed", "job", name, "error", err)
		return
	}
	m.logger.Infow("maintenance_job_ok", "job", name, "affected", n, "took", time.Since(start).String())
}

func (m *MaintenanceScheduler) SyncStatuses(ctx context.Context) (int, error) {
	return m.tasks.SyncStatuses(ctx, maintenanceBatch)
}

func (m *MaintenanceScheduler) SweepArchives(ctx context.Context) (int, error) {
	return m.tasks.ArchiveFinished(ctx, maintenanceBatch)
}

func (m *MaintenanceScheduler) Purge(ctx context.Context) (int, error) {
	if m.cfg.PurgeAfter <= 0 {
		return 0, nil
	}
	return m.tasks.PurgeDeleted(ctx, m.cfg.PurgeAfter)
}

// PruneTimeline drops lifecycle events past the retention window.
func (m *MaintenanceScheduler) PruneTimeline(ctx context.Context) (int, error) {
	if m.cfg.Timeline == nil || m.cfg.TimelineRetention <= 0 {
		return 0, nil
	}
	return m.cfg.Timeline.DeleteBefore(ctx, time.Now().Add(-m.cfg.TimelineRetention))
}
