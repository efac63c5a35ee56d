package main

import (
	"fmt"
	"os"
	"time"

	"github.com/drmaatic/backend/internal/config"
	"github.com/drmaatic/backend/internal/core/ports"
	"github.com/drmaatic/backend/internal/core/services"
	"github.com/drmaatic/backend/internal/infrastructure/bus"
	"github.com/drmaatic/backend/internal/infrastructure/db"
	"github.com/drmaatic/backend/internal/infrastructure/drm"
	"github.com/drmaatic/backend/internal/infrastructure/logger"
	"github.com/drmaatic/backend/internal/infrastructure/remote"
	"github.com/drmaatic/backend/pkg/utils/crypto"
	"github.com/drmaatic/backend/pkg/utils/sshkeygen"
	"gorm.io/gorm"
)

// application holds every wired component. Commands build only once per run.
type application struct {
	cfg       *config.Config
	log       *logger.Logger
	db        *gorm.DB
	ssh       *remote.SSHClient
	publisher ports.EventPublisher

	timeline ports.TimelineRepository
	tasks    ports.TaskService
	scripts  ports.ScriptService
	users    ports.UserService
	notifier ports.CompletionNotifier
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if os.Getenv(config.EnvConfigPath) != "" {
		return ""
	}
	for _, p := range []string{"config/config.yaml", "../config/config.yaml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func newApplication() (*application, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	database, err := db.NewPostgresConnection(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info("database connection established")

	app := &application{cfg: cfg, log: log, db: database}
	if err := app.wire(); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *application) wire() error {
	cfg, log := a.cfg, a.log

	runner, err := a.newRunner()
	if err != nil {
		return err
	}
	adapter := drm.NewSlurmAdapter(drm.SlurmConfig{
		Runner:         runner,
		Logger:         log.Named("slurm"),
		PollInterval:   cfg.Cluster.PollInterval,
		CommandTimeout: cfg.Cluster.CommandTimeout,
		StageDir:       cfg.Cluster.SSH.RemoteScriptDir,
	})

	if cfg.AMQP.Enabled {
		a.publisher = bus.NewAMQPPublisher(cfg.AMQP.URL(), log.Named("amqp"))
		log.Infow("amqp_publisher_enabled", "host", cfg.AMQP.Host, "port", cfg.AMQP.Port)
	} else {
		a.publisher = bus.NewLocalBus(log)
		log.Info("no AMQP host configured, completion events stay in process")
	}

	if cfg.Features.EnableTimeline {
		a.timeline = db.NewTimelineRepository(a.db, log)
	} else {
		a.timeline = db.NewTimelineRepoStub(log)
	}

	taskRepo := db.NewTaskRepository(a.db, log)
	scriptRepo := db.NewScriptRepository(a.db, log)
	userRepo := db.NewUserRepository(a.db, log)

	files := services.NewFileManager(services.FileManagerConfig{
		OutputDir: cfg.Cluster.OutputDir,
		Logger:    log,
	})
	a.tasks = services.NewTaskService(services.TaskServiceConfig{
		Tasks:               taskRepo,
		Scripts:             scriptRepo,
		Timeline:            a.timeline,
		DRM:                 adapter,
		Files:               files,
		Logger:              log,
		ScriptDir:           cfg.Cluster.ScriptDir,
		RemoveFilesOnDelete: cfg.Cluster.RemoveTaskFilesOnDelete,
		EnableLocks:         cfg.Features.EnableLocks,
	})
	a.scripts = services.NewScriptService(scriptRepo, userRepo, log)
	a.users = services.NewUserService(userRepo, log)
	a.notifier = services.NewCompletionNotifier(services.CompletionNotifierConfig{
		DRM:       adapter,
		Publisher: a.publisher,
		Timeline:  a.timeline,
		Logger:    log,
	})
	return nil
}

// newRunner picks where scheduler commands execute.
func (a *application) newRunner() (drm.Runner, error) {
	cluster := a.cfg.Cluster
	if cluster.Transport != "ssh" {
		return drm.NewLocalRunner(), nil
	}

	var key string
	if cluster.SSH.KeyPath != "" {
		k, err := sshkeygen.ReadPrivateKey(cluster.SSH.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read cluster ssh key: %w", err)
		}
		key = k
	}
	password, err := crypto.Reveal(cluster.SSH.EncryptedPassword, a.cfg.Security.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt cluster ssh password: %w", err)
	}

	a.ssh = remote.NewSSHClient(remote.SSHConfig{
		Host:           cluster.SSH.Host,
		Port:           cluster.SSH.Port,
		User:           cluster.SSH.User,
		Password:       password,
		PrivateKey:     key,
		KnownHostsPath: cluster.SSH.KnownHostsPath,
		Timeout:        cluster.SSH.ConnectTimeout,
		MaxRetries:     cluster.SSH.Retries,
	})
	a.log.Infow("cluster_ssh_transport", "addr", a.ssh.Addr(), "user", cluster.SSH.User)
	return a.ssh, nil
}

func (a *application) newScheduler() (*services.MaintenanceScheduler, error) {
	m := a.cfg.Maintenance
	return services.NewMaintenanceScheduler(services.MaintenanceConfig{
		Tasks:             a.tasks,
		Timeline:          a.timeline,
		Logger:            a.log.Named("maintenance"),
		StatusSyncSpec:    m.StatusSync,
		ArchiveSweepSpec:  m.ArchiveSweep,
		PurgeSpec:         m.Purge,
		TimelinePruneSpec: m.TimelinePrune,
		PurgeAfter:        m.PurgeAfter,
		TimelineRetention: m.TimelineRetention,
		RunTimeout:        10 * time.Minute,
	})
}

func (a *application) Close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.log.Errorf("failed to close event publisher: %v", err)
		}
	}
	if a.ssh != nil {
		if err := a.ssh.Close(); err != nil {
			a.log.Errorf("failed to close ssh connection: %v", err)
		}
	}
	if err := db.Close(a.db); err != nil {
		a.log.Errorf("failed to close database connection: %v", err)
	}
	_ = a.log.Sync()
}
