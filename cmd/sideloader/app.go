package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/TinkerUp/sideload-core/internal/adb"
	"github.com/TinkerUp/sideload-core/internal/config"
	"github.com/TinkerUp/sideload-core/internal/device"
	"github.com/TinkerUp/sideload-core/internal/downloads"
	"github.com/TinkerUp/sideload-core/internal/events"
	"github.com/TinkerUp/sideload-core/internal/locks"
	"github.com/TinkerUp/sideload-core/internal/session"
	"github.com/TinkerUp/sideload-core/internal/store"
	"github.com/TinkerUp/sideload-core/internal/tasks"
	"github.com/TinkerUp/sideload-core/types/models"
)

const shutdownTimeout = 10 * time.Second

// app is the composition root shared by every command.
type app struct {
	settings     *config.Store
	log          *slog.Logger
	bus          *events.Bus
	monitor      *adb.Monitor
	supervisor   *device.Supervisor
	sessions     *session.Pool
	backups      store.BackupStore
	orchestrator *tasks.Orchestrator
}

func newApp(settings *config.Store, log *slog.Logger) (*app, error) {
	cfg := settings.Settings()

	client, err := adb.NewGoADBClient(adb.Config{ADBPath: cfg.ADB.Path, Host: cfg.ADB.Host, Port: cfg.ADB.Port})
	if err != nil {
		return nil, fmt.Errorf("adb client: %w", err)
	}

	daemon := adb.NewCommandDaemon(cfg.ADB.Path)
	bus := events.NewBus()
	shell := adb.NewGateway(client, log)
	monitor := adb.NewMonitor(client, log)

	registry := device.NewRegistry(client, shell, bus, settings, device.NewProducts(cfg.ADB.RecognizedProducts), log)
	supervisor := device.NewSupervisor(client, daemon, shell, monitor, registry, bus, settings, device.SupervisorConfig{
		MinVersion:      cfg.MinVersion(),
		LoopbackAddress: cfg.ADB.LoopbackAddress,
	}, log)

	backups := store.NewBackupStore(cfg.BackupsLocation)
	sessions := session.NewPool(client, daemon, shell, bus, backups, log)

	var downloader tasks.Downloader
	if cfg.MirrorLocation != "" {
		downloader = downloads.NewMirror(cfg.MirrorLocation, cfg.DownloadsLocation, log)
	}

	orchestrator := tasks.NewOrchestrator(supervisor, sessions, locks.NewManager(log), downloader, bus, tasks.Config{
		DownloadsLocation: cfg.DownloadsLocation,
		PruningPolicy:     cfg.DownloadsPruningPolicy,
		AddonsLocation:    cfg.AddonsLocation,
	}, log)

	return &app{
		settings:     settings,
		log:          log,
		bus:          bus,
		monitor:      monitor,
		supervisor:   supervisor,
		sessions:     sessions,
		backups:      backups,
		orchestrator: orchestrator,
	}, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.orchestrator.Shutdown(ctx); err != nil {
		a.log.Warn("tasks did not stop in time", "error", err)
	}
	a.monitor.Stop()
}

// activeSession connects to the best available headset.
func (a *app) activeSession(ctx context.Context) (*session.Session, error) {
	dev, err := a.supervisor.EnsureConnected(ctx, false)
	if err != nil {
		return nil, err
	}
	return a.sessions.For(dev), nil
}

// runTask enqueues options and reports status changes until the task ends.
func (a *app) runTask(ctx context.Context, options tasks.Options, report func(models.TaskInfo)) (models.TaskInfo, error) {
	info, err := a.orchestrator.Enqueue(options)
	if err != nil {
		return models.TaskInfo{}, err
	}

	sub := a.bus.Subscribe(16, events.TaskFinished)
	defer a.bus.Unsubscribe(sub)

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	last := ""
	for {
		current, err := a.orchestrator.Get(info.ID)
		if err != nil {
			return models.TaskInfo{}, err
		}
		if line := current.Status + current.Progress; line != last && !current.IsFinished {
			last = line
			report(current)
		}
		if current.IsFinished {
			return current, nil
		}

		select {
		case <-ctx.Done():
			if err := a.orchestrator.Cancel(info.ID); err != nil {
				return models.TaskInfo{}, err
			}
			return a.orchestrator.Wait(context.WithoutCancel(ctx), info.ID)
		case event := <-sub.C:
			if finished, ok := event.Data.(models.TaskInfo); ok && finished.ID == info.ID {
				return finished, nil
			}
		case <-ticker.C:
		}
	}
}

func taskError(info models.TaskInfo) error {
	if info.Result.IsSuccess() {
		return nil
	}
	if info.Error != "" {
		return fmt.Errorf("%s: %s", info.Result, info.Error)
	}
	return errors.New(string(info.Result))
}
