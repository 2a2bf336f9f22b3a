// Package tasks sequences multi-step user operations over device sessions
// and the download collaborator, serialized through the resource locks.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/TinkerUp/sideload-core/internal/errs"
	"github.com/TinkerUp/sideload-core/internal/events"
	"github.com/TinkerUp/sideload-core/internal/locks"
	"github.com/TinkerUp/sideload-core/internal/session"
	"github.com/TinkerUp/sideload-core/types/models"
)

// Connector resolves and probes the device tasks operate on.
type Connector interface {
	EnsureConnected(ctx context.Context, assumeOffline bool) (models.Device, error)
	Ping(ctx context.Context, device models.Device) bool
}

// Sessions hands out the session of a device.
type Sessions interface {
	For(device models.Device) *session.Session
}

type Config struct {
	DownloadsLocation string
	PruningPolicy     models.PruningPolicy
	AddonsLocation    string
}

type Orchestrator struct {
	connector  Connector
	sessions   Sessions
	locks      *locks.Manager
	downloader Downloader
	bus        *events.Bus
	cfg        Config
	log        *slog.Logger

	removeAll func(path string) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	tasks map[string]*Task
	order []*Task
}

func NewOrchestrator(
	connector Connector,
	sessions Sessions,
	lockManager *locks.Manager,
	downloader Downloader,
	bus *events.Bus,
	cfg Config,
	log *slog.Logger,
) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		connector:  connector,
		sessions:   sessions,
		locks:      lockManager,
		downloader: downloader,
		bus:        bus,
		cfg:        cfg,
		log:        log.With("component", "tasks"),
		removeAll:  os.RemoveAll,
		ctx:        ctx,
		cancel:     cancel,
		tasks:      make(map[string]*Task),
	}
}

// Enqueue validates options and starts the task in the background.
func (o *Orchestrator) Enqueue(options Options) (models.TaskInfo, error) {
	if err := options.Validate(); err != nil {
		return models.TaskInfo{}, err
	}
	if o.downloader == nil && needsDownloader(options.Kind) {
		return models.TaskInfo{}, fmt.Errorf("%w: no downloader configured for %s task", errs.ErrInvalidTaskOptions, options.Kind)
	}

	task := newTask(o.ctx, options)
	task.onFinish = o.finished

	o.mu.Lock()
	o.tasks[task.id] = task
	o.order = append(o.order, task)
	o.mu.Unlock()

	o.log.Info("task queued", "task_id", task.id, "kind", options.Kind, "name", task.name)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(task)
	}()

	return task.Info(), nil
}

func needsDownloader(kind models.TaskKind) bool {
	switch kind {
	case models.TaskDownloadAndInstall, models.TaskDownloadOnly, models.TaskPullAndUpload:
		return true
	}
	return false
}

// List returns all tasks in the order they were queued.
func (o *Orchestrator) List() []models.TaskInfo {
	o.mu.RLock()
	defer o.mu.RUnlock()

	infos := make([]models.TaskInfo, 0, len(o.order))
	for _, task := range o.order {
		infos = append(infos, task.Info())
	}
	return infos
}

func (o *Orchestrator) Get(id string) (models.TaskInfo, error) {
	task, err := o.task(id)
	if err != nil {
		return models.TaskInfo{}, err
	}
	return task.Info(), nil
}

// Cancel requests cancellation. Cancelling a finished task is a no-op.
func (o *Orchestrator) Cancel(id string) error {
	task, err := o.task(id)
	if err != nil {
		return err
	}

	if task.finished() || task.ctx.Err() != nil {
		return nil
	}

	o.log.Info("requested task cancellation", "task_id", id, "kind", task.options.Kind, "name", task.name)
	task.cancel()
	return nil
}

// Wait blocks until the task finished or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, id string) (models.TaskInfo, error) {
	task, err := o.task(id)
	if err != nil {
		return models.TaskInfo{}, err
	}

	select {
	case <-task.done:
		return task.Info(), nil
	case <-ctx.Done():
		return task.Info(), ctx.Err()
	}
}

// Shutdown cancels every running task and waits for them to finish.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) task(id string) (*Task, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	task, ok := o.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrTaskNotFound, id)
	}
	return task, nil
}

func (o *Orchestrator) run(task *Task) {
	if err := task.start(); err != nil {
		o.log.Error("failed to start task", "task_id", task.id, "error", err)
		return
	}

	r := &runner{o: o, task: task, log: o.log.With("task_id", task.id, "kind", task.options.Kind)}

	err := r.execute(task.ctx)
	if task.finished() {
		return
	}

	if err == nil {
		err = fmt.Errorf("%w: task ended without a result", errs.ErrUnknown)
	}
	task.finish(models.ResultUnknownError, err)
}

func (o *Orchestrator) finished(task *Task) {
	info := task.Info()

	log := o.log.With("task_id", info.ID, "kind", info.Kind, "name", info.Name, "result", info.Result)
	if info.Result.IsSuccess() {
		log.Info("task finished", "is_success", true)
	} else {
		log.Error("task failed", "is_success", false, "error", info.Error)
	}

	if o.bus != nil {
		o.bus.Publish(events.Event{Kind: events.TaskFinished, Data: info})
	}
}
