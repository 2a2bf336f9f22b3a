package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TinkerUp/sideload-core/internal/errs"
	"github.com/TinkerUp/sideload-core/types/models"
)

// Task is one queued user operation. Its terminal state is sticky: the first
// finish wins and later ones are ignored.
type Task struct {
	id        string
	options   Options
	name      string
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.RWMutex
	state      models.TaskState
	status     string
	progress   string
	result     models.TaskResult
	err        error
	device     models.Device
	tied       bool
	finishedAt time.Time

	onFinish func(*Task)
}

func newTask(parent context.Context, options Options) *Task {
	ctx, cancel := context.WithCancel(parent)

	return &Task{
		id:        uuid.NewString(),
		options:   options,
		name:      options.name(),
		createdAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     models.TaskCreated,
		status:    "Queued",
	}
}

func (t *Task) ID() string {
	return t.id
}

// Done is closed once the task reached a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) Info() models.TaskInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	info := models.TaskInfo{
		ID:         t.id,
		Kind:       t.options.Kind,
		Name:       t.name,
		State:      t.state,
		Status:     t.status,
		Progress:   t.progress,
		IsFinished: t.state.Terminal(),
		Result:     t.result,
		CreatedAt:  t.createdAt,
		FinishedAt: t.finishedAt,
	}
	if t.err != nil {
		info.Error = t.err.Error()
	}
	if t.device.Serial != "" {
		info.Device = t.device.String()
	}
	return info
}

func (t *Task) start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != models.TaskCreated {
		return fmt.Errorf("%w: task %s is %s", errs.ErrTransitionForbidden, t.id, t.state)
	}
	t.state = models.TaskRunning
	return nil
}

// finish moves the task to its terminal state. A task whose cancellation was
// requested always ends Cancelled unless it already succeeded. onFinish runs
// before Done is closed. Reports whether this call finished the task.
func (t *Task) finish(result models.TaskResult, err error) bool {
	t.mu.Lock()

	if t.state.Terminal() {
		t.mu.Unlock()
		return false
	}

	if t.ctx.Err() != nil && !result.IsSuccess() {
		result = models.ResultCancelled
	}

	switch {
	case result == models.ResultCancelled:
		t.state = models.TaskCancelled
	case result.IsSuccess():
		t.state = models.TaskSucceeded
	default:
		t.state = models.TaskFailed
	}

	t.result = result
	t.err = err
	t.status = statusFor(result)
	t.progress = ""
	t.finishedAt = time.Now()
	t.mu.Unlock()

	t.cancel()
	if t.onFinish != nil {
		t.onFinish(t)
	}
	close(t.done)
	return true
}

func (t *Task) finished() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.Terminal()
}

func (t *Task) setStatus(status string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.Terminal() {
		t.status = status
		t.progress = ""
	}
}

func (t *Task) setProgress(progress string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.Terminal() {
		t.progress = progress
	}
}

// report adapts the task to session.Progress.
func (t *Task) report(status string, progress string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.Terminal() {
		t.status = status
		t.progress = progress
	}
}

func (t *Task) boundDevice() (models.Device, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.device, t.tied
}

func (t *Task) bindDevice(device models.Device, tie bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.device = device
	if tie {
		t.tied = true
	}
}

func statusFor(result models.TaskResult) string {
	switch result {
	case models.ResultDownloadSuccess:
		return "Downloaded"
	case models.ResultInstallSuccess:
		return "Installed"
	case models.ResultUninstallSuccess:
		return "Uninstalled"
	case models.ResultBackupSuccess:
		return "Backup created"
	case models.ResultRestoreSuccess:
		return "Backup restored"
	case models.ResultUploadSuccess:
		return "Uploaded"
	case models.ResultExtractionSuccess:
		return "Extracted"
	case models.ResultPullMediaSuccess:
		return "Media pulled"
	case models.ResultAlreadyInstalled:
		return "Already installed"
	case models.ResultPackageNotFound:
		return "Package not installed"
	case models.ResultDownloadCleanupFailed:
		return "Installed, failed to delete downloaded files"
	case models.ResultCancelled:
		return "Cancelled"
	case models.ResultNoDeviceConnection:
		return "No device connection"
	case models.ResultNotEnoughDiskSpace:
		return "Not enough disk space"
	case models.ResultOSVersionTooOld:
		return "Device OS version too old"
	case models.ResultNotEnoughDeviceSpace:
		return "Not enough space on device"
	case models.ResultNothingToBackup:
		return "Nothing to back up"
	case models.ResultUnknownError:
		return "Unknown error"
	default:
		return "Failed"
	}
}
