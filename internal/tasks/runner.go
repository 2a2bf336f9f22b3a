package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/TinkerUp/sideload-core/internal/errs"
	"github.com/TinkerUp/sideload-core/internal/locks"
	"github.com/TinkerUp/sideload-core/internal/session"
	"github.com/TinkerUp/sideload-core/types/models"
)

// runner executes one task. Every step either returns normally or finishes
// the task; once finished, later steps are skipped.
type runner struct {
	o    *Orchestrator
	task *Task
	log  *slog.Logger
}

func (r *runner) finish(result models.TaskResult, err error) {
	r.task.finish(result, err)
}

func (r *runner) execute(ctx context.Context) error {
	options := r.task.options

	switch options.Kind {
	case models.TaskDownloadAndInstall:
		if _, err := r.connect(ctx, false); err != nil {
			return err
		}
		var gamePath string
		if !r.do(ctx, func(ctx context.Context) (err error) {
			gamePath, err = r.download(ctx)
			return err
		}, models.ResultDownloadFailed, models.ResultNone) {
			return nil
		}
		r.install(ctx, gamePath, r.o.cfg.PruningPolicy == models.PruneDeleteAfterInstall)

	case models.TaskDownloadOnly:
		r.do(ctx, func(ctx context.Context) error {
			_, err := r.download(ctx)
			return err
		}, models.ResultDownloadFailed, models.ResultDownloadSuccess)

	case models.TaskInstallOnly:
		if _, err := r.connect(ctx, false); err != nil {
			return err
		}
		deleteAfterInstall := r.o.cfg.PruningPolicy == models.PruneDeleteAfterInstall &&
			within(r.o.cfg.DownloadsLocation, options.Path)
		r.install(ctx, options.Path, deleteAfterInstall)

	case models.TaskUninstall:
		if _, err := r.connect(ctx, false); err != nil {
			return err
		}
		result := models.ResultUninstallSuccess
		if r.do(ctx, func(ctx context.Context) (err error) {
			result, err = r.uninstall(ctx)
			return err
		}, models.ResultUninstallFailed, models.ResultNone) {
			r.finish(result, nil)
		}

	case models.TaskBackupAndUninstall:
		if _, err := r.connect(ctx, false); err != nil {
			return err
		}
		if !r.do(ctx, r.backup, models.ResultBackupFailed, models.ResultNone) {
			return nil
		}
		result := models.ResultUninstallSuccess
		if r.do(ctx, func(ctx context.Context) (err error) {
			result, err = r.uninstall(ctx)
			return err
		}, models.ResultUninstallFailed, models.ResultNone) {
			r.finish(result, nil)
		}

	case models.TaskBackup:
		if _, err := r.connect(ctx, false); err != nil {
			return err
		}
		r.do(ctx, r.backup, models.ResultBackupFailed, models.ResultBackupSuccess)

	case models.TaskRestore:
		if _, err := r.connect(ctx, false); err != nil {
			return err
		}
		r.do(ctx, func(ctx context.Context) error {
			return r.guarded(ctx, "Restore queued", "Restoring backup", func(ctx context.Context, s *session.Session) error {
				return s.Restore(ctx, *options.Backup)
			}, locks.PackageOperation, locks.Sideload)
		}, models.ResultRestoreFailed, models.ResultRestoreSuccess)

	case models.TaskPullAndUpload:
		device, err := r.connect(ctx, true)
		if err != nil {
			return err
		}
		r.do(ctx, func(ctx context.Context) error {
			return r.pullAndUpload(ctx, r.o.sessions.For(device))
		}, models.ResultUploadFailed, models.ResultUploadSuccess)

	case models.TaskExtract:
		device, err := r.connect(ctx, true)
		if err != nil {
			return err
		}
		r.task.setStatus("Pulling from device")
		r.do(ctx, func(ctx context.Context) error {
			_, err := r.o.sessions.For(device).PullApp(ctx, options.App.PackageName, options.Path)
			return err
		}, models.ResultExtractionFailed, models.ResultExtractionSuccess)

	case models.TaskPullMedia:
		device, err := r.connect(ctx, true)
		if err != nil {
			return err
		}
		r.task.setStatus("Pulling pictures and videos")
		r.do(ctx, func(ctx context.Context) error {
			return r.o.sessions.For(device).PullMedia(ctx, options.Path)
		}, models.ResultPullMediaFailed, models.ResultPullMediaSuccess)

	case models.TaskInstallAddon:
		r.do(ctx, r.installAddon, models.ResultInstallFailed, models.ResultNone)

	default:
		return fmt.Errorf("%w: unknown task kind %q", errs.ErrInvalidTaskOptions, options.Kind)
	}

	return nil
}

// do runs fn and finishes the task with success when it returns nil, or with
// a result classified from the error. Reports whether fn succeeded.
func (r *runner) do(ctx context.Context, fn func(ctx context.Context) error, failure models.TaskResult, success models.TaskResult) bool {
	err := fn(ctx)
	if err == nil {
		if success != models.ResultNone {
			r.finish(success, nil)
		}
		return true
	}

	r.finish(classify(ctx, err, failure), err)
	return false
}

func classify(ctx context.Context, err error, failure models.TaskResult) models.TaskResult {
	switch {
	case ctx.Err() != nil, errors.Is(err, context.Canceled), errors.Is(err, errs.ErrCancelled):
		return models.ResultCancelled
	case errors.Is(err, errs.ErrNoDeviceConnection):
		return models.ResultNoDeviceConnection
	case errors.Is(err, errs.ErrInsufficientDisk):
		return models.ResultNotEnoughDiskSpace
	case errors.Is(err, errs.ErrNothingToBackup):
		return models.ResultNothingToBackup
	case failure != models.ResultNone:
		return failure
	default:
		return models.ResultUnknownError
	}
}

func classifyInstall(ctx context.Context, err error) models.TaskResult {
	var installErr *errs.InstallError
	if ctx.Err() == nil && errors.As(err, &installErr) {
		switch installErr.Kind {
		case errs.InstallIncompatibleOS:
			return models.ResultOSVersionTooOld
		case errs.InstallInsufficientStorage:
			return models.ResultNotEnoughDeviceSpace
		}
	}
	if ctx.Err() == nil && strings.Contains(err.Error(), "No space left on device") {
		return models.ResultNotEnoughDeviceSpace
	}
	return classify(ctx, err, models.ResultInstallFailed)
}

// ensureDevice resolves the device the task runs on. An untied task follows
// the active device; a tied one only accepts the physical device it is tied to.
func (r *runner) ensureDevice(ctx context.Context, tie bool) (models.Device, error) {
	device, tied := r.task.boundDevice()

	if tied {
		if r.o.connector.Ping(ctx, device) {
			return device, nil
		}
		active, err := r.o.connector.EnsureConnected(ctx, false)
		if err == nil && active.SamePhysical(device) {
			r.task.bindDevice(active, true)
			return active, nil
		}
		if err == nil {
			r.log.WarnContext(ctx, "active device differs from the tied device", "tied", device.String(), "active", active.String())
		}
	} else {
		active, err := r.o.connector.EnsureConnected(ctx, false)
		if err == nil {
			r.task.bindDevice(active, tie)
			return active, nil
		}
		r.log.DebugContext(ctx, "no device connection", "error", err)
	}

	return models.Device{}, errs.ErrNoDeviceConnection
}

// connect is ensureDevice for checks made outside any step; a failure
// finishes the task.
func (r *runner) connect(ctx context.Context, tie bool) (models.Device, error) {
	device, err := r.ensureDevice(ctx, tie)
	if err != nil {
		r.finish(models.ResultNoDeviceConnection, err)
	}
	return device, err
}

// guarded is the shared scaffold of device steps: wait for the permits,
// re-check the device while holding them, then run fn on its session.
func (r *runner) guarded(
	ctx context.Context,
	queued string,
	running string,
	fn func(ctx context.Context, s *session.Session) error,
	kinds ...locks.Kind,
) error {
	r.task.setStatus(queued)

	return r.o.locks.With(ctx, func(ctx context.Context) error {
		device, err := r.ensureDevice(ctx, true)
		if err != nil {
			return err
		}

		r.task.setStatus(running)
		r.log.InfoContext(ctx, "running task step", "step", running, "device", device.String())
		return fn(ctx, r.o.sessions.For(device))
	}, kinds...)
}

func (r *runner) download(ctx context.Context) (string, error) {
	game := *r.task.options.Game

	r.task.setStatus("Download queued")

	var gamePath string
	err := r.o.locks.With(ctx, func(ctx context.Context) error {
		defer r.task.setProgress("")

		r.task.setStatus("Calculating size")
		size, err := r.o.downloader.SizeBytes(ctx, game)
		if err != nil {
			return err
		}

		r.log.InfoContext(ctx, "downloading game", "game", game.ReleaseName, "size", humanize.Bytes(uint64(max(size, 0))))
		r.task.setStatus("Downloading")

		gamePath, err = r.o.downloader.DownloadGame(ctx, game, func(stats models.DownloadStats) {
			r.task.setProgress(formatProgress(stats, size, game.SizeMB))
		})
		return err
	}, locks.Download)

	return gamePath, err
}

// install sideloads gamePath and finishes the task. Downloaded files are
// removed afterwards when deleteAfterInstall is set; failing to do so still
// counts as a successful install.
func (r *runner) install(ctx context.Context, gamePath string, deleteAfterInstall bool) {
	game := *r.task.options.Game

	err := r.guarded(ctx, "Install queued", "Installing", func(ctx context.Context, s *session.Session) error {
		return s.Sideload(ctx, game, gamePath, r.task.report)
	}, locks.PackageOperation, locks.Sideload)
	if err != nil {
		r.finish(classifyInstall(ctx, err), err)
		return
	}

	r.task.setProgress("")

	if deleteAfterInstall && isDir(gamePath) {
		r.log.InfoContext(ctx, "deleting downloaded files", "path", gamePath)
		r.task.setStatus("Deleting downloaded files")

		if err := r.o.removeAll(gamePath); err != nil {
			r.log.ErrorContext(ctx, "failed to delete downloaded files", "path", gamePath, "error", err)
			r.finish(models.ResultDownloadCleanupFailed, err)
			return
		}
	}

	r.finish(models.ResultInstallSuccess, nil)
}

func (r *runner) uninstall(ctx context.Context) (models.TaskResult, error) {
	packageName := r.task.options.packageName()
	result := models.ResultUninstallSuccess

	err := r.guarded(ctx, "Uninstall queued", "Uninstalling", func(ctx context.Context, s *session.Session) error {
		outcome, err := s.Uninstall(ctx, packageName)
		if err == nil && outcome == session.PackageNotFound {
			result = models.ResultPackageNotFound
		}
		return err
	}, locks.PackageOperation)

	return result, err
}

func (r *runner) backup(ctx context.Context) error {
	options := r.task.options

	return r.guarded(ctx, "Backup queued", "Creating backup", func(ctx context.Context, s *session.Session) error {
		_, err := s.Backup(ctx, options.Game.PackageName, *options.BackupOptions)
		return err
	}, locks.PackageOperation)
}

func (r *runner) pullAndUpload(ctx context.Context, s *session.Session) error {
	staging, err := os.MkdirTemp(r.o.cfg.DownloadsLocation, ".pull-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	r.task.setStatus("Pulling from device")
	appDir, err := s.PullApp(ctx, r.task.options.App.PackageName, staging)
	if err != nil {
		return err
	}

	r.task.setStatus("Uploading")
	return r.o.downloader.Upload(ctx, appDir)
}

// installAddon moves the addon at the task path, or a freshly downloaded one,
// into the addons location. An installed addon is left alone unless a local
// copy was supplied.
func (r *runner) installAddon(ctx context.Context) error {
	target := r.o.cfg.AddonsLocation
	if target == "" {
		return errors.New("no addons location configured")
	}

	source := r.task.options.Path
	haveSource := source != "" && exists(source)

	if isDir(target) && !haveSource {
		r.finish(models.ResultAlreadyInstalled, nil)
		return nil
	}

	if !haveSource {
		if r.o.downloader == nil {
			return errors.New("no downloader configured")
		}

		r.task.setStatus("Download queued")
		err := r.o.locks.With(ctx, func(ctx context.Context) error {
			defer r.task.setProgress("")

			r.task.setStatus("Downloading")
			downloaded, err := r.o.downloader.DownloadAddon(ctx, func(stats models.DownloadStats) {
				r.task.setProgress(formatProgress(stats, 0, 0))
			})
			source = downloaded
			return err
		}, locks.Download)
		if err != nil {
			return err
		}
	}

	r.task.setStatus("Installing")

	if err := os.RemoveAll(target); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if err := os.Rename(source, target); err != nil {
		return fmt.Errorf("install addon: %w", err)
	}

	r.finish(models.ResultInstallSuccess, nil)
	return nil
}

func within(root string, target string) bool {
	if root == "" || target == "" {
		return false
	}
	rel, err := filepath.Rel(root, target)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
