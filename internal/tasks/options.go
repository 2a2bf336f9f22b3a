package tasks

import (
	"fmt"

	"github.com/TinkerUp/sideload-core/internal/errs"
	"github.com/TinkerUp/sideload-core/types/models"
)

// Options describes a task to enqueue. Which fields are required depends on Kind.
type Options struct {
	Kind          models.TaskKind       `json:"kind"`
	Game          *models.Game          `json:"game,omitempty"`
	App           *models.InstalledApp  `json:"app,omitempty"`
	Backup        *models.Backup        `json:"backup,omitempty"`
	BackupOptions *models.BackupOptions `json:"backup_options,omitempty"`
	Path          string                `json:"path,omitempty"`
}

func (o Options) Validate() error {
	missing := func(what string) error {
		return fmt.Errorf("%w: %s not specified for %s task", errs.ErrInvalidTaskOptions, what, o.Kind)
	}

	switch o.Kind {
	case models.TaskDownloadAndInstall, models.TaskDownloadOnly:
		if o.Game == nil {
			return missing("game")
		}
	case models.TaskInstallOnly:
		if o.Game == nil {
			return missing("game")
		}
		if o.Path == "" {
			return missing("path")
		}
	case models.TaskUninstall:
		if o.Game == nil && o.App == nil {
			return missing("game or app")
		}
		if o.Game != nil && o.App != nil {
			return fmt.Errorf("%w: game and app both specified for %s task", errs.ErrInvalidTaskOptions, o.Kind)
		}
	case models.TaskBackupAndUninstall, models.TaskBackup:
		if o.Game == nil {
			return missing("game")
		}
		if o.BackupOptions == nil {
			return missing("backup options")
		}
	case models.TaskRestore:
		if o.Backup == nil {
			return missing("backup")
		}
	case models.TaskPullAndUpload:
		if o.App == nil {
			return missing("app")
		}
	case models.TaskExtract:
		if o.App == nil {
			return missing("app")
		}
		if o.Path == "" {
			return missing("path")
		}
	case models.TaskPullMedia:
		if o.Path == "" {
			return missing("path")
		}
	case models.TaskInstallAddon:
	default:
		return fmt.Errorf("%w: unknown task kind %q", errs.ErrInvalidTaskOptions, o.Kind)
	}

	return o.validatePackageNames()
}

// validatePackageNames rejects anything that is not a plain package name.
// Kinds that act on an installed package also require one.
func (o Options) validatePackageNames() error {
	names := map[string]string{}
	if o.Game != nil {
		names["game"] = o.Game.PackageName
	}
	if o.App != nil {
		names["app"] = o.App.PackageName
	}
	if o.Backup != nil {
		names["backup"] = o.Backup.PackageName
	}

	switch o.Kind {
	case models.TaskUninstall, models.TaskBackup, models.TaskBackupAndUninstall,
		models.TaskPullAndUpload, models.TaskExtract, models.TaskRestore:
		for target, name := range names {
			if name == "" {
				return fmt.Errorf("%w: %s package name not specified for %s task", errs.ErrInvalidTaskOptions, target, o.Kind)
			}
		}
	}

	for target, name := range names {
		if name != "" && !models.ValidPackageName(name) {
			return fmt.Errorf("%w: %s package name %q: %w", errs.ErrInvalidTaskOptions, target, name, errs.ErrInvalidPackageName)
		}
	}
	return nil
}

// name is the human-readable task label.
func (o Options) name() string {
	switch o.Kind {
	case models.TaskInstallAddon:
		return "Trailers addon"
	case models.TaskPullMedia:
		return "Pull pictures and videos"
	case models.TaskRestore:
		return o.Backup.Name
	}

	if o.Game != nil && o.Game.Name != "" {
		return o.Game.Name
	}
	if o.App != nil && o.App.Name != "" {
		return o.App.Name
	}
	return "N/A"
}

func (o Options) packageName() string {
	if o.App != nil {
		return o.App.PackageName
	}
	if o.Game != nil {
		return o.Game.PackageName
	}
	return ""
}
