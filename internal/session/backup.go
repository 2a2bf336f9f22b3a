package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/TinkerUp/sideload-core/internal/errs"
	"github.com/TinkerUp/sideload-core/internal/store"
	"github.com/TinkerUp/sideload-core/types/models"
)

const (
	dataRoot    = "/sdcard/Android/data"
	obbRoot     = "/sdcard/Android/obb"
	stagingRoot = "/sdcard/backup_tmp"
)

var privateDataExcludes = []string{"cache", "code_cache"}

// Backup pulls the selected artifact classes of packageName into a new
// backup folder. When nothing was produced the folder is removed and
// errs.ErrNothingToBackup is returned.
func (s *Session) Backup(ctx context.Context, packageName string, options models.BackupOptions) (models.Backup, error) {
	if s.backups == nil {
		return models.Backup{}, errors.New("no backup location configured")
	}
	if err := checkPackageName(packageName); err != nil {
		return models.Backup{}, err
	}

	s.log.InfoContext(ctx, "creating backup", "package", packageName, "data", options.Data, "apk", options.Apk, "obb", options.Obb)

	folder, err := s.backups.Create(packageName, time.Now())
	if err != nil {
		return models.Backup{}, err
	}

	produced, err := s.backupInto(ctx, folder, packageName, options)
	if err != nil || !produced {
		if discardErr := s.backups.Discard(folder); discardErr != nil {
			s.log.WarnContext(ctx, "failed to remove backup folder", "path", folder, "error", discardErr)
		}
		if err != nil {
			return models.Backup{}, fmt.Errorf("backup %s: %w", packageName, err)
		}
		return models.Backup{}, errs.ErrNothingToBackup
	}

	backup, err := s.backups.Get(filepath.Base(folder))
	if err != nil {
		return models.Backup{}, err
	}

	s.log.InfoContext(ctx, "backup created", "name", backup.Name, "contents", backup.Contents())
	return backup, nil
}

func (s *Session) backupInto(ctx context.Context, folder string, packageName string, options models.BackupOptions) (bool, error) {
	produced := false

	if options.Data {
		sharedData := dataRoot + "/" + packageName
		if s.remoteExists(ctx, sharedData) {
			if err := s.PullDirectory(ctx, sharedData, filepath.Join(folder, store.SharedDataDir), []string{"cache"}); err != nil {
				return false, err
			}
			produced = true
		}

		pulled, err := s.backupPrivateData(ctx, folder, packageName)
		if err != nil {
			return false, err
		}
		produced = produced || pulled
	}

	if options.Apk {
		apkPath, err := s.packagePath(ctx, packageName)
		if err != nil {
			return false, err
		}
		if apkPath != "" {
			if err := s.PullFile(ctx, apkPath, filepath.Join(folder, packageName+".apk")); err != nil {
				return false, err
			}
			produced = true
		}
	}

	if options.Obb {
		obb := obbRoot + "/" + packageName
		if s.remoteExists(ctx, obb) {
			if err := s.PullDirectory(ctx, obb, filepath.Join(folder, store.ObbDir), nil); err != nil {
				return false, err
			}
			produced = true
		}
	}

	return produced, nil
}

// backupPrivateData copies /data/data/<pkg> through run-as. Only debuggable
// packages allow this, so an empty staging folder is not an error.
func (s *Session) backupPrivateData(ctx context.Context, folder string, packageName string) (bool, error) {
	staging := stagingRoot + "/" + packageName
	defer s.removeRemote(ctx, staging)

	if _, err := s.shell.Run(ctx, s.Serial(), fmt.Sprintf("mkdir -p %q", staging)); err != nil {
		return false, err
	}

	command := fmt.Sprintf("run-as %s cp -R files shared_prefs databases %q", packageName, staging+"/")
	if _, err := s.shell.Run(ctx, s.Serial(), command); err != nil {
		s.log.DebugContext(ctx, "private data not accessible", "package", packageName, "error", err)
		return false, nil
	}

	entries, err := s.client.List(ctx, s.Serial(), staging)
	if err != nil || len(entries) == 0 {
		return false, nil
	}

	if err := s.PullDirectory(ctx, staging, filepath.Join(folder, store.PrivateDataDir), privateDataExcludes); err != nil {
		return false, err
	}
	return true, nil
}

// packagePath returns the base APK path of packageName, or "" if it is not installed.
func (s *Session) packagePath(ctx context.Context, packageName string) (string, error) {
	if err := checkPackageName(packageName); err != nil {
		return "", err
	}

	out, err := s.shell.Run(ctx, s.Serial(), "pm path "+packageName)
	if err != nil {
		return "", err
	}

	for _, line := range strings.Split(out, "\n") {
		apkPath, ok := strings.CutPrefix(strings.TrimSpace(line), "package:")
		if ok && strings.HasSuffix(apkPath, "base.apk") {
			return apkPath, nil
		}
	}
	for _, line := range strings.Split(out, "\n") {
		if apkPath, ok := strings.CutPrefix(strings.TrimSpace(line), "package:"); ok {
			return apkPath, nil
		}
	}
	return "", nil
}

// Restore puts every artifact class of a backup back on the device.
func (s *Session) Restore(ctx context.Context, backup models.Backup) error {
	s.log.InfoContext(ctx, "restoring backup", "name", backup.Name, "contents", backup.Contents())

	if info, err := os.Stat(backup.Path); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", store.ErrBackupNotFound, backup.Path)
	}

	packageName := backup.PackageName
	if err := checkPackageName(packageName); err != nil {
		return err
	}

	if backup.ContainsApk {
		apks, err := filepath.Glob(filepath.Join(backup.Path, "*.apk"))
		if err != nil {
			return err
		}
		for _, apk := range apks {
			if err := s.Install(ctx, apk, true, true); err != nil {
				return err
			}
		}
	}

	if backup.ContainsObb {
		obb := obbRoot + "/" + packageName
		s.removeRemote(ctx, obb)
		if err := s.PushDirectory(ctx, filepath.Join(backup.Path, store.ObbDir), obb); err != nil {
			return err
		}
	}

	if backup.ContainsSharedData {
		if err := s.PushDirectory(ctx, filepath.Join(backup.Path, store.SharedDataDir), dataRoot+"/"+packageName); err != nil {
			return err
		}
	}

	if backup.ContainsPrivateData {
		staging := stagingRoot + "/" + packageName
		if err := s.PushDirectory(ctx, filepath.Join(backup.Path, store.PrivateDataDir), staging); err != nil {
			return err
		}
		command := fmt.Sprintf("run-as %s cp -R %q .", packageName, staging+"/.")
		if _, err := s.shell.RunLogged(ctx, s.Serial(), command); err != nil {
			s.log.WarnContext(ctx, "failed to restore private data", "package", packageName, "error", err)
		}
		s.removeRemote(ctx, staging)
	}

	s.publishPackagesChanged()
	s.log.InfoContext(ctx, "backup restored", "name", backup.Name)
	return nil
}

func (s *Session) removeRemote(ctx context.Context, remotePath string) {
	if _, err := s.shell.Run(context.WithoutCancel(ctx), s.Serial(), fmt.Sprintf("rm -rf %q", remotePath)); err != nil {
		s.log.DebugContext(ctx, "failed to remove remote path", "path", remotePath, "error", err)
	}
}
