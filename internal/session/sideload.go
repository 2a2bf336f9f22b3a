package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/TinkerUp/sideload-core/types/models"
)

// Sideload installs a game from its content folder, either through the
// folder's install script or by installing every APK and pushing the OBB
// folder named after the package. A failed fresh install is cleaned up; a
// failed update leaves the existing install alone.
func (s *Session) Sideload(ctx context.Context, game models.Game, contentDir string, progress Progress) error {
	s.log.InfoContext(ctx, "sideloading game", "game", game.ReleaseName, "package", game.PackageName)

	wasInstalled := false
	if game.PackageName != "" {
		installed, err := s.IsInstalled(ctx, game.PackageName)
		if err != nil {
			return err
		}
		wasInstalled = installed
	}

	if err := s.sideload(ctx, game, contentDir, wasInstalled, progress); err != nil {
		if game.PackageName != "" && !wasInstalled {
			s.cleanupFailedInstall(context.WithoutCancel(ctx), game.PackageName)
		}
		return err
	}

	s.log.InfoContext(ctx, "installed game", "game", game.ReleaseName)
	s.publishPackagesChanged()
	return nil
}

func (s *Session) sideload(ctx context.Context, game models.Game, contentDir string, reinstall bool, progress Progress) error {
	if info, err := os.Stat(contentDir); err != nil || !info.IsDir() {
		return fmt.Errorf("content folder %s not found", contentDir)
	}

	if scriptPath, ok := findScript(contentDir); ok {
		progress.report("Performing custom install", "")
		return s.RunScript(ctx, scriptPath)
	}

	apks, err := filepath.Glob(filepath.Join(contentDir, "*.apk"))
	if err != nil {
		return err
	}
	sort.Strings(apks)

	for _, apk := range apks {
		progress.report("Installing APK", filepath.Base(apk))
		if err := s.Install(ctx, apk, reinstall, true); err != nil {
			return err
		}
	}

	if game.PackageName == "" {
		return nil
	}

	obbDir := filepath.Join(contentDir, game.PackageName)
	if info, err := os.Stat(obbDir); err == nil && info.IsDir() {
		progress.report("Pushing OBB", "")
		return s.pushTree(ctx, obbDir, obbRoot+"/"+game.PackageName, func(p string) {
			progress.report("Pushing OBB", p)
		})
	}

	return nil
}

func (s *Session) cleanupFailedInstall(ctx context.Context, packageName string) {
	s.log.InfoContext(ctx, "cleaning up failed install", "package", packageName)

	if _, err := s.shell.Run(ctx, s.Serial(), "pm uninstall "+packageName); err != nil {
		s.log.WarnContext(ctx, "cleanup uninstall failed", "package", packageName, "error", err)
	}

	command := fmt.Sprintf("rm -rf %q %q", dataRoot+"/"+packageName, obbRoot+"/"+packageName)
	if _, err := s.shell.Run(ctx, s.Serial(), command); err != nil {
		s.log.WarnContext(ctx, "cleanup of app folders failed", "package", packageName, "error", err)
	}
}
