package session

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/TinkerUp/sideload-core/internal/errs"
)

var mediaFolders = []string{"/sdcard/Oculus/Screenshots", "/sdcard/Oculus/VideoShots"}

// PullApp copies an installed app into <outDir>/<pkg>/ using the same layout
// Sideload consumes: <pkg>.apk plus an OBB folder named after the package.
func (s *Session) PullApp(ctx context.Context, packageName string, outDir string) (string, error) {
	s.log.InfoContext(ctx, "pulling app", "package", packageName)

	apkPath, err := s.packagePath(ctx, packageName)
	if err != nil {
		return "", err
	}
	if apkPath == "" {
		return "", fmt.Errorf("%w: %s", errs.ErrPackageNotFound, packageName)
	}

	appDir := filepath.Join(outDir, packageName)

	if err := s.PullFile(ctx, apkPath, filepath.Join(appDir, packageName+".apk")); err != nil {
		return "", err
	}

	obb := obbRoot + "/" + packageName
	if s.remoteExists(ctx, obb) {
		if err := s.PullDirectory(ctx, obb, filepath.Join(appDir, packageName), nil); err != nil {
			return "", err
		}
	}

	return appDir, nil
}

// PullMedia copies screenshots and recordings into outDir.
func (s *Session) PullMedia(ctx context.Context, outDir string) error {
	for _, folder := range mediaFolders {
		if !s.remoteExists(ctx, folder) {
			continue
		}
		if err := s.PullDirectory(ctx, folder, filepath.Join(outDir, filepath.Base(folder)), nil); err != nil {
			return err
		}
	}
	return nil
}
