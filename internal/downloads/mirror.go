// Package downloads implements the content collaborator on top of a local
// mirror directory: one folder per release, an addons folder and an uploads
// drop folder.
package downloads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/TinkerUp/sideload-core/internal/errs"
	"github.com/TinkerUp/sideload-core/types/models"
)

const (
	AddonDir   = "addons/trailers"
	UploadsDir = "uploads"

	partialSuffix  = ".partial"
	sampleInterval = 100 * time.Millisecond
	copyBufferSize = 256 * 1024
)

var ErrReleaseNotFound = errors.New("release not found in mirror")

// Mirror copies releases from mirrorRoot into downloadsRoot.
type Mirror struct {
	mirrorRoot    string
	downloadsRoot string
	log           *slog.Logger

	freeSpace func(path string) (uint64, error)
	now       func() time.Time
}

func NewMirror(mirrorRoot string, downloadsRoot string, log *slog.Logger) *Mirror {
	if log == nil {
		log = slog.Default()
	}
	return &Mirror{
		mirrorRoot:    mirrorRoot,
		downloadsRoot: downloadsRoot,
		log:           log.With("component", "downloads"),
		freeSpace:     FreeSpace,
		now:           time.Now,
	}
}

func (m *Mirror) SizeBytes(ctx context.Context, game models.Game) (int64, error) {
	source, err := m.release(game)
	if err != nil {
		return 0, err
	}
	return treeSize(ctx, source)
}

// DownloadGame copies the release into the downloads folder and returns the
// local folder. The copy lands in a partial folder that is renamed once
// complete, so an interrupted download never looks finished.
func (m *Mirror) DownloadGame(ctx context.Context, game models.Game, progress func(models.DownloadStats)) (string, error) {
	source, err := m.release(game)
	if err != nil {
		return "", &errs.DownloadError{Kind: errs.DownloadGeneric, Err: err}
	}

	destination := filepath.Join(m.downloadsRoot, filepath.Base(source))
	if info, err := os.Stat(destination); err == nil && info.IsDir() {
		m.log.InfoContext(ctx, "release already downloaded", "release", game.ReleaseName)
		return destination, nil
	}

	if err := m.fetch(ctx, source, destination, progress); err != nil {
		return "", err
	}

	m.log.InfoContext(ctx, "downloaded release", "release", game.ReleaseName, "path", destination)
	return destination, nil
}

// DownloadAddon copies the mirror's addon folder into a fresh folder under
// the downloads folder.
func (m *Mirror) DownloadAddon(ctx context.Context, progress func(models.DownloadStats)) (string, error) {
	source := filepath.Join(m.mirrorRoot, filepath.FromSlash(AddonDir))
	if !isDir(source) {
		return "", &errs.DownloadError{Kind: errs.DownloadGeneric, Err: fmt.Errorf("%w: %s", ErrReleaseNotFound, AddonDir)}
	}

	destination := filepath.Join(m.downloadsRoot, fmt.Sprintf("addon-%d", m.now().UnixNano()))
	if err := m.fetch(ctx, source, destination, progress); err != nil {
		return "", err
	}
	return destination, nil
}

// Upload copies localPath into the mirror's uploads folder under a
// timestamped name.
func (m *Mirror) Upload(ctx context.Context, localPath string) error {
	name := fmt.Sprintf("%s_%s", m.now().UTC().Format("20060102T150405"), filepath.Base(localPath))
	destination := filepath.Join(m.mirrorRoot, UploadsDir, name)

	m.log.InfoContext(ctx, "uploading", "path", localPath, "destination", destination)

	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return err
	}
	if err := copyTree(ctx, localPath, destination, nil); err != nil {
		os.RemoveAll(destination)
		return fmt.Errorf("upload %s: %w", filepath.Base(localPath), err)
	}
	return nil
}

func (m *Mirror) fetch(ctx context.Context, source string, destination string, progress func(models.DownloadStats)) error {
	total, err := treeSize(ctx, source)
	if err != nil {
		return &errs.DownloadError{Kind: errs.DownloadGeneric, Err: err}
	}

	if err := os.MkdirAll(m.downloadsRoot, 0o755); err != nil {
		return &errs.DownloadError{Kind: errs.DownloadGeneric, Err: err}
	}
	if err := m.checkSpace(total); err != nil {
		return err
	}

	partial := destination + partialSuffix
	if err := os.RemoveAll(partial); err != nil {
		return &errs.DownloadError{Kind: errs.DownloadGeneric, Err: err}
	}

	meter := &meter{total: total, started: m.now(), now: m.now, report: progress}

	if err := copyTree(ctx, source, partial, meter); err != nil {
		os.RemoveAll(partial)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &errs.DownloadError{Kind: errs.DownloadGeneric, Err: err}
	}
	meter.flush()

	if err := os.Rename(partial, destination); err != nil {
		os.RemoveAll(partial)
		return &errs.DownloadError{Kind: errs.DownloadGeneric, Err: err}
	}
	return nil
}

func (m *Mirror) checkSpace(needed int64) error {
	free, err := m.freeSpace(m.downloadsRoot)
	if err != nil {
		m.log.Debug("skipping free space check", "error", err)
		return nil
	}

	//nolint:gosec // needed comes from summed file sizes.
	if uint64(needed) > free {
		return &errs.DownloadError{
			Kind: errs.DownloadInsufficientDisk,
			Err:  fmt.Errorf("need %s, %s available", humanize.Bytes(uint64(needed)), humanize.Bytes(free)),
		}
	}
	return nil
}

// release resolves the mirror folder of game, refusing names that would
// leave the mirror.
func (m *Mirror) release(game models.Game) (string, error) {
	name := game.ReleaseName
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid release name %q", name)
	}

	source := filepath.Join(m.mirrorRoot, name)
	if !isDir(source) {
		return "", fmt.Errorf("%w: %s", ErrReleaseNotFound, name)
	}
	return source, nil
}

// meter turns copied byte counts into periodic DownloadStats samples.
type meter struct {
	total   int64
	done    int64
	started time.Time
	last    time.Time
	now     func() time.Time
	report  func(models.DownloadStats)
}

func (m *meter) add(n int) {
	m.done += int64(n)
	if now := m.now(); now.Sub(m.last) >= sampleInterval {
		m.last = now
		m.sample(now)
	}
}

func (m *meter) flush() {
	m.sample(m.now())
}

func (m *meter) sample(now time.Time) {
	if m.report == nil {
		return
	}
	stats := models.DownloadStats{DownloadedBytes: m.done, TotalBytes: m.total}
	if elapsed := now.Sub(m.started).Seconds(); elapsed > 0 {
		stats.BytesPerSecond = float64(m.done) / elapsed
	}
	m.report(stats)
}

func copyTree(ctx context.Context, source string, destination string, meter *meter) error {
	buf := make([]byte, copyBufferSize)

	return filepath.WalkDir(source, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		target := filepath.Join(destination, rel)

		if entry.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(ctx, path, target, buf, meter)
	})
}

func copyFile(ctx context.Context, source string, destination string, buf []byte, meter *meter) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(destination, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			out.Close()
			return err
		}

		n, readErr := in.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				out.Close()
				return err
			}
			if meter != nil {
				meter.add(n)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			return readErr
		}
	}

	return out.Close()
}

func treeSize(ctx context.Context, root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
