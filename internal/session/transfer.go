package session

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"

	"github.com/dustin/go-humanize"

	"github.com/TinkerUp/sideload-core/internal/store"
)

const remotePerms os.FileMode = 0o771

func (s *Session) PushFile(ctx context.Context, localPath string, remotePath string) error {
	s.log.DebugContext(ctx, "pushing file", "local", localPath, "remote", remotePath)

	file, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	return s.client.Push(ctx, s.Serial(), file, remotePath, remotePerms, info.ModTime())
}

// PushDirectory copies the contents of localDir into remoteDir, creating
// remote directories as needed.
func (s *Session) PushDirectory(ctx context.Context, localDir string, remoteDir string) error {
	return s.pushTree(ctx, localDir, remoteDir, nil)
}

// pushTree is PushDirectory with byte-count progress reported as "X / Y".
func (s *Session) pushTree(ctx context.Context, localDir string, remoteDir string, progress func(string)) error {
	s.log.DebugContext(ctx, "pushing directory", "local", localDir, "remote", remoteDir)

	var total uint64
	if progress != nil {
		if err := filepath.WalkDir(localDir, func(_ string, entry fs.DirEntry, err error) error {
			if err != nil || entry.IsDir() {
				return err
			}
			info, err := entry.Info()
			if err != nil {
				return err
			}
			total += uint64(info.Size())
			return nil
		}); err != nil {
			return err
		}
	}

	var done uint64

	return filepath.WalkDir(localDir, func(localPath string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		relative, err := filepath.Rel(localDir, localPath)
		if err != nil {
			return err
		}
		remotePath := path.Join(remoteDir, filepath.ToSlash(relative))

		if entry.IsDir() {
			_, err := s.shell.RunLogged(ctx, s.Serial(), fmt.Sprintf("mkdir -p %q", remotePath))
			return err
		}

		if err := s.PushFile(ctx, localPath, remotePath); err != nil {
			return err
		}

		if progress != nil {
			if info, err := entry.Info(); err == nil {
				done += uint64(info.Size())
			}
			progress(humanize.Bytes(done) + " / " + humanize.Bytes(total))
		}
		return nil
	})
}

func (s *Session) PullFile(ctx context.Context, remotePath string, localPath string) error {
	s.log.DebugContext(ctx, "pulling file", "remote", remotePath, "local", localPath)

	if err := os.MkdirAll(filepath.Dir(localPath), store.DirPermsRelaxed); err != nil {
		return err
	}

	file, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, store.FilePermsRelaxed)
	if err != nil {
		return err
	}

	if err := s.client.Pull(ctx, s.Serial(), remotePath, file); err != nil {
		file.Close()
		os.Remove(localPath)
		return err
	}

	return file.Close()
}

// PullDirectory copies the contents of remoteDir into localDir. Directories
// whose name is in excludes are skipped at any depth.
func (s *Session) PullDirectory(ctx context.Context, remoteDir string, localDir string, excludes []string) error {
	s.log.DebugContext(ctx, "pulling directory", "remote", remoteDir, "local", localDir)

	if err := os.MkdirAll(localDir, store.DirPermsRelaxed); err != nil {
		return err
	}

	entries, err := s.client.List(ctx, s.Serial(), remoteDir)
	if err != nil {
		return fmt.Errorf("list %s: %w", remoteDir, err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		remotePath := path.Join(remoteDir, entry.Name)
		localPath := filepath.Join(localDir, entry.Name)

		if entry.IsDir() {
			if slices.Contains(excludes, entry.Name) {
				continue
			}
			if err := s.PullDirectory(ctx, remotePath, localPath, excludes); err != nil {
				return err
			}
			continue
		}

		if err := s.PullFile(ctx, remotePath, localPath); err != nil {
			return err
		}
	}

	return nil
}
