package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/TinkerUp/sideload-core/types/models"
)

// Layout of one backup folder under the store root.
const (
	SharedDataDir  = "data"
	PrivateDataDir = "data_private"
	ObbDir         = "obb"

	folderTimeLayout = "20060102T150405"
)

var ErrBackupNotFound = errors.New("backup not found")

type BackupStore interface {
	Create(packageName string, at time.Time) (string, error)
	Discard(path string) error

	Get(name string) (models.Backup, error)
	List() ([]models.Backup, error)

	Delete(name string) error
}

type backupStore struct {
	root string
}

func NewBackupStore(root string) *backupStore {
	return &backupStore{
		root: filepath.Clean(root),
	}
}

func (s *backupStore) Root() string {
	return s.root
}

// Create makes an empty backup folder named <UTC timestamp>_<package>.
func (s *backupStore) Create(packageName string, at time.Time) (string, error) {
	cleanName := filepath.Base(packageName)
	if cleanName == "." || cleanName == string(filepath.Separator) || cleanName != packageName {
		return "", fmt.Errorf("invalid package name: %q", packageName)
	}

	if err := os.MkdirAll(s.root, DirPermsRelaxed); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	folderName := at.UTC().Format(folderTimeLayout) + "_" + cleanName

	folderPath, err := s.resolve(folderName)
	if err != nil {
		return "", err
	}

	if err := os.Mkdir(folderPath, DirPermsRelaxed); err != nil {
		return "", fmt.Errorf("failed to create backup folder: %w", err)
	}

	return folderPath, nil
}

// Discard removes a backup folder that produced no artifacts.
func (s *backupStore) Discard(path string) error {
	cleanPath := filepath.Clean(path)
	if !s.within(cleanPath) {
		return fmt.Errorf("file path escapes root: %s", cleanPath)
	}
	return os.RemoveAll(cleanPath)
}

func (s *backupStore) Get(name string) (models.Backup, error) {
	folderPath, err := s.resolve(name)
	if err != nil {
		return models.Backup{}, err
	}

	info, err := os.Stat(folderPath)
	if err != nil || !info.IsDir() {
		return models.Backup{}, fmt.Errorf("%w: %s", ErrBackupNotFound, name)
	}

	return s.describe(folderPath)
}

// List returns every backup folder under the root, newest first. Folders
// that do not follow the naming scheme are skipped.
func (s *backupStore) List() ([]models.Backup, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read backups: %w", err)
	}

	backups := make([]models.Backup, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		backup, err := s.describe(filepath.Join(s.root, entry.Name()))
		if err != nil {
			continue
		}
		backups = append(backups, backup)
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})

	return backups, nil
}

func (s *backupStore) Delete(name string) error {
	folderPath, err := s.resolve(name)
	if err != nil {
		return err
	}

	if _, err := os.Stat(folderPath); err != nil {
		return fmt.Errorf("%w: %s", ErrBackupNotFound, name)
	}

	return os.RemoveAll(folderPath)
}

// describe inspects a folder on disk; its contents are the source of truth.
func (s *backupStore) describe(folderPath string) (models.Backup, error) {
	name := filepath.Base(folderPath)

	timestamp, packageName, err := ParseFolderName(name)
	if err != nil {
		return models.Backup{}, err
	}

	backup := models.Backup{
		Name:                name,
		Path:                folderPath,
		Timestamp:           timestamp,
		PackageName:         packageName,
		ContainsSharedData:  isDir(filepath.Join(folderPath, SharedDataDir)),
		ContainsPrivateData: isDir(filepath.Join(folderPath, PrivateDataDir)),
		ContainsObb:         isDir(filepath.Join(folderPath, ObbDir)),
	}

	apks, _ := filepath.Glob(filepath.Join(folderPath, "*.apk"))
	backup.ContainsApk = len(apks) > 0

	return backup, nil
}

// ParseFolderName splits a backup folder name into its timestamp and package.
func ParseFolderName(name string) (time.Time, string, error) {
	stamp, packageName, ok := strings.Cut(name, "_")
	if !ok || packageName == "" {
		return time.Time{}, "", fmt.Errorf("not a backup folder: %s", name)
	}

	timestamp, err := time.ParseInLocation(folderTimeLayout, stamp, time.UTC)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("not a backup folder: %s: %w", name, err)
	}

	return timestamp, packageName, nil
}

func (s *backupStore) resolve(name string) (string, error) {
	cleanPath := filepath.Clean(filepath.Join(s.root, name))
	if !s.within(cleanPath) || cleanPath == s.root {
		return "", fmt.Errorf("file path escapes root: %s", cleanPath)
	}
	return cleanPath, nil
}

func (s *backupStore) within(path string) bool {
	return strings.HasPrefix(path, s.root+string(filepath.Separator))
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

const (
	// Directories
	DirPermsDefault os.FileMode = 0o700 // rwx------
	DirPermsRelaxed os.FileMode = 0o755 // rwxr-xr-x

	// Files
	FilePermsDefault  os.FileMode = 0o600 // rw-------
	FilePermsRelaxed  os.FileMode = 0o644 // rw-r--r--
	FilePermsReadOnly os.FileMode = 0o400 // r--------
)
