package models

import (
	"regexp"
	"strings"
	"time"
)

type TaskKind string

const (
	TaskDownloadAndInstall TaskKind = "download_and_install"
	TaskDownloadOnly       TaskKind = "download_only"
	TaskInstallOnly        TaskKind = "install_only"
	TaskUninstall          TaskKind = "uninstall"
	TaskBackupAndUninstall TaskKind = "backup_and_uninstall"
	TaskBackup             TaskKind = "backup"
	TaskRestore            TaskKind = "restore"
	TaskPullAndUpload      TaskKind = "pull_and_upload"
	TaskExtract            TaskKind = "extract"
	TaskPullMedia          TaskKind = "pull_media"
	TaskInstallAddon       TaskKind = "install_addon"
)

type TaskState string

const (
	TaskCreated   TaskState = "created"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCancelled
}

type TaskResult string

const (
	ResultNone                  TaskResult = ""
	ResultDownloadSuccess       TaskResult = "download_success"
	ResultInstallSuccess        TaskResult = "install_success"
	ResultUninstallSuccess      TaskResult = "uninstall_success"
	ResultBackupSuccess         TaskResult = "backup_success"
	ResultRestoreSuccess        TaskResult = "restore_success"
	ResultUploadSuccess         TaskResult = "upload_success"
	ResultExtractionSuccess     TaskResult = "extraction_success"
	ResultPullMediaSuccess      TaskResult = "pull_media_success"
	ResultAlreadyInstalled      TaskResult = "already_installed"
	ResultPackageNotFound       TaskResult = "package_not_found"
	ResultDownloadCleanupFailed TaskResult = "download_cleanup_failed"

	ResultCancelled            TaskResult = "cancelled"
	ResultNoDeviceConnection   TaskResult = "no_device_connection"
	ResultDownloadFailed       TaskResult = "download_failed"
	ResultNotEnoughDiskSpace   TaskResult = "not_enough_disk_space"
	ResultInstallFailed        TaskResult = "install_failed"
	ResultOSVersionTooOld      TaskResult = "os_version_too_old"
	ResultNotEnoughDeviceSpace TaskResult = "not_enough_device_space"
	ResultUninstallFailed      TaskResult = "uninstall_failed"
	ResultBackupFailed         TaskResult = "backup_failed"
	ResultNothingToBackup      TaskResult = "nothing_to_backup"
	ResultRestoreFailed        TaskResult = "restore_failed"
	ResultUploadFailed         TaskResult = "upload_failed"
	ResultExtractionFailed     TaskResult = "extraction_failed"
	ResultPullMediaFailed      TaskResult = "pull_media_failed"
	ResultUnknownError         TaskResult = "unknown_error"
)

// IsSuccess reports whether the result counts as a successful outcome.
// PackageNotFound and DownloadCleanupFailed are informational, not failures.
func (r TaskResult) IsSuccess() bool {
	switch r {
	case ResultDownloadSuccess, ResultInstallSuccess, ResultUninstallSuccess, ResultBackupSuccess,
		ResultRestoreSuccess, ResultUploadSuccess, ResultExtractionSuccess, ResultPullMediaSuccess,
		ResultAlreadyInstalled, ResultPackageNotFound, ResultDownloadCleanupFailed:
		return true
	default:
		return false
	}
}

// Game is a catalog entry. Catalog retrieval lives outside this module.
type Game struct {
	Name        string    `json:"name"`
	ReleaseName string    `json:"release_name"`
	PackageName string    `json:"package_name"`
	VersionCode int       `json:"version_code"`
	SizeMB      int       `json:"size_mb"`
	LastUpdated time.Time `json:"last_updated"`
}

var packageNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\.[A-Za-z][A-Za-z0-9_]*)+$`)

// ValidPackageName reports whether name is a well-formed Android package name.
// Package names end up in device shell commands, so nothing else is accepted.
func ValidPackageName(name string) bool {
	return packageNamePattern.MatchString(name)
}

func (g Game) String() string {
	return g.ReleaseName
}

type InstalledApp struct {
	Name        string `json:"name"`
	PackageName string `json:"package_name"`
	VersionCode int    `json:"version_code"`
}

type BackupOptions struct {
	Data bool `json:"data"`
	Apk  bool `json:"apk"`
	Obb  bool `json:"obb"`
}

// Backup is a directory-backed artifact; the directory on disk is the source of truth.
type Backup struct {
	Name                string    `json:"name"`
	Path                string    `json:"path"`
	Timestamp           time.Time `json:"timestamp"`
	PackageName         string    `json:"package_name"`
	ContainsApk         bool      `json:"contains_apk"`
	ContainsObb         bool      `json:"contains_obb"`
	ContainsSharedData  bool      `json:"contains_shared_data"`
	ContainsPrivateData bool      `json:"contains_private_data"`
}

// Contents lists the artifact classes present, e.g. "Apk, Obb, Data".
func (b Backup) Contents() string {
	var parts []string
	if b.ContainsApk {
		parts = append(parts, "Apk")
	}
	if b.ContainsObb {
		parts = append(parts, "Obb")
	}
	if b.ContainsSharedData || b.ContainsPrivateData {
		parts = append(parts, "Data")
	}
	return strings.Join(parts, ", ")
}

// TaskInfo is a read-only snapshot of a task.
type TaskInfo struct {
	ID         string     `json:"id"`
	Kind       TaskKind   `json:"kind"`
	Name       string     `json:"name"`
	State      TaskState  `json:"state"`
	Status     string     `json:"status"`
	Progress   string     `json:"progress,omitempty"`
	IsFinished bool       `json:"is_finished"`
	Result     TaskResult `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	Device     string     `json:"device,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt time.Time  `json:"finished_at,omitzero"`
}

// PruningPolicy decides what happens to downloaded content after it was installed.
type PruningPolicy string

const (
	PruneKeep               PruningPolicy = "keep"
	PruneDeleteAfterInstall PruningPolicy = "delete_after_install"
)

func (p PruningPolicy) Valid() bool {
	return p == "" || p == PruneKeep || p == PruneDeleteAfterInstall
}

// DownloadStats is a point-in-time sample of a running download. TotalBytes
// is zero when the size is not known up front.
type DownloadStats struct {
	BytesPerSecond  float64
	DownloadedBytes int64
	TotalBytes      int64
}
