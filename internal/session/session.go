// Package session is the per-device API used by tasks: package management,
// sideloading, file transfer, backups and device info.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/TinkerUp/sideload-core/internal/adb"
	"github.com/TinkerUp/sideload-core/internal/errs"
	"github.com/TinkerUp/sideload-core/internal/events"
	"github.com/TinkerUp/sideload-core/internal/store"
	"github.com/TinkerUp/sideload-core/types/models"
)

const remoteTempDir = "/data/local/tmp"

// Progress receives transient status updates. progress may be empty.
type Progress func(status string, progress string)

func (p Progress) report(status string, progress string) {
	if p != nil {
		p(status, progress)
	}
}

// UninstallOutcome distinguishes the two non-error uninstall results.
type UninstallOutcome int

const (
	Uninstalled UninstallOutcome = iota
	PackageNotFound
)

func (o UninstallOutcome) String() string {
	if o == PackageNotFound {
		return "package not found"
	}
	return "uninstalled"
}

// Session operates on one device. Its identity never changes; storage and
// battery stats are refreshed in place.
type Session struct {
	client  adb.ADBClient
	daemon  adb.Daemon
	shell   *adb.Gateway
	bus     *events.Bus
	backups store.BackupStore
	log     *slog.Logger

	device models.Device

	refreshing atomic.Bool
	infoMu     sync.RWMutex
	storage    models.StorageStats
	battery    int
}

func New(client adb.ADBClient, daemon adb.Daemon, shell *adb.Gateway, bus *events.Bus, backups store.BackupStore, device models.Device, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		client:  client,
		daemon:  daemon,
		shell:   shell,
		bus:     bus,
		backups: backups,
		log:     log.With("component", "session", "device", device.String()),
		device:  device,
		storage: device.Storage,
		battery: device.BatteryLevel,
	}
}

// Device returns the device with the latest refreshed info.
func (s *Session) Device() models.Device {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()

	device := s.device
	device.Storage = s.storage
	device.BatteryLevel = s.battery
	return device
}

func (s *Session) Serial() string {
	return s.device.Serial
}

var batteryPattern = regexp.MustCompile(`[0-9]{1,3}`)

// RefreshInfo updates storage and battery stats. A call arriving while a
// refresh is already running returns false immediately.
func (s *Session) RefreshInfo(ctx context.Context) (bool, error) {
	if !s.refreshing.CompareAndSwap(false, true) {
		s.log.DebugContext(ctx, "device info refresh already running")
		return false, nil
	}
	defer s.refreshing.Store(false)

	dfOutput, err := s.shell.Run(ctx, s.Serial(), "df /storage/emulated")
	if err != nil {
		return true, err
	}
	storage, err := parseDF(dfOutput)
	if err != nil {
		return true, err
	}

	batteryOutput, err := s.shell.Run(ctx, s.Serial(), "dumpsys battery | grep level")
	if err != nil {
		return true, err
	}
	level, err := strconv.Atoi(batteryPattern.FindString(batteryOutput))
	if err != nil {
		return true, fmt.Errorf("parse battery level %q: %w", batteryOutput, err)
	}

	s.infoMu.Lock()
	s.storage = storage
	s.battery = level
	s.infoMu.Unlock()

	return true, nil
}

// parseDF reads the second line of `df` output, which reports 1K blocks.
func parseDF(output string) (models.StorageStats, error) {
	lines := strings.Split(strings.ReplaceAll(output, "\r\n", "\n"), "\n")
	if len(lines) < 2 {
		return models.StorageStats{}, fmt.Errorf("unexpected df output: %q", output)
	}

	fields := strings.Fields(lines[1])
	if len(fields) < 4 {
		return models.StorageStats{}, fmt.Errorf("unexpected df output: %q", output)
	}

	values := make([]uint64, 3)
	for i := range values {
		value, err := strconv.ParseUint(fields[i+1], 10, 64)
		if err != nil {
			return models.StorageStats{}, fmt.Errorf("unexpected df output: %q: %w", output, err)
		}
		values[i] = value * 1024
	}

	return models.StorageStats{TotalBytes: values[0], UsedBytes: values[1], FreeBytes: values[2]}, nil
}

// InstalledPackages lists third-party packages.
func (s *Session) InstalledPackages(ctx context.Context) ([]string, error) {
	out, err := s.shell.Run(ctx, s.Serial(), "pm list packages -3")
	if err != nil {
		return nil, err
	}

	var packages []string
	for _, line := range strings.Split(out, "\n") {
		name, ok := strings.CutPrefix(strings.TrimSpace(line), "package:")
		if ok && name != "" {
			packages = append(packages, name)
		}
	}
	sort.Strings(packages)

	return packages, nil
}

// IsInstalled compares against the full package list; matching inside the
// device shell would also accept packages that merely share the prefix.
func (s *Session) IsInstalled(ctx context.Context, packageName string) (bool, error) {
	if err := checkPackageName(packageName); err != nil {
		return false, err
	}

	packages, err := s.InstalledPackages(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(packages, packageName), nil
}

func checkPackageName(packageName string) error {
	if !models.ValidPackageName(packageName) {
		return fmt.Errorf("%w: %q", errs.ErrInvalidPackageName, packageName)
	}
	return nil
}

// Install pushes a local APK to the device and installs it with the package
// manager. Rejections are returned as *errs.InstallError.
func (s *Session) Install(ctx context.Context, apkPath string, reinstall bool, grantRuntimePermissions bool) error {
	s.log.InfoContext(ctx, "installing apk", "apk", filepath.Base(apkPath))

	remotePath := remoteTempDir + "/" + filepath.Base(apkPath)
	if err := s.PushFile(ctx, apkPath, remotePath); err != nil {
		return &errs.InstallError{Kind: errs.ClassifyInstallOutput(err.Error()), Err: err}
	}
	defer func() {
		if _, err := s.shell.Run(context.WithoutCancel(ctx), s.Serial(), fmt.Sprintf("rm -f %q", remotePath)); err != nil {
			s.log.WarnContext(ctx, "failed to remove pushed apk", "path", remotePath, "error", err)
		}
	}()

	command := "pm install"
	if reinstall {
		command += " -r"
	}
	if grantRuntimePermissions {
		command += " -g"
	}
	command += fmt.Sprintf(" %q", remotePath)

	out, err := s.shell.RunLogged(ctx, s.Serial(), command)
	if err != nil {
		return &errs.InstallError{Kind: errs.ClassifyInstallOutput(err.Error()), Err: err}
	}
	if !strings.Contains(out, "Success") {
		return &errs.InstallError{Kind: errs.ClassifyInstallOutput(out), Output: out}
	}

	s.log.InfoContext(ctx, "package installed", "apk", filepath.Base(apkPath))
	return nil
}

// Uninstall removes a package. A package that is not installed yields
// PackageNotFound rather than an error.
//
// The package manager reports a missing package as DELETE_FAILED_INTERNAL_ERROR,
// the same text it uses for genuine internal failures, so the outcome is only
// reclassified when the package is also absent from the package list. Other
// daemon versions may word this differently.
func (s *Session) Uninstall(ctx context.Context, packageName string) (UninstallOutcome, error) {
	if err := checkPackageName(packageName); err != nil {
		return Uninstalled, err
	}

	s.log.InfoContext(ctx, "uninstalling package", "package", packageName)

	out, err := s.shell.RunLogged(ctx, s.Serial(), "pm uninstall "+packageName)
	if err != nil {
		return Uninstalled, err
	}

	if strings.Contains(out, "Success") {
		s.publishPackagesChanged()
		return Uninstalled, nil
	}

	if strings.Contains(out, "DELETE_FAILED_INTERNAL_ERROR") {
		installed, checkErr := s.IsInstalled(ctx, packageName)
		if checkErr == nil && !installed {
			s.log.InfoContext(ctx, "package is not installed", "package", packageName)
			return PackageNotFound, nil
		}
	}

	return Uninstalled, fmt.Errorf("uninstall %s: %s", packageName, out)
}

func (s *Session) publishPackagesChanged() {
	if s.bus != nil {
		s.bus.Publish(events.Event{Kind: events.PackageListChanged, Serial: s.Serial()})
	}
}

func (s *Session) remoteExists(ctx context.Context, remotePath string) bool {
	_, err := s.client.Stat(ctx, s.Serial(), remotePath)
	return err == nil
}
