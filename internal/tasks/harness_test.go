package tasks

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TinkerUp/sideload-core/internal/adb"
	"github.com/TinkerUp/sideload-core/internal/adb/adbtest"
	"github.com/TinkerUp/sideload-core/internal/device"
	"github.com/TinkerUp/sideload-core/internal/events"
	"github.com/TinkerUp/sideload-core/internal/locks"
	"github.com/TinkerUp/sideload-core/internal/session"
	"github.com/TinkerUp/sideload-core/internal/store"
	"github.com/TinkerUp/sideload-core/types/models"
)

const (
	headsetSerial = "1WMHH815K10392"
	otherSerial   = "2G0YC5ZF9F00FK"
	testPackage   = "com.example.game"
)

var testGame = models.Game{
	Name:        "Example Game",
	ReleaseName: "Example Game v12+1.0",
	PackageName: testPackage,
	VersionCode: 12,
	SizeMB:      1000,
}

type staticSettings struct{}

func (staticSettings) PreferredConnection() models.ConnectionPreference { return models.PreferNone }
func (staticSettings) LastWirelessHost() string                         { return "" }
func (staticSettings) SetLastWirelessHost(string) error                 { return nil }

type fakeDownloader struct {
	root string

	mu         sync.Mutex
	size       int64
	err        error
	block      chan struct{}
	uploads    []string
	uploaded   []string
	addonCalls int
}

func (d *fakeDownloader) SizeBytes(ctx context.Context, game models.Game) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size, nil
}

func (d *fakeDownloader) DownloadGame(ctx context.Context, game models.Game, progress func(models.DownloadStats)) (string, error) {
	d.mu.Lock()
	block, err, size := d.block, d.err, d.size
	d.mu.Unlock()

	progress(models.DownloadStats{BytesPerSecond: 2_500_000, DownloadedBytes: size / 2, TotalBytes: size})

	if block != nil {
		select {
		case <-ctx.Done():
			return "", &os.PathError{Op: "read", Path: "mirror", Err: os.ErrClosed}
		case <-block:
		}
	}
	if err != nil {
		return "", err
	}

	dir := filepath.Join(d.root, game.ReleaseName)
	if err := os.MkdirAll(filepath.Join(dir, game.PackageName), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "game.apk"), []byte("apk"), 0o644); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, game.PackageName, "main.obb"), []byte("obb"), 0o644); err != nil {
		return "", err
	}
	return dir, nil
}

func (d *fakeDownloader) Upload(ctx context.Context, localPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.uploads = append(d.uploads, localPath)
	_ = filepath.WalkDir(localPath, func(path string, entry os.DirEntry, err error) error {
		if err == nil && !entry.IsDir() {
			rel, _ := filepath.Rel(localPath, path)
			d.uploaded = append(d.uploaded, filepath.ToSlash(rel))
		}
		return nil
	})
	return nil
}

func (d *fakeDownloader) DownloadAddon(ctx context.Context, progress func(models.DownloadStats)) (string, error) {
	d.mu.Lock()
	d.addonCalls++
	d.mu.Unlock()

	progress(models.DownloadStats{BytesPerSecond: 1_000_000, DownloadedBytes: 10, TotalBytes: 10})

	dir := filepath.Join(d.root, "addon-download")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, os.WriteFile(filepath.Join(dir, "trailer.mp4"), []byte("mp4"), 0o644)
}

type harness struct {
	fake         *adbtest.FakeClient
	bus          *events.Bus
	sub          *events.Subscription
	locks        *locks.Manager
	backups      store.BackupStore
	downloader   *fakeDownloader
	downloads    string
	cfg          Config
	orchestrator *Orchestrator
}

func newHarness(t *testing.T, configure ...func(*Config)) *harness {
	t.Helper()

	root := t.TempDir()
	downloads := filepath.Join(root, "downloads")
	require.NoError(t, os.MkdirAll(downloads, 0o755))

	fake := adbtest.NewFakeClient(41)
	fake.AddHeadset(headsetSerial, headsetSerial, "hollywood")

	bus := events.NewBus()
	sub := bus.Subscribe(64)

	shell := adb.NewGateway(fake, nil)
	monitor := adb.NewMonitor(fake, nil)
	settings := staticSettings{}
	registry := device.NewRegistry(fake, shell, bus, settings, device.NewProducts(nil), nil)
	supervisor := device.NewSupervisor(fake, fake, shell, monitor, registry, bus, settings, device.SupervisorConfig{
		MinVersion: 40,
		Attempts:   3,
	}, nil)
	supervisor.SetSleepFunc(func(ctx context.Context, d time.Duration) error { return ctx.Err() })

	backups := store.NewBackupStore(filepath.Join(root, "backups"))
	pool := session.NewPool(fake, fake, shell, bus, backups, nil)
	lockManager := locks.NewManager(nil)
	downloader := &fakeDownloader{root: downloads, size: 100}

	cfg := Config{
		DownloadsLocation: downloads,
		PruningPolicy:     models.PruneKeep,
		AddonsLocation:    filepath.Join(root, "addons", "trailers"),
	}
	for _, fn := range configure {
		fn(&cfg)
	}

	orchestrator := NewOrchestrator(supervisor, pool, lockManager, downloader, bus, cfg, nil)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orchestrator.Shutdown(ctx)
		monitor.Stop()
		bus.Unsubscribe(sub)
	})

	return &harness{
		fake:         fake,
		bus:          bus,
		sub:          sub,
		locks:        lockManager,
		backups:      backups,
		downloader:   downloader,
		downloads:    downloads,
		cfg:          cfg,
		orchestrator: orchestrator,
	}
}

// run enqueues options and waits for the task to finish.
func (h *harness) run(t *testing.T, options Options) models.TaskInfo {
	t.Helper()

	queued, err := h.orchestrator.Enqueue(options)
	require.NoError(t, err)

	return h.wait(t, queued.ID)
}

func (h *harness) wait(t *testing.T, id string) models.TaskInfo {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info, err := h.orchestrator.Wait(ctx, id)
	require.NoError(t, err)
	require.True(t, info.IsFinished)
	return info
}

// requireLocksFree fails unless every permit can be taken right now.
func (h *harness) requireLocksFree(t *testing.T) {
	t.Helper()
	for _, kind := range []locks.Kind{locks.PackageOperation, locks.Sideload, locks.Download} {
		require.True(t, h.locks.TryAcquire(kind), "permit %s still held", kind)
		h.locks.Release(kind)
	}
}

func (h *harness) finishedEvents() []models.TaskInfo {
	var infos []models.TaskInfo
	for {
		select {
		case e := <-h.sub.C:
			if e.Kind == events.TaskFinished {
				infos = append(infos, e.Data.(models.TaskInfo))
			}
		default:
			return infos
		}
	}
}

func commandsOn(fake *adbtest.FakeClient, serial string, prefix string) []string {
	var matched []string
	for _, call := range fake.History() {
		if call.Serial == serial && len(call.Command) >= len(prefix) && call.Command[:len(prefix)] == prefix {
			matched = append(matched, call.Command)
		}
	}
	return matched
}

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
