package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/TinkerUp/sideload-core/internal/adb"
	"github.com/TinkerUp/sideload-core/internal/adb/adbtest"
	"github.com/TinkerUp/sideload-core/internal/errs"
	"github.com/TinkerUp/sideload-core/internal/events"
	"github.com/TinkerUp/sideload-core/internal/store"
	"github.com/TinkerUp/sideload-core/types/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSerial = "1WMHH815K10392"

type testSession struct {
	fake       *adbtest.FakeClient
	bus        *events.Bus
	sub        *events.Subscription
	backupRoot string
	session    *Session
}

func newTestSession(t *testing.T) *testSession {
	t.Helper()

	fake := adbtest.NewFakeClient(41)
	fake.AddHeadset(testSerial, testSerial, "hollywood")

	bus := events.NewBus()
	sub := bus.Subscribe(16)
	t.Cleanup(func() { bus.Unsubscribe(sub) })

	backupRoot := filepath.Join(t.TempDir(), "backups")

	device := models.Device{
		Serial:       testSerial,
		TrueSerial:   testSerial,
		ProductCode:  "hollywood",
		FriendlyName: "Quest 2",
		State:        models.DeviceStateOnline,
		HashedID:     "0123456789ABCDEF",
		Identified:   true,
	}

	session := New(fake, fake, adb.NewGateway(fake, nil), bus, store.NewBackupStore(backupRoot), device, nil)

	return &testSession{fake: fake, bus: bus, sub: sub, backupRoot: backupRoot, session: session}
}

func (ts *testSession) published(kind events.Kind) bool {
	for {
		select {
		case e := <-ts.sub.C:
			if e.Kind == kind {
				return true
			}
		default:
			return false
		}
	}
}

func commandsContaining(fake *adbtest.FakeClient, substr string) []string {
	var matched []string
	for _, call := range fake.History() {
		if strings.Contains(call.Command, substr) {
			matched = append(matched, call.Command)
		}
	}
	return matched
}

func writeLocal(t *testing.T, path string, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// --- device info ---

const dfOutput = `Filesystem     1K-blocks    Used Available Use% Mounted on
/dev/fuse      115587104 20971520  94615584  19% /storage/emulated`

func TestParseDF(t *testing.T) {
	stats, err := parseDF(dfOutput)
	require.NoError(t, err)

	assert.Equal(t, uint64(115587104*1024), stats.TotalBytes)
	assert.Equal(t, uint64(20971520*1024), stats.UsedBytes)
	assert.Equal(t, uint64(94615584*1024), stats.FreeBytes)

	_, err = parseDF("Filesystem 1K-blocks Used Available")
	assert.Error(t, err)
}

func TestRefreshInfo(t *testing.T) {
	ts := newTestSession(t)
	ts.fake.Handle("df /storage/emulated", adbtest.Reply(dfOutput))
	ts.fake.Handle("dumpsys battery", adbtest.Reply("  level: 87\n"))

	ran, err := ts.session.RefreshInfo(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)

	device := ts.session.Device()
	assert.Equal(t, 87, device.BatteryLevel)
	assert.Equal(t, uint64(94615584*1024), device.Storage.FreeBytes)
}

func TestRefreshInfo_Coalesces(t *testing.T) {
	ts := newTestSession(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	ts.fake.Handle("df /storage/emulated", func(string, string) (string, error) {
		close(entered)
		<-release
		return dfOutput, nil
	})
	ts.fake.Handle("dumpsys battery", adbtest.Reply("level: 50"))

	done := make(chan error, 1)
	go func() {
		_, err := ts.session.RefreshInfo(context.Background())
		done <- err
	}()
	<-entered

	ran, err := ts.session.RefreshInfo(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)

	close(release)
	require.NoError(t, <-done)
	assert.Len(t, commandsContaining(ts.fake, "df /storage/emulated"), 1)
}

func TestInstalledPackages(t *testing.T) {
	ts := newTestSession(t)
	ts.fake.Handle("pm list packages -3", adbtest.Reply("package:com.zeta.app\npackage:com.alpha.game\n\n"))

	packages, err := ts.session.InstalledPackages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"com.alpha.game", "com.zeta.app"}, packages)
}

// --- install / uninstall ---

func TestInstall(t *testing.T) {
	ts := newTestSession(t)
	ts.fake.Handle("pm install", adbtest.Reply("Performing Streamed Install\nSuccess\n"))

	apk := filepath.Join(t.TempDir(), "game.apk")
	writeLocal(t, apk, "apk-bytes")

	require.NoError(t, ts.session.Install(context.Background(), apk, true, true))

	installs := commandsContaining(ts.fake, "pm install")
	require.Len(t, installs, 1)
	assert.Equal(t, `pm install -r -g "/data/local/tmp/game.apk"`, installs[0])
	assert.False(t, ts.fake.FileExists("/data/local/tmp/game.apk"))
}

func TestInstall_ClassifiesFailures(t *testing.T) {
	ts := newTestSession(t)
	ts.fake.Handle("pm install", adbtest.Reply("Failure [INSTALL_FAILED_OLDER_SDK: Requires newer sdk version #32]"))

	apk := filepath.Join(t.TempDir(), "game.apk")
	writeLocal(t, apk, "apk-bytes")

	err := ts.session.Install(context.Background(), apk, false, false)
	require.Error(t, err)

	var installErr *errs.InstallError
	require.ErrorAs(t, err, &installErr)
	assert.Equal(t, errs.InstallIncompatibleOS, installErr.Kind)
	assert.Equal(t, []string{`pm install "/data/local/tmp/game.apk"`}, commandsContaining(ts.fake, "pm install"))
}

func TestUninstall(t *testing.T) {
	ts := newTestSession(t)
	ts.fake.Handle("pm uninstall", adbtest.Reply("Success"))

	outcome, err := ts.session.Uninstall(context.Background(), "com.example.game")
	require.NoError(t, err)
	assert.Equal(t, Uninstalled, outcome)
	assert.True(t, ts.published(events.PackageListChanged))
}

func TestUninstall_MissingPackage(t *testing.T) {
	ts := newTestSession(t)
	ts.fake.Handle("pm uninstall", adbtest.Reply("Failure [DELETE_FAILED_INTERNAL_ERROR]"))
	ts.fake.Handle("pm list packages -3", adbtest.Reply("package:com.example.missing.demo\n"))

	outcome, err := ts.session.Uninstall(context.Background(), "com.example.missing")
	require.NoError(t, err)
	assert.Equal(t, PackageNotFound, outcome)

	ts.fake.Handle("pm uninstall", adbtest.Reply("Success"))
	outcome, err = ts.session.Uninstall(context.Background(), "com.example.other")
	require.NoError(t, err)
	assert.Equal(t, Uninstalled, outcome)
}

func TestUninstall_InternalErrorOnInstalledPackage(t *testing.T) {
	ts := newTestSession(t)
	ts.fake.Handle("pm uninstall", adbtest.Reply("Failure [DELETE_FAILED_INTERNAL_ERROR]"))
	ts.fake.Handle("pm list packages -3", adbtest.Reply("package:com.example.game\n"))

	_, err := ts.session.Uninstall(context.Background(), "com.example.game")
	assert.Error(t, err)
}

func TestUninstall_RejectsMalformedPackageName(t *testing.T) {
	ts := newTestSession(t)
	ts.fake.Handle("pm uninstall", adbtest.Reply("Success"))

	for _, name := range []string{"com.x; rm -rf /sdcard", "com.x$(reboot)", "game", "", "com..x"} {
		_, err := ts.session.Uninstall(context.Background(), name)
		assert.ErrorIs(t, err, errs.ErrInvalidPackageName, name)
	}

	_, err := ts.session.IsInstalled(context.Background(), "com.x && reboot")
	assert.ErrorIs(t, err, errs.ErrInvalidPackageName)

	assert.False(t, ts.fake.Ran("pm uninstall"))
	assert.False(t, ts.fake.Ran("rm -rf"))
}

func TestIsInstalled_MatchesWholeName(t *testing.T) {
	ts := newTestSession(t)
	ts.fake.Handle("pm list packages -3", adbtest.Reply("package:com.example.game.demo\npackage:com.other.app\n"))

	installed, err := ts.session.IsInstalled(context.Background(), "com.example.game")
	require.NoError(t, err)
	assert.False(t, installed)

	installed, err = ts.session.IsInstalled(context.Background(), "com.example.game.demo")
	require.NoError(t, err)
	assert.True(t, installed)
}

func TestUninstall_TransportFailure(t *testing.T) {
	ts := newTestSession(t)
	ts.fake.Handle("pm uninstall", adbtest.Fail(errors.New("closed")))

	_, err := ts.session.Uninstall(context.Background(), "com.example.game")
	var commandErr *errs.CommandError
	assert.ErrorAs(t, err, &commandErr)
}

// --- transfer ---

func TestPushAndPullDirectory(t *testing.T) {
	ts := newTestSession(t)

	local := t.TempDir()
	writeLocal(t, filepath.Join(local, "a.txt"), "a")
	writeLocal(t, filepath.Join(local, "nested", "b.txt"), "b")

	require.NoError(t, ts.session.PushDirectory(context.Background(), local, "/sdcard/tree"))

	data, ok := ts.fake.ReadFile("/sdcard/tree/nested/b.txt")
	require.True(t, ok)
	assert.Equal(t, "b", string(data))
	assert.True(t, ts.fake.FileExists("/sdcard/tree/a.txt"))

	ts.fake.WriteFile("/sdcard/tree/cache/junk.bin", []byte("junk"))

	out := filepath.Join(t.TempDir(), "pulled")
	require.NoError(t, ts.session.PullDirectory(context.Background(), "/sdcard/tree", out, []string{"cache"}))

	assert.FileExists(t, filepath.Join(out, "a.txt"))
	assert.FileExists(t, filepath.Join(out, "nested", "b.txt"))
	assert.NoDirExists(t, filepath.Join(out, "cache"))
}

func TestPullDirectory_Cancelled(t *testing.T) {
	ts := newTestSession(t)
	ts.fake.WriteFile("/sdcard/tree/a.txt", []byte("a"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ts.session.PullDirectory(ctx, "/sdcard/tree", t.TempDir(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

// --- wireless ---

const ipRoute = `10.0.0.0/24 dev eth0 proto kernel scope link src 10.0.0.9
192.168.1.0/24 dev wlan0 proto kernel scope link src 192.168.1.42`

func TestEnableWirelessADB(t *testing.T) {
	ts := newTestSession(t)
	ts.fake.Handle("ip route", adbtest.Reply(ipRoute))

	address, err := ts.session.EnableWirelessADB(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.42", address)
	assert.Equal(t, []string{testSerial + ":5555"}, ts.fake.TCPIPs())
	assert.True(t, ts.fake.Ran("settings put global wifi_sleep_policy 2"))
}

func TestEnableWirelessADB_NoWifi(t *testing.T) {
	ts := newTestSession(t)
	ts.fake.Handle("ip route", adbtest.Reply("10.0.0.0/24 dev eth0 proto kernel scope link src 10.0.0.9"))

	_, err := ts.session.EnableWirelessADB(context.Background())
	assert.Error(t, err)
	assert.Empty(t, ts.fake.TCPIPs())
}

// --- pool ---

func TestPool(t *testing.T) {
	fake := adbtest.NewFakeClient(41)
	pool := NewPool(fake, fake, adb.NewGateway(fake, nil), events.NewBus(), nil, nil)

	device := models.Device{Serial: "1WMHH", TrueSerial: "1WMHH"}
	first := pool.For(device)
	assert.Same(t, first, pool.For(device))

	replaced := pool.For(models.Device{Serial: "1WMHH", TrueSerial: "2WMHH"})
	assert.NotSame(t, first, replaced)

	pool.retain(nil)
	assert.NotSame(t, replaced, pool.For(device))
}

func TestPool_TrackForgetsDepartedDevices(t *testing.T) {
	fake := adbtest.NewFakeClient(41)
	bus := events.NewBus()
	pool := NewPool(fake, fake, adb.NewGateway(fake, nil), bus, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Track(ctx)

	usb := models.Device{Serial: "1WMHH", TrueSerial: "1WMHH"}
	wireless := models.Device{Serial: "10.0.0.2:5555", TrueSerial: "1WMHH"}
	kept := pool.For(usb)
	pool.For(wireless)

	bus.Publish(events.Event{Kind: events.DeviceListChanged, Data: []models.Device{usb}})

	assert.Eventually(t, func() bool {
		pool.mu.Lock()
		defer pool.mu.Unlock()
		_, ok := pool.sessions[wireless.Serial]
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.Same(t, kept, pool.For(usb))
}

func TestUninstallOutcome_String(t *testing.T) {
	assert.Equal(t, "uninstalled", Uninstalled.String())
	assert.Equal(t, "package not found", PackageNotFound.String())
}
