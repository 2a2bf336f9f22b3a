package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/TinkerUp/sideload-core/internal/adb"
	"github.com/TinkerUp/sideload-core/internal/adb/adbtest"
	"github.com/TinkerUp/sideload-core/internal/errs"
	"github.com/TinkerUp/sideload-core/internal/events"
	"github.com/TinkerUp/sideload-core/types/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	fake       *adbtest.FakeClient
	bus        *events.Bus
	sub        *events.Subscription
	settings   *fakeSettings
	supervisor *Supervisor
}

func newHarness(t *testing.T, version int) *harness {
	t.Helper()

	fake := adbtest.NewFakeClient(version)
	bus := events.NewBus()
	sub := bus.Subscribe(64)
	settings := &fakeSettings{}

	shell := adb.NewGateway(fake, nil)
	monitor := adb.NewMonitor(fake, nil)
	registry := NewRegistry(fake, shell, bus, settings, NewProducts(nil), nil)

	supervisor := NewSupervisor(fake, fake, shell, monitor, registry, bus, settings, SupervisorConfig{
		MinVersion: 40,
		Attempts:   3,
	}, nil)
	supervisor.SetSleepFunc(func(ctx context.Context, d time.Duration) error { return ctx.Err() })

	t.Cleanup(func() {
		monitor.Stop()
		bus.Unsubscribe(sub)
	})

	return &harness{fake: fake, bus: bus, sub: sub, settings: settings, supervisor: supervisor}
}

func (h *harness) drain() []events.Event {
	var got []events.Event
	for {
		select {
		case e := <-h.sub.C:
			got = append(got, e)
		default:
			return got
		}
	}
}

func kinds(list []events.Event) []events.Kind {
	result := make([]events.Kind, 0, len(list))
	for _, e := range list {
		result = append(result, e.Kind)
	}
	return result
}

func countCommand(fake *adbtest.FakeClient, command string) int {
	count := 0
	for _, call := range fake.History() {
		if call.Command == command {
			count++
		}
	}
	return count
}

// --- ensure connected ---

func TestEnsureConnected_RestartsOutdatedDaemon(t *testing.T) {
	h := newHarness(t, 39)
	h.fake.SetVersionAfterStart(41)
	h.fake.AddHeadset("1WMHH", "1WMHH815K", "hollywood")

	device, err := h.supervisor.EnsureConnected(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, "1WMHH", device.Serial)
	assert.Equal(t, 1, h.fake.Kills())
	assert.Equal(t, 1, h.fake.Starts())
	assert.Contains(t, h.fake.Connects(), DefaultLoopbackAddress)
	assert.Equal(t, 1, h.fake.Watches())
	assert.Equal(t, LinkOnline, h.supervisor.Link("1WMHH815K"))

	active, ok := h.supervisor.Active()
	require.True(t, ok)
	assert.Equal(t, device, active)

	assert.Contains(t, kinds(h.drain()), events.DeviceOnline)
}

func TestEnsureConnected_CurrentDaemonIsNotRestarted(t *testing.T) {
	h := newHarness(t, 41)
	h.fake.AddHeadset("1WMHH", "1WMHH", "hollywood")

	_, err := h.supervisor.EnsureConnected(context.Background(), false)
	require.NoError(t, err)

	assert.Zero(t, h.fake.Kills())
	assert.Zero(t, h.fake.Starts())
}

func TestEnsureConnected_FastPathSkipsRescan(t *testing.T) {
	h := newHarness(t, 41)
	h.fake.AddHeadset("1WMHH", "1WMHH", "hollywood")

	_, err := h.supervisor.EnsureConnected(context.Background(), false)
	require.NoError(t, err)
	probes := countCommand(h.fake, "getprop ro.boot.serialno")
	h.drain()

	device, err := h.supervisor.EnsureConnected(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, "1WMHH", device.Serial)
	assert.Equal(t, probes, countCommand(h.fake, "getprop ro.boot.serialno"))
	assert.Equal(t, 2, countCommand(h.fake, "echo 1"))
	assert.Empty(t, h.drain())
}

func TestEnsureConnected_ForceKillsWhenStopFails(t *testing.T) {
	h := newHarness(t, 0)
	h.fake.SetVersion(0, errors.New("connection refused"))
	h.fake.SetKillError(errors.New("cannot connect to daemon"))
	h.fake.SetVersionAfterStart(41)
	h.fake.AddHeadset("1WMHH", "1WMHH", "hollywood")

	_, err := h.supervisor.EnsureConnected(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, 1, h.fake.Kills())
	assert.Equal(t, 1, h.fake.ForceKills())
}

func TestEnsureConnected_DaemonNeverComesUp(t *testing.T) {
	h := newHarness(t, 39)
	h.fake.AddHeadset("1WMHH", "1WMHH", "hollywood")

	_, err := h.supervisor.EnsureConnected(context.Background(), false)
	require.Error(t, err)

	assert.ErrorIs(t, err, errs.ErrConnection)
	assert.Equal(t, 3, h.fake.Starts())
	_, ok := h.supervisor.Active()
	assert.False(t, ok)
}

func TestEnsureConnected_NoDevices(t *testing.T) {
	h := newHarness(t, 41)

	_, err := h.supervisor.EnsureConnected(context.Background(), false)
	assert.ErrorIs(t, err, errs.ErrNoDeviceConnection)
}

func TestEnsureConnected_SkipsDevicesThatDoNotAnswer(t *testing.T) {
	h := newHarness(t, 41)
	h.fake.AddHeadset("1WMHH", "1WMHH", "hollywood")
	h.fake.AddHeadset("2WMHH", "2WMHH", "hollywood")
	h.fake.HandleOn("1WMHH", "echo 1", adbtest.Reply(""))

	device, err := h.supervisor.EnsureConnected(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, "2WMHH", device.Serial)
	assert.Equal(t, LinkOffline, h.supervisor.Link("1WMHH"))
}

func TestEnsureConnected_LostDeviceGoesOffline(t *testing.T) {
	h := newHarness(t, 41)
	h.fake.AddHeadset("1WMHH", "1WMHH", "hollywood")

	_, err := h.supervisor.EnsureConnected(context.Background(), false)
	require.NoError(t, err)
	h.drain()

	h.fake.SetUnreachable("1WMHH", true)

	_, err = h.supervisor.EnsureConnected(context.Background(), true)
	assert.ErrorIs(t, err, errs.ErrNoDeviceConnection)

	_, ok := h.supervisor.Active()
	assert.False(t, ok)
	assert.Equal(t, LinkOffline, h.supervisor.Link("1WMHH"))
	assert.Contains(t, kinds(h.drain()), events.DeviceOffline)
}

func TestEnsureConnected_ConcurrentCallers(t *testing.T) {
	h := newHarness(t, 39)
	h.fake.SetVersionAfterStart(41)
	h.fake.AddHeadset("1WMHH", "1WMHH", "hollywood")

	var wg sync.WaitGroup
	results := make([]models.Device, 8)
	failures := make([]error, 8)

	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], failures[i] = h.supervisor.EnsureConnected(context.Background(), i%2 == 0)
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, failures[i])
		assert.Equal(t, "1WMHH", results[i].Serial)
	}
	assert.Equal(t, 1, h.fake.Starts())
}

func TestEnsureConnected_CallerCancellation(t *testing.T) {
	h := newHarness(t, 41)
	h.fake.AddHeadset("1WMHH", "1WMHH", "hollywood")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.supervisor.EnsureConnected(ctx, false)
	assert.ErrorIs(t, err, errs.ErrCancelled)
}

// --- switching ---

func TestSwitchTo(t *testing.T) {
	h := newHarness(t, 41)
	h.fake.AddHeadset("1WMHH", "1WMHH", "hollywood")
	h.fake.AddHeadset("2WMHH", "2WMHH", "eureka")

	_, err := h.supervisor.EnsureConnected(context.Background(), false)
	require.NoError(t, err)

	device, err := h.supervisor.SwitchTo(context.Background(), "2WMHH")
	require.NoError(t, err)
	assert.Equal(t, "Quest 3", device.FriendlyName)

	active, _ := h.supervisor.Active()
	assert.Equal(t, "2WMHH", active.Serial)

	_, err = h.supervisor.SwitchTo(context.Background(), "9XXXX")
	assert.ErrorIs(t, err, errs.ErrNoDeviceConnection)

	h.fake.SetUnreachable("1WMHH", true)
	_, err = h.supervisor.SwitchTo(context.Background(), "1WMHH")
	assert.ErrorIs(t, err, errs.ErrDeviceUnreachable)

	active, _ = h.supervisor.Active()
	assert.Equal(t, "2WMHH", active.Serial)
}

func TestEnforcePreference(t *testing.T) {
	h := newHarness(t, 41)
	h.fake.AddHeadset("1WMHH", "1WMHH", "hollywood")
	h.fake.AddHeadset("192.168.1.20:5555", "1WMHH", "hollywood")

	device, err := h.supervisor.EnsureConnected(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, models.ConnectionUSB, device.ConnectionKind)

	h.settings.setPreference(models.PreferWireless)
	h.supervisor.EnforcePreference(context.Background())

	active, _ := h.supervisor.Active()
	assert.Equal(t, "192.168.1.20:5555", active.Serial)
	assert.True(t, active.SamePhysical(device))
}

func TestEnforcePreference_KeepsActiveWhenPreferredUnreachable(t *testing.T) {
	h := newHarness(t, 41)
	h.fake.AddHeadset("1WMHH", "1WMHH", "hollywood")
	h.fake.AddHeadset("192.168.1.20:5555", "1WMHH", "hollywood")

	_, err := h.supervisor.EnsureConnected(context.Background(), false)
	require.NoError(t, err)

	h.fake.SetUnreachable("192.168.1.20:5555", true)
	h.settings.setPreference(models.PreferWireless)
	h.supervisor.EnforcePreference(context.Background())

	active, _ := h.supervisor.Active()
	assert.Equal(t, "1WMHH", active.Serial)
}

// --- wireless ---

func TestConnectWireless(t *testing.T) {
	h := newHarness(t, 41)

	require.NoError(t, h.supervisor.ConnectWireless(context.Background(), "192.168.1.20"))

	assert.Equal(t, []string{"192.168.1.20:5555"}, h.fake.Connects())
	assert.Equal(t, "192.168.1.20", h.settings.LastWirelessHost())
}

func TestConnectWireless_GivesUp(t *testing.T) {
	h := newHarness(t, 41)
	h.fake.SetConnectError(errors.New("connection refused"))

	err := h.supervisor.ConnectWireless(context.Background(), "192.168.1.20:5556")
	require.Error(t, err)

	assert.Len(t, h.fake.Connects(), 3)
	assert.Empty(t, h.settings.LastWirelessHost())
}

// --- device changes ---

func TestHandleChange_ActiveOfflineFailsOver(t *testing.T) {
	h := newHarness(t, 41)
	h.fake.AddHeadset("1WMHH", "1WMHH", "hollywood")
	h.fake.AddHeadset("2WMHH", "2WMHH", "hollywood")

	_, err := h.supervisor.EnsureConnected(context.Background(), false)
	require.NoError(t, err)

	h.fake.RemoveDevice("1WMHH")
	h.supervisor.HandleChange(context.Background(), models.DeviceStateChange{
		Serial:   "1WMHH",
		OldState: models.DeviceStateOnline,
		NewState: models.DeviceStateOffline,
	})

	active, ok := h.supervisor.Active()
	require.True(t, ok)
	assert.Equal(t, "2WMHH", active.Serial)
}

func TestHandleChange_NewDeviceConnects(t *testing.T) {
	h := newHarness(t, 41)

	_, err := h.supervisor.EnsureConnected(context.Background(), false)
	require.ErrorIs(t, err, errs.ErrNoDeviceConnection)

	h.fake.AddHeadset("1WMHH", "1WMHH", "hollywood")
	h.supervisor.HandleChange(context.Background(), models.DeviceStateChange{
		Serial:   "1WMHH",
		NewState: models.DeviceStateOnline,
	})

	active, ok := h.supervisor.Active()
	require.True(t, ok)
	assert.Equal(t, "1WMHH", active.Serial)
}

func TestHandleChange_Unauthorized(t *testing.T) {
	h := newHarness(t, 41)
	h.fake.AddDevice(models.TransportDevice{Serial: "3WMHH", State: models.DeviceStateUnauthorized, Product: "hollywood"})

	h.supervisor.HandleChange(context.Background(), models.DeviceStateChange{
		Serial:   "3WMHH",
		NewState: models.DeviceStateUnauthorized,
	})

	assert.Contains(t, kinds(h.drain()), events.DeviceUnauthorized)
	_, ok := h.supervisor.Active()
	assert.False(t, ok)
}

func TestRun_ReactsToMonitorEvents(t *testing.T) {
	h := newHarness(t, 41)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.supervisor.Run(ctx) }()

	require.Eventually(t, func() bool { return h.fake.Watches() > 0 }, time.Second, 5*time.Millisecond)

	h.fake.AddHeadset("1WMHH", "1WMHH", "hollywood")
	h.fake.Emit(models.DeviceStateChange{Serial: "1WMHH", NewState: models.DeviceStateOnline})

	require.Eventually(t, func() bool {
		_, ok := h.supervisor.Active()
		return ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}
}

// --- link state ---

func TestNextLinkState(t *testing.T) {
	state, err := nextLinkState("", LinkProbing)
	require.NoError(t, err)
	assert.Equal(t, LinkProbing, state)

	state, err = nextLinkState(LinkProbing, LinkOnline)
	require.NoError(t, err)
	assert.Equal(t, LinkOnline, state)

	state, err = nextLinkState(LinkOnline, LinkOnline)
	require.NoError(t, err)
	assert.Equal(t, LinkOnline, state)

	_, err = nextLinkState(LinkUnknown, LinkOnline)
	assert.ErrorIs(t, err, errs.ErrTransitionForbidden)

	_, err = nextLinkState(LinkOffline, LinkOnline)
	assert.ErrorIs(t, err, errs.ErrTransitionForbidden)
}
