package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/TinkerUp/sideload-core/internal/adb"
	"github.com/TinkerUp/sideload-core/internal/adb/adbtest"
	"github.com/TinkerUp/sideload-core/internal/events"
	"github.com/TinkerUp/sideload-core/types/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSettings struct {
	mu         sync.Mutex
	preference models.ConnectionPreference
	host       string
	saves      int
}

func (s *fakeSettings) PreferredConnection() models.ConnectionPreference {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preference
}

func (s *fakeSettings) LastWirelessHost() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

func (s *fakeSettings) SetLastWirelessHost(host string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.host = host
	s.saves++
	return nil
}

func (s *fakeSettings) setPreference(p models.ConnectionPreference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preference = p
}

func newTestRegistry(fake *adbtest.FakeClient, bus *events.Bus, settings Settings) *Registry {
	return NewRegistry(fake, adb.NewGateway(fake, nil), bus, settings, NewProducts(nil), nil)
}

func countKind(sub *events.Subscription, kind events.Kind) int {
	count := 0
	for {
		select {
		case e := <-sub.C:
			if e.Kind == kind {
				count++
			}
		default:
			return count
		}
	}
}

// --- identity ---

func TestHashedID(t *testing.T) {
	id := HashedID("1WMHH815K10392")

	assert.Len(t, id, 16)
	assert.Equal(t, id, HashedID("1WMHH815K10392"))
	assert.NotEqual(t, id, HashedID("1WMHH815K10393"))
	assert.Regexp(t, `^[0-9A-F]{16}$`, id)
}

func TestNewProducts(t *testing.T) {
	products := NewProducts(nil)

	name, ok := products.Lookup("hollywood")
	assert.True(t, ok)
	assert.Equal(t, "Quest 2", name)

	name, ok = products.Lookup("monterey")
	assert.True(t, ok)
	assert.Equal(t, "Quest 1", name)

	_, ok = products.Lookup("walleye")
	assert.False(t, ok)

	custom := NewProducts([]string{" Hollywood ", "pacific", ""})
	assert.Len(t, custom, 2)
	name, _ = custom.Lookup("pacific")
	assert.Equal(t, "pacific", name)
}

// --- rescan ---

func TestRegistry_FiltersUnrecognizedProducts(t *testing.T) {
	fake := adbtest.NewFakeClient(41)
	fake.AddHeadset("1WMHH", "1WMHH", "hollywood")
	fake.AddHeadset("PHONE", "PHONE", "walleye")

	registry := newTestRegistry(fake, events.NewBus(), nil)

	ran, err := registry.Rescan(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)

	devices := registry.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, "1WMHH", devices[0].Serial)
	assert.Equal(t, "Quest 2", devices[0].FriendlyName)
	assert.True(t, devices[0].Identified)
	assert.Equal(t, models.ConnectionUSB, devices[0].ConnectionKind)
}

func TestRegistry_RescanIsIdempotent(t *testing.T) {
	fake := adbtest.NewFakeClient(41)
	fake.AddHeadset("1WMHH", "1WMHH", "hollywood")

	bus := events.NewBus()
	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	registry := newTestRegistry(fake, bus, nil)

	for range 5 {
		_, err := registry.Rescan(context.Background())
		require.NoError(t, err)
	}

	assert.Equal(t, 1, countKind(sub, events.DeviceListChanged))
	assert.Equal(t, uint64(1), registry.Generation())

	fake.AddHeadset("2WMHH", "2WMHH", "eureka")
	_, err := registry.Rescan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, countKind(sub, events.DeviceListChanged))
	assert.Equal(t, uint64(2), registry.Generation())
}

func TestRegistry_TrueSerialSurvivesTransportSwitch(t *testing.T) {
	fake := adbtest.NewFakeClient(41)
	fake.AddHeadset("1WMHH", "1WMHH815K", "hollywood")
	fake.AddHeadset("192.168.1.20:5555", "1WMHH815K", "hollywood")

	registry := newTestRegistry(fake, events.NewBus(), nil)
	_, err := registry.Rescan(context.Background())
	require.NoError(t, err)

	usb, ok := registry.FindPhysical("1WMHH815K", models.ConnectionUSB)
	require.True(t, ok)
	wireless, ok := registry.FindPhysical("1WMHH815K", models.ConnectionWireless)
	require.True(t, ok)

	assert.NotEqual(t, usb.Serial, wireless.Serial)
	assert.True(t, usb.SamePhysical(wireless))
	assert.Equal(t, usb.HashedID, wireless.HashedID)
	assert.Equal(t, usb.HashedID+" (wireless)", wireless.String())
}

func TestRegistry_CollapsesDuplicates(t *testing.T) {
	fake := adbtest.NewFakeClient(41)
	fake.AddHeadset("1WMHH", "1WMHH", "hollywood")
	fake.AddHeadset("1WMHH", "1WMHH", "hollywood")

	registry := newTestRegistry(fake, events.NewBus(), nil)
	_, err := registry.Rescan(context.Background())
	require.NoError(t, err)

	assert.Len(t, registry.Devices(), 1)
}

func TestRegistry_UnauthorizedDeviceIsListedUnidentified(t *testing.T) {
	fake := adbtest.NewFakeClient(41)
	fake.AddDevice(models.TransportDevice{Serial: "3WMHH", State: models.DeviceStateUnauthorized, Product: "hollywood"})

	registry := newTestRegistry(fake, events.NewBus(), nil)
	_, err := registry.Rescan(context.Background())
	require.NoError(t, err)

	devices := registry.Devices()
	require.Len(t, devices, 1)
	assert.False(t, devices[0].Identified)
	assert.Equal(t, "3WMHH", devices[0].TrueSerial)
	assert.False(t, fake.Ran("getprop"))
}

func TestRegistry_OrdersByPreference(t *testing.T) {
	fake := adbtest.NewFakeClient(41)
	fake.AddDevice(models.TransportDevice{Serial: "3WMHH", State: models.DeviceStateUnauthorized, Product: "hollywood"})
	fake.AddHeadset("1WMHH", "1WMHH", "hollywood")
	fake.AddHeadset("192.168.1.20:5555", "1WMHH", "hollywood")

	settings := &fakeSettings{preference: models.PreferWireless}
	registry := newTestRegistry(fake, events.NewBus(), settings)
	_, err := registry.Rescan(context.Background())
	require.NoError(t, err)

	devices := registry.Devices()
	require.Len(t, devices, 3)
	assert.Equal(t, "3WMHH", devices[0].Serial)
	assert.Equal(t, "192.168.1.20:5555", devices[1].Serial)
	assert.Equal(t, "1WMHH", devices[2].Serial)

	settings.setPreference(models.PreferUSB)
	_, err = registry.Rescan(context.Background())
	require.NoError(t, err)

	devices = registry.Devices()
	assert.Equal(t, "3WMHH", devices[0].Serial)
	assert.Equal(t, "1WMHH", devices[1].Serial)
}

func TestRegistry_ConcurrentRescanIsDropped(t *testing.T) {
	fake := adbtest.NewFakeClient(41)
	fake.AddHeadset("1WMHH", "1WMHH", "hollywood")

	registry := newTestRegistry(fake, events.NewBus(), nil)

	var nestedRan bool
	var nestedErr error
	fake.OnDevices(func() {
		fake.OnDevices(nil)
		nestedRan, nestedErr = registry.Rescan(context.Background())
	})

	ran, err := registry.Rescan(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)

	assert.False(t, nestedRan)
	assert.NoError(t, nestedErr)
}

func TestRegistry_RefreshWaitsForInFlightScan(t *testing.T) {
	fake := adbtest.NewFakeClient(41)
	registry := newTestRegistry(fake, events.NewBus(), nil)

	release := make(chan struct{})
	entered := make(chan struct{})
	fake.OnDevices(func() {
		fake.OnDevices(nil)
		fake.AddHeadset("1WMHH", "1WMHH", "hollywood")
		close(entered)
		<-release
	})

	scanned := make(chan error, 1)
	go func() {
		_, err := registry.Rescan(context.Background())
		scanned <- err
	}()
	<-entered

	refreshed := make(chan error, 1)
	go func() { refreshed <- registry.Refresh(context.Background()) }()

	select {
	case <-refreshed:
		t.Fatal("refresh returned before the in-flight scan finished")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-refreshed)
	require.NoError(t, <-scanned)

	devices := registry.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, "1WMHH", devices[0].Serial)
}

func TestRegistry_WaitIdle(t *testing.T) {
	fake := adbtest.NewFakeClient(41)
	registry := newTestRegistry(fake, events.NewBus(), nil)

	require.NoError(t, registry.WaitIdle(context.Background()))

	release := make(chan struct{})
	entered := make(chan struct{})
	fake.OnDevices(func() {
		close(entered)
		<-release
	})

	go func() { _, _ = registry.Rescan(context.Background()) }()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, registry.WaitIdle(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, registry.WaitIdle(context.Background()))
}
