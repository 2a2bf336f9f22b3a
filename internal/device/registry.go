// Package device keeps the live model of connected headsets: the registry of
// transport-visible devices and the supervisor that keeps one of them active.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/TinkerUp/sideload-core/internal/adb"
	"github.com/TinkerUp/sideload-core/internal/events"
	"github.com/TinkerUp/sideload-core/types/models"
)

type deviceKey struct {
	trueSerial string
	kind       models.ConnectionKind
}

func keyOf(d models.Device) deviceKey {
	return deviceKey{trueSerial: d.TrueSerial, kind: d.ConnectionKind}
}

// Registry is the authoritative list of recognized headsets.
type Registry struct {
	client   adb.ADBClient
	shell    *adb.Gateway
	bus      *events.Bus
	settings Settings
	products Products
	log      *slog.Logger

	mu         sync.RWMutex
	scanning   bool
	devices    []models.Device
	keys       map[deviceKey]struct{}
	scanned    bool
	generation uint64
	idle       chan struct{}
}

func NewRegistry(client adb.ADBClient, shell *adb.Gateway, bus *events.Bus, settings Settings, products Products, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}

	idle := make(chan struct{})
	close(idle)

	return &Registry{
		client:   client,
		shell:    shell,
		bus:      bus,
		settings: settings,
		products: products,
		log:      log.With("component", "registry"),
		keys:     make(map[deviceKey]struct{}),
		idle:     idle,
	}
}

// Rescan refreshes the device list. It returns false without doing anything
// when another rescan is already in flight; use WaitIdle to observe its result.
func (r *Registry) Rescan(ctx context.Context) (bool, error) {
	r.mu.Lock()
	if r.scanning {
		r.mu.Unlock()
		return false, nil
	}
	r.scanning = true
	done := make(chan struct{})
	r.idle = done
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.scanning = false
		r.mu.Unlock()
		close(done)
	}()

	transport, err := r.client.Devices(ctx)
	if err != nil {
		return true, fmt.Errorf("list devices: %w", err)
	}

	devices := make([]models.Device, 0, len(transport))
	seen := make(map[deviceKey]struct{}, len(transport))

	for _, entry := range transport {
		name, ok := r.products.Lookup(entry.Product)
		if !ok {
			r.log.DebugContext(ctx, "ignoring unrecognized device", "serial", entry.Serial, "product", entry.Product)
			continue
		}

		device := r.identify(ctx, entry, name)

		key := keyOf(device)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		devices = append(devices, device)
	}

	orderByPreference(devices, r.preference())

	r.mu.Lock()
	changed := !r.scanned || !sameKeys(r.keys, seen)
	r.devices = devices
	r.keys = seen
	r.scanned = true
	if changed {
		r.generation++
	}
	snapshot := append([]models.Device(nil), devices...)
	r.mu.Unlock()

	if changed {
		r.log.InfoContext(ctx, "device list changed", "count", len(snapshot))
		r.bus.Publish(events.Event{Kind: events.DeviceListChanged, Data: snapshot})
	}

	return true, nil
}

// WaitIdle blocks until no rescan is in flight.
func (r *Registry) WaitIdle(ctx context.Context) error {
	r.mu.RLock()
	idle := r.idle
	r.mu.RUnlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Refresh runs a rescan, or waits for the one in flight.
func (r *Registry) Refresh(ctx context.Context) error {
	ran, err := r.Rescan(ctx)
	if err != nil {
		return err
	}
	if !ran {
		return r.WaitIdle(ctx)
	}
	return nil
}

func (r *Registry) Devices() []models.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]models.Device(nil), r.devices...)
}

// Generation increments every time the set of device identities changes.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

func (r *Registry) Find(serial string) (models.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, device := range r.devices {
		if device.Serial == serial {
			return device, true
		}
	}
	return models.Device{}, false
}

// FindPhysical returns the transport of the physical device trueSerial that uses kind.
func (r *Registry) FindPhysical(trueSerial string, kind models.ConnectionKind) (models.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, device := range r.devices {
		if device.TrueSerial == trueSerial && device.ConnectionKind == kind {
			return device, true
		}
	}
	return models.Device{}, false
}

// SetState records a daemon-reported state change for a listed transport.
func (r *Registry) SetState(serial string, state models.DeviceState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.devices {
		if r.devices[i].Serial == serial {
			r.devices[i].State = state
		}
	}
}

func (r *Registry) preference() models.ConnectionPreference {
	if r.settings == nil {
		return models.PreferNone
	}
	return r.settings.PreferredConnection()
}

// identify builds a Device for a transport entry. Only ready devices can be
// asked for their hardware serial; the rest fall back to the transport serial
// and stay unidentified.
func (r *Registry) identify(ctx context.Context, entry models.TransportDevice, friendlyName string) models.Device {
	device := models.Device{
		Serial:         entry.Serial,
		TrueSerial:     entry.Serial,
		ConnectionKind: models.ConnectionKindOf(entry.Serial),
		ProductCode:    entry.Product,
		FriendlyName:   friendlyName,
		Model:          entry.Model,
		State:          entry.State,
	}

	if entry.State == models.DeviceStateOnline {
		trueSerial, err := r.shell.Run(ctx, entry.Serial, "getprop ro.boot.serialno")
		if err != nil {
			r.log.WarnContext(ctx, "failed to probe device identity", "serial", entry.Serial, "error", err)
		} else if trueSerial != "" {
			device.TrueSerial = trueSerial
			device.Identified = true
		}
	}

	device.HashedID = HashedID(device.TrueSerial)
	return device
}

// orderByPreference stable-sorts identified devices so the preferred
// connection kind comes first. Unidentified devices keep their slots.
func orderByPreference(devices []models.Device, preference models.ConnectionPreference) {
	kind, ok := preference.Kind()
	if !ok {
		return
	}

	var slots []int
	var identified []models.Device
	for i, device := range devices {
		if device.Identified {
			slots = append(slots, i)
			identified = append(identified, device)
		}
	}

	sort.SliceStable(identified, func(i, j int) bool {
		return identified[i].ConnectionKind == kind && identified[j].ConnectionKind != kind
	})

	for i, slot := range slots {
		devices[slot] = identified[i]
	}
}

func sameKeys(a map[deviceKey]struct{}, b map[deviceKey]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for key := range a {
		if _, ok := b[key]; !ok {
			return false
		}
	}
	return true
}
