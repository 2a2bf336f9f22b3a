package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/TinkerUp/sideload-core/internal/adb"
	"github.com/TinkerUp/sideload-core/internal/events"
	"github.com/TinkerUp/sideload-core/internal/store"
	"github.com/TinkerUp/sideload-core/types/models"
)

// Pool hands out one Session per transport serial.
type Pool struct {
	client  adb.ADBClient
	daemon  adb.Daemon
	shell   *adb.Gateway
	bus     *events.Bus
	backups store.BackupStore
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewPool(client adb.ADBClient, daemon adb.Daemon, shell *adb.Gateway, bus *events.Bus, backups store.BackupStore, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		client:   client,
		daemon:   daemon,
		shell:    shell,
		bus:      bus,
		backups:  backups,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// For returns the session for device, replacing a cached one whose serial
// now belongs to a different physical device.
func (p *Pool) For(device models.Device) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.sessions[device.Serial]; ok && existing.device.TrueSerial == device.TrueSerial {
		return existing
	}

	created := New(p.client, p.daemon, p.shell, p.bus, p.backups, device, p.log)
	p.sessions[device.Serial] = created
	return created
}

// Track forgets sessions whose serial drops out of the device list until ctx
// is done.
func (p *Pool) Track(ctx context.Context) {
	sub := p.bus.Subscribe(8, events.DeviceListChanged)

	go func() {
		defer p.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.C:
				if !ok {
					return
				}
				if devices, ok := event.Data.([]models.Device); ok {
					p.retain(devices)
				}
			}
		}
	}()
}

func (p *Pool) retain(devices []models.Device) {
	present := make(map[string]struct{}, len(devices))
	for _, device := range devices {
		present[device.Serial] = struct{}{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for serial := range p.sessions {
		if _, ok := present[serial]; !ok {
			delete(p.sessions, serial)
			p.log.Debug("dropped session", "serial", serial)
		}
	}
}
