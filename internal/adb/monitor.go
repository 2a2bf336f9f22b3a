package adb

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/TinkerUp/sideload-core/types/models"
)

// Monitor republishes the daemon's device-change notifications on a single
// channel that stays valid across daemon restarts. Each (re)subscription
// replaces the previous watcher.
type Monitor struct {
	client ADBClient
	log    *slog.Logger

	events chan models.DeviceStateChange

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	gen     uint64
}

func NewMonitor(client ADBClient, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		client: client,
		log:    log.With("component", "monitor"),
		events: make(chan models.DeviceStateChange, 32),
	}
}

// Events is the normalized (serial, state) stream. It is never closed.
func (m *Monitor) Events() <-chan models.DeviceStateChange {
	return m.events
}

func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Start subscribes if no subscription is live. When restart is true the
// existing subscription is dropped first; a daemon restart invalidates the
// old socket so the supervisor always restarts after bringing the daemon up.
// Subscription failures are returned to the caller.
func (m *Monitor) Start(ctx context.Context, restart bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running && !restart {
		return nil
	}

	m.stopLocked()

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	source, err := m.client.Watch(watchCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to device changes: %w", err)
	}

	m.gen++
	m.cancel = cancel
	m.running = true

	go m.forward(watchCtx, source, m.gen)

	m.log.Debug("started device monitor", "restart", restart)
	return nil
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Monitor) stopLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.running = false
}

func (m *Monitor) forward(ctx context.Context, source <-chan models.DeviceStateChange, gen uint64) {
	defer func() {
		m.mu.Lock()
		if m.gen == gen {
			m.running = false
		}
		m.mu.Unlock()
	}()

	for event := range source {
		select {
		case m.events <- event:
		case <-ctx.Done():
			return
		}
	}

	if ctx.Err() == nil {
		m.log.Warn("device watcher stopped unexpectedly")
	}
}
