package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/TinkerUp/sideload-core/internal/adb"
	"github.com/TinkerUp/sideload-core/internal/errs"
	"github.com/TinkerUp/sideload-core/internal/events"
	"github.com/TinkerUp/sideload-core/types/models"
)

const (
	DefaultLoopbackAddress = "127.0.0.1:62001"
	DefaultWirelessPort    = 5555

	defaultStartAttempts = 10
	defaultRetryDelay    = 300 * time.Millisecond
)

type SupervisorConfig struct {
	// MinVersion is the minimum daemon protocol revision (the N in 1.0.N).
	MinVersion      int
	LoopbackAddress string
	Attempts        int
	RetryDelay      time.Duration
}

// Supervisor owns the daemon lifecycle and keeps at most one device active.
type Supervisor struct {
	client   adb.ADBClient
	daemon   adb.Daemon
	shell    *adb.Gateway
	monitor  *adb.Monitor
	registry *Registry
	bus      *events.Bus
	settings Settings
	cfg      SupervisorConfig
	log      *slog.Logger

	sleepFunc func(ctx context.Context, d time.Duration) error

	group     singleflight.Group
	connectMu sync.Mutex
	daemonMu  sync.Mutex

	mu     sync.RWMutex
	active *models.Device
	links  map[string]LinkState
}

func NewSupervisor(
	client adb.ADBClient,
	daemon adb.Daemon,
	shell *adb.Gateway,
	monitor *adb.Monitor,
	registry *Registry,
	bus *events.Bus,
	settings Settings,
	cfg SupervisorConfig,
	log *slog.Logger,
) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	if cfg.LoopbackAddress == "" {
		cfg.LoopbackAddress = DefaultLoopbackAddress
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultStartAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}

	return &Supervisor{
		client:    client,
		daemon:    daemon,
		shell:     shell,
		monitor:   monitor,
		registry:  registry,
		bus:       bus,
		settings:  settings,
		cfg:       cfg,
		log:       log.With("component", "supervisor"),
		sleepFunc: contextSleep,
		links:     make(map[string]LinkState),
	}
}

// SetSleepFunc overrides the retry delay (for testing).
func (s *Supervisor) SetSleepFunc(fn func(ctx context.Context, d time.Duration) error) {
	s.sleepFunc = fn
}

func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// Devices lists every known device, ordered by the connection preference.
func (s *Supervisor) Devices() []models.Device {
	return s.registry.Devices()
}

// Active returns the active device, if any.
func (s *Supervisor) Active() (models.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.active == nil {
		return models.Device{}, false
	}
	return *s.active, true
}

// Link returns the supervisor's view of the physical device trueSerial.
func (s *Supervisor) Link(trueSerial string) LinkState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if state, ok := s.links[trueSerial]; ok {
		return state
	}
	return LinkUnknown
}

// EnsureConnected returns a reachable active device, restarting the daemon and
// rescanning as needed. Overlapping callers with the same assumeOffline share
// one check; a caller whose ctx ends stops waiting without aborting the check.
func (s *Supervisor) EnsureConnected(ctx context.Context, assumeOffline bool) (models.Device, error) {
	if err := ctx.Err(); err != nil {
		return models.Device{}, fmt.Errorf("%w: %w", errs.ErrCancelled, err)
	}

	key := "ensure:" + strconv.FormatBool(assumeOffline)

	result := s.group.DoChan(key, func() (any, error) {
		return s.ensureConnected(context.WithoutCancel(ctx), assumeOffline)
	})

	select {
	case res := <-result:
		if res.Err != nil {
			return models.Device{}, res.Err
		}
		return res.Val.(models.Device), nil
	case <-ctx.Done():
		return models.Device{}, fmt.Errorf("%w: %w", errs.ErrCancelled, ctx.Err())
	}
}

func (s *Supervisor) ensureConnected(ctx context.Context, assumeOffline bool) (models.Device, error) {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	previous, hadActive := s.Active()

	if hadActive && !assumeOffline && s.Ping(ctx, previous) {
		return previous, nil
	}

	if err := s.ensureDaemon(ctx); err != nil {
		return models.Device{}, err
	}

	if err := s.registry.Refresh(ctx); err != nil {
		s.log.WarnContext(ctx, "rescan failed", "error", err)
	}

	for _, candidate := range s.registry.Devices() {
		if s.Ping(ctx, candidate) {
			s.setActive(candidate)
			return candidate, nil
		}
	}

	if hadActive {
		s.setOffline(previous)
	}

	return models.Device{}, errs.ErrNoDeviceConnection
}

// Ping wakes the device and checks that it answers a trivial shell round trip.
// Devices not reported ready by the daemon are never probed.
func (s *Supervisor) Ping(ctx context.Context, device models.Device) bool {
	if current, ok := s.registry.Find(device.Serial); ok {
		device.State = current.State
	}
	if device.State != models.DeviceStateOnline {
		return false
	}

	s.transition(device.TrueSerial, LinkProbing)

	if _, err := s.shell.Run(ctx, device.Serial, "input keyevent KEYCODE_WAKEUP"); err != nil {
		s.log.DebugContext(ctx, "wake signal failed", "device", device.String(), "error", err)
	}

	out, err := s.shell.Run(ctx, device.Serial, "echo 1")
	if err != nil || out != "1" {
		s.transition(device.TrueSerial, LinkOffline)
		return false
	}

	s.transition(device.TrueSerial, LinkOnline)
	return true
}

// SwitchTo makes serial the active device if it answers a ping.
func (s *Supervisor) SwitchTo(ctx context.Context, serial string) (models.Device, error) {
	device, ok := s.registry.Find(serial)
	if !ok {
		return models.Device{}, fmt.Errorf("%w: %s is not connected", errs.ErrNoDeviceConnection, serial)
	}

	if !s.Ping(ctx, device) {
		return models.Device{}, fmt.Errorf("%w: %s", errs.ErrDeviceUnreachable, device)
	}

	s.setActive(device)
	return device, nil
}

// EnforcePreference switches the active device to the transport matching the
// configured connection preference when the same headset offers one. It only
// logs failures.
func (s *Supervisor) EnforcePreference(ctx context.Context) {
	kind, ok := s.preference().Kind()
	if !ok {
		return
	}

	active, ok := s.Active()
	if !ok || active.ConnectionKind == kind {
		return
	}

	candidate, ok := s.registry.FindPhysical(active.TrueSerial, kind)
	if !ok {
		return
	}

	if !s.Ping(ctx, candidate) {
		s.log.InfoContext(ctx, "preferred connection did not answer", "device", candidate.String())
		return
	}

	s.log.InfoContext(ctx, "switching to preferred connection", "from", active.String(), "to", candidate.String())
	s.setActive(candidate)
}

// ConnectWireless attaches a network transport to host, retrying a bounded
// number of times, and remembers the host on success.
func (s *Supervisor) ConnectWireless(ctx context.Context, host string) error {
	address := host
	if !strings.Contains(address, ":") {
		address = fmt.Sprintf("%s:%d", host, DefaultWirelessPort)
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.Attempts; attempt++ {
		lastErr = s.daemon.Connect(ctx, address)
		if lastErr == nil {
			break
		}
		s.log.DebugContext(ctx, "wireless connect attempt failed", "address", address, "attempt", attempt, "error", lastErr)

		if attempt < s.cfg.Attempts {
			if err := s.sleepFunc(ctx, s.cfg.RetryDelay); err != nil {
				return fmt.Errorf("%w: %w", errs.ErrCancelled, err)
			}
		}
	}
	if lastErr != nil {
		return fmt.Errorf("connect to %s: %w", address, lastErr)
	}

	s.log.InfoContext(ctx, "connected wireless device", "address", address)

	if s.settings != nil {
		if err := s.settings.SetLastWirelessHost(host); err != nil {
			s.log.WarnContext(ctx, "failed to save wireless host", "error", err)
		}
	}

	if err := s.registry.Refresh(ctx); err != nil {
		s.log.WarnContext(ctx, "rescan failed", "error", err)
	}
	s.EnforcePreference(ctx)

	return nil
}

// Run subscribes to device changes and reacts to them until ctx ends.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.ensureDaemon(ctx); err != nil {
		s.log.WarnContext(ctx, "daemon not ready", "error", err)
	}

	if err := s.monitor.Start(ctx, false); err != nil {
		return err
	}
	defer s.monitor.Stop()

	if s.settings != nil {
		if host := s.settings.LastWirelessHost(); host != "" {
			if err := s.ConnectWireless(ctx, host); err != nil {
				s.log.InfoContext(ctx, "could not reconnect to last wireless host", "host", host, "error", err)
			}
		}
	}

	if _, err := s.EnsureConnected(ctx, false); err != nil && !errors.Is(err, errs.ErrNoDeviceConnection) {
		s.log.WarnContext(ctx, "initial connection failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case change := <-s.monitor.Events():
			s.HandleChange(ctx, change)
		}
	}
}

// HandleChange applies one daemon device-change notification.
func (s *Supervisor) HandleChange(ctx context.Context, change models.DeviceStateChange) {
	s.log.DebugContext(ctx, "device state changed", "serial", change.Serial, "old", change.OldState, "new", change.NewState)

	active, hasActive := s.Active()
	isActive := hasActive && active.Serial == change.Serial

	switch change.NewState {
	case models.DeviceStateOnline:
		known, ok := s.registry.Find(change.Serial)
		if ok && known.State == models.DeviceStateOnline {
			return
		}
		s.refresh(ctx)
		s.EnforcePreference(ctx)
		if _, err := s.EnsureConnected(ctx, false); err != nil {
			s.log.InfoContext(ctx, "no device connection", "error", err)
		}

	case models.DeviceStateOffline:
		s.registry.SetState(change.Serial, change.NewState)
		if isActive {
			if _, err := s.EnsureConnected(ctx, true); err != nil {
				s.log.InfoContext(ctx, "no device connection", "error", err)
			}
			return
		}
		s.refresh(ctx)
		s.EnforcePreference(ctx)

	case models.DeviceStateUnauthorized:
		s.registry.SetState(change.Serial, change.NewState)
		s.bus.Publish(events.Event{Kind: events.DeviceUnauthorized, Serial: change.Serial})
		s.refresh(ctx)

	default:
		s.log.InfoContext(ctx, "device in unhandled state", "serial", change.Serial, "state", change.NewState)
	}
}

func (s *Supervisor) refresh(ctx context.Context) {
	if err := s.registry.Refresh(ctx); err != nil {
		s.log.WarnContext(ctx, "rescan failed", "error", err)
	}
}

// ensureDaemon checks the daemon version and restarts it when it is missing or
// too old. Restarts never overlap.
func (s *Supervisor) ensureDaemon(ctx context.Context) error {
	s.daemonMu.Lock()
	defer s.daemonMu.Unlock()

	version, err := s.client.Version(ctx)
	if err == nil && version >= s.cfg.MinVersion {
		if err := s.monitor.Start(ctx, false); err != nil {
			s.log.WarnContext(ctx, "device monitor unavailable", "error", err)
		}
		return nil
	}

	if err != nil {
		s.log.InfoContext(ctx, "adb daemon not responding, restarting", "error", err)
	} else {
		s.log.InfoContext(ctx, "adb daemon too old, restarting",
			"version", adb.FormatVersion(version),
			"required", adb.FormatVersion(s.cfg.MinVersion),
		)
	}

	return s.restartDaemon(ctx)
}

func (s *Supervisor) restartDaemon(ctx context.Context) error {
	if err := s.daemon.KillServer(ctx); err != nil {
		s.log.WarnContext(ctx, "graceful daemon stop failed, killing process", "error", err)
		if err := s.daemon.ForceKill(ctx); err != nil {
			s.log.WarnContext(ctx, "force kill failed", "error", err)
		}
	}

	var lastErr error
	started := false

	for attempt := 1; attempt <= s.cfg.Attempts; attempt++ {
		if err := s.daemon.StartServer(ctx); err != nil {
			lastErr = err
		} else if version, err := s.client.Version(ctx); err != nil {
			lastErr = err
		} else if version < s.cfg.MinVersion {
			lastErr = fmt.Errorf("daemon version %s below required %s", adb.FormatVersion(version), adb.FormatVersion(s.cfg.MinVersion))
		} else {
			started = true
			break
		}

		if attempt < s.cfg.Attempts {
			if err := s.sleepFunc(ctx, s.cfg.RetryDelay); err != nil {
				return fmt.Errorf("%w: %w", errs.ErrCancelled, err)
			}
		}
	}

	if !started {
		return fmt.Errorf("%w: %w", errs.ErrConnection, lastErr)
	}

	if err := s.daemon.Connect(ctx, s.cfg.LoopbackAddress); err != nil {
		s.log.DebugContext(ctx, "loopback connect failed", "address", s.cfg.LoopbackAddress, "error", err)
	}

	if err := s.monitor.Start(ctx, true); err != nil {
		s.log.WarnContext(ctx, "device monitor unavailable after restart", "error", err)
	}

	s.log.InfoContext(ctx, "adb daemon restarted")
	return nil
}

func (s *Supervisor) setActive(device models.Device) {
	s.mu.Lock()
	previous := s.active
	s.active = &device
	s.mu.Unlock()

	if previous != nil && previous.Serial == device.Serial {
		return
	}

	s.log.Info("device online", "device", device.String(), "name", device.FriendlyName)
	s.bus.Publish(events.Event{Kind: events.DeviceOnline, Serial: device.Serial, Data: device})
}

func (s *Supervisor) setOffline(device models.Device) {
	s.mu.Lock()
	if s.active != nil && s.active.Serial == device.Serial {
		s.active = nil
	}
	s.mu.Unlock()

	s.transition(device.TrueSerial, LinkOffline)

	s.log.Info("device offline", "device", device.String())
	s.bus.Publish(events.Event{Kind: events.DeviceOffline, Serial: device.Serial, Data: device})
}

func (s *Supervisor) transition(trueSerial string, next LinkState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := nextLinkState(s.links[trueSerial], next)
	if err != nil {
		s.log.Debug("ignoring link transition", "true_serial", trueSerial, "error", err)
		return
	}
	s.links[trueSerial] = state
}

func (s *Supervisor) preference() models.ConnectionPreference {
	if s.settings == nil {
		return models.PreferNone
	}
	return s.settings.PreferredConnection()
}

// contextSleep sleeps for d or until ctx is cancelled.
func contextSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
