// Package adbtest provides an in-memory transport and daemon for tests.
package adbtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TinkerUp/sideload-core/types/models"
)

// ShellHandler answers a shell command sent to serial.
type ShellHandler func(serial string, command string) (string, error)

// Reply returns a handler that always answers out.
func Reply(out string) ShellHandler {
	return func(string, string) (string, error) { return out, nil }
}

// Fail returns a handler that always fails with err.
func Fail(err error) ShellHandler {
	return func(string, string) (string, error) { return "", err }
}

type handler struct {
	serial string
	prefix string
	fn     ShellHandler
}

type watcher struct {
	ctx context.Context
	ch  chan models.DeviceStateChange
}

// Call is one recorded shell round trip.
type Call struct {
	Serial  string
	Command string
}

// FakeClient implements adb.ADBClient and adb.Daemon. The remote filesystem
// is shared by every serial. Unmatched shell commands answer "".
type FakeClient struct {
	mu sync.Mutex

	version           int
	versionErr        error
	versionAfterStart int

	devices     []models.TransportDevice
	devicesErr  error
	devicesHook func()

	unreachable map[string]bool
	handlers    []handler
	history     []Call

	files map[string][]byte
	dirs  map[string]bool

	watchers []*watcher
	watchErr error
	watches  int

	starts     int
	kills      int
	forceKills int
	killErr    error
	connects   []string
	connectErr error
	tcpips     []string
}

func NewFakeClient(version int) *FakeClient {
	return &FakeClient{
		version:     version,
		unreachable: make(map[string]bool),
		files:       make(map[string][]byte),
		dirs:        map[string]bool{"/": true},
	}
}

// --- scripting ---

func (f *FakeClient) SetVersion(version int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.version = version
	f.versionErr = err
}

// SetVersionAfterStart makes the next StartServer bring up a daemon speaking version.
func (f *FakeClient) SetVersionAfterStart(version int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versionAfterStart = version
}

func (f *FakeClient) SetKillError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killErr = err
}

func (f *FakeClient) SetConnectError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

func (f *FakeClient) SetWatchError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchErr = err
}

func (f *FakeClient) SetDevicesError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devicesErr = err
}

// OnDevices runs hook (without the fake's lock held) every time Devices is called.
func (f *FakeClient) OnDevices(hook func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devicesHook = hook
}

// AddDevice appends a transport entry.
func (f *FakeClient) AddDevice(device models.TransportDevice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = append(f.devices, device)
}

// AddHeadset registers an online headset that reports trueSerial from getprop
// and answers the liveness echo.
func (f *FakeClient) AddHeadset(serial string, trueSerial string, product string) {
	f.AddDevice(models.TransportDevice{
		Serial:  serial,
		State:   models.DeviceStateOnline,
		Product: product,
		Model:   "Quest",
	})
	f.HandleOn(serial, "getprop ro.boot.serialno", Reply(trueSerial+"\n"))
	f.HandleOn(serial, "echo 1", Reply("1\n"))
}

func (f *FakeClient) RemoveDevice(serial string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	kept := f.devices[:0]
	for _, device := range f.devices {
		if device.Serial != serial {
			kept = append(kept, device)
		}
	}
	f.devices = kept
}

func (f *FakeClient) SetDeviceState(serial string, state models.DeviceState) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.devices {
		if f.devices[i].Serial == serial {
			f.devices[i].State = state
		}
	}
}

// SetUnreachable makes every shell and sync call to serial fail.
func (f *FakeClient) SetUnreachable(serial string, unreachable bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreachable[serial] = unreachable
}

// Handle answers commands starting with prefix on any serial. Later
// registrations take priority.
func (f *FakeClient) Handle(prefix string, fn ShellHandler) {
	f.HandleOn("", prefix, fn)
}

func (f *FakeClient) HandleOn(serial string, prefix string, fn ShellHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, handler{serial: serial, prefix: prefix, fn: fn})
}

// WriteFile places a file on the fake device, creating parent directories.
func (f *FakeClient) WriteFile(remotePath string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeLocked(remotePath, data)
}

func (f *FakeClient) MkdirAll(remotePath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mkdirLocked(remotePath)
}

// Emit delivers change to every live watcher.
func (f *FakeClient) Emit(change models.DeviceStateChange) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if change.Timestamp.IsZero() {
		change.Timestamp = time.Now()
	}

	for _, w := range f.watchers {
		select {
		case w.ch <- change:
		case <-w.ctx.Done():
		}
	}
}

// --- inspection ---

func (f *FakeClient) History() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.history...)
}

// Ran reports whether any recorded command contains substr.
func (f *FakeClient) Ran(substr string) bool {
	for _, call := range f.History() {
		if strings.Contains(call.Command, substr) {
			return true
		}
	}
	return false
}

func (f *FakeClient) FileExists(remotePath string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[path.Clean(remotePath)]
	return ok
}

func (f *FakeClient) DirExists(remotePath string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirs[path.Clean(remotePath)]
}

func (f *FakeClient) ReadFile(remotePath string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path.Clean(remotePath)]
	return data, ok
}

func (f *FakeClient) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *FakeClient) Kills() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kills
}

func (f *FakeClient) ForceKills() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forceKills
}

func (f *FakeClient) Connects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.connects...)
}

func (f *FakeClient) TCPIPs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tcpips...)
}

func (f *FakeClient) Watches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watches
}

// --- adb.ADBClient ---

func (f *FakeClient) Version(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version, f.versionErr
}

func (f *FakeClient) Devices(ctx context.Context) ([]models.TransportDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	hook := f.devicesHook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.devicesErr != nil {
		return nil, f.devicesErr
	}
	return append([]models.TransportDevice(nil), f.devices...), nil
}

func (f *FakeClient) Watch(ctx context.Context) (<-chan models.DeviceStateChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.watches++
	if f.watchErr != nil {
		return nil, f.watchErr
	}

	w := &watcher{ctx: ctx, ch: make(chan models.DeviceStateChange, 16)}
	f.watchers = append(f.watchers, w)

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, candidate := range f.watchers {
			if candidate == w {
				f.watchers = append(f.watchers[:i], f.watchers[i+1:]...)
				break
			}
		}
		close(w.ch)
	}()

	return w.ch, nil
}

func (f *FakeClient) Shell(ctx context.Context, serial string, command string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	f.mu.Lock()
	f.history = append(f.history, Call{Serial: serial, Command: command})
	if f.unreachable[serial] {
		f.mu.Unlock()
		return "", fmt.Errorf("device %s not found", serial)
	}

	var matched ShellHandler
	for i := len(f.handlers) - 1; i >= 0; i-- {
		h := f.handlers[i]
		if (h.serial == "" || h.serial == serial) && strings.HasPrefix(command, h.prefix) {
			matched = h.fn
			break
		}
	}
	f.mu.Unlock()

	if matched != nil {
		return matched(serial, command)
	}

	return f.builtin(command), nil
}

func (f *FakeClient) Push(ctx context.Context, serial string, src io.Reader, remotePath string, perms os.FileMode, mtime time.Time) error {
	if err := f.reachable(ctx, serial); err != nil {
		return err
	}

	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}

	f.WriteFile(remotePath, data)
	return nil
}

func (f *FakeClient) Pull(ctx context.Context, serial string, remotePath string, dst io.Writer) error {
	if err := f.reachable(ctx, serial); err != nil {
		return err
	}

	data, ok := f.ReadFile(remotePath)
	if !ok {
		return fmt.Errorf("pull %s: %w", remotePath, os.ErrNotExist)
	}

	_, err := io.Copy(dst, bytes.NewReader(data))
	return err
}

func (f *FakeClient) List(ctx context.Context, serial string, remoteDir string) ([]models.RemoteEntry, error) {
	if err := f.reachable(ctx, serial); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dir := path.Clean(remoteDir)
	if !f.dirs[dir] {
		return nil, fmt.Errorf("list %s: %w", remoteDir, os.ErrNotExist)
	}

	var entries []models.RemoteEntry
	for name := range f.dirs {
		if name != dir && path.Dir(name) == dir {
			entries = append(entries, models.RemoteEntry{Name: path.Base(name), Mode: os.ModeDir | 0o771})
		}
	}
	for name, data := range f.files {
		if path.Dir(name) == dir {
			entries = append(entries, models.RemoteEntry{Name: path.Base(name), Mode: 0o660, Size: int64(len(data))})
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (f *FakeClient) Stat(ctx context.Context, serial string, remotePath string) (models.RemoteEntry, error) {
	if err := f.reachable(ctx, serial); err != nil {
		return models.RemoteEntry{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	clean := path.Clean(remotePath)
	if f.dirs[clean] {
		return models.RemoteEntry{Name: path.Base(clean), Mode: os.ModeDir | 0o771}, nil
	}
	if data, ok := f.files[clean]; ok {
		return models.RemoteEntry{Name: path.Base(clean), Mode: 0o660, Size: int64(len(data))}, nil
	}
	return models.RemoteEntry{}, fmt.Errorf("stat %s: %w", remotePath, os.ErrNotExist)
}

// --- adb.Daemon ---

func (f *FakeClient) StartServer(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.starts++
	if f.versionAfterStart != 0 {
		f.version = f.versionAfterStart
		f.versionErr = nil
	}
	return nil
}

func (f *FakeClient) KillServer(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.kills++
	if f.killErr != nil {
		return f.killErr
	}
	f.versionErr = errors.New("daemon stopped")
	return nil
}

func (f *FakeClient) ForceKill(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.forceKills++
	f.versionErr = errors.New("daemon stopped")
	return nil
}

func (f *FakeClient) Connect(ctx context.Context, address string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connects = append(f.connects, address)
	return f.connectErr
}

func (f *FakeClient) TCPIP(ctx context.Context, serial string, port int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.tcpips = append(f.tcpips, fmt.Sprintf("%s:%d", serial, port))
	return nil
}

// --- internals ---

func (f *FakeClient) reachable(ctx context.Context, serial string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable[serial] {
		return fmt.Errorf("device %s not found", serial)
	}
	return nil
}

var tokenPattern = regexp.MustCompile(`"[^"]+"|[^ ]+`)

func tokens(command string) []string {
	raw := tokenPattern.FindAllString(command, -1)
	for i, token := range raw {
		raw[i] = strings.Trim(token, `"`)
	}
	return raw
}

// builtin emulates the few filesystem commands sessions issue.
func (f *FakeClient) builtin(command string) string {
	args := tokens(command)
	if len(args) == 0 {
		return ""
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case args[0] == "mkdir":
		for _, arg := range args[1:] {
			if !strings.HasPrefix(arg, "-") {
				f.mkdirLocked(arg)
			}
		}
	case args[0] == "rm":
		for _, arg := range args[1:] {
			if !strings.HasPrefix(arg, "-") {
				f.removeLocked(arg)
			}
		}
	case args[0] == "mv" && len(args) == 3:
		f.moveLocked(args[1], args[2])
	}

	return ""
}

func (f *FakeClient) writeLocked(remotePath string, data []byte) {
	clean := path.Clean(remotePath)
	f.mkdirLocked(path.Dir(clean))
	f.files[clean] = append([]byte(nil), data...)
}

func (f *FakeClient) mkdirLocked(remotePath string) {
	for dir := path.Clean(remotePath); ; dir = path.Dir(dir) {
		f.dirs[dir] = true
		if dir == "/" || dir == "." {
			return
		}
	}
}

func (f *FakeClient) removeLocked(remotePath string) {
	clean := path.Clean(remotePath)
	prefix := clean + "/"

	delete(f.files, clean)
	delete(f.dirs, clean)

	for name := range f.files {
		if strings.HasPrefix(name, prefix) {
			delete(f.files, name)
		}
	}
	for name := range f.dirs {
		if strings.HasPrefix(name, prefix) {
			delete(f.dirs, name)
		}
	}
}

func (f *FakeClient) moveLocked(from string, to string) {
	src := path.Clean(from)
	dst := path.Clean(to)

	if data, ok := f.files[src]; ok {
		delete(f.files, src)
		f.writeLocked(dst, data)
		return
	}

	prefix := src + "/"
	for name, data := range f.files {
		if strings.HasPrefix(name, prefix) {
			delete(f.files, name)
			f.writeLocked(dst+"/"+strings.TrimPrefix(name, prefix), data)
		}
	}
	for name := range f.dirs {
		if name == src || strings.HasPrefix(name, prefix) {
			delete(f.dirs, name)
			f.mkdirLocked(dst + strings.TrimPrefix(name, src))
		}
	}
}
