package adb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/TinkerUp/sideload-core/types/models"
	adb "github.com/zach-klippenstein/goadb"
)

// DefaultPort is the daemon's control port on the loopback interface.
const DefaultPort = 5037

// ADBClient is the transport surface the rest of the module consumes. Every
// call is a suspension point: implementations check ctx before touching the
// daemon but do not bound the round trip itself.
type ADBClient interface {
	Version(ctx context.Context) (int, error)

	Devices(ctx context.Context) ([]models.TransportDevice, error)
	Watch(ctx context.Context) (<-chan models.DeviceStateChange, error)

	Shell(ctx context.Context, serial string, command string) (string, error)

	Push(ctx context.Context, serial string, src io.Reader, remotePath string, perms os.FileMode, mtime time.Time) error
	Pull(ctx context.Context, serial string, remotePath string, dst io.Writer) error
	List(ctx context.Context, serial string, remoteDir string) ([]models.RemoteEntry, error)
	Stat(ctx context.Context, serial string, remotePath string) (models.RemoteEntry, error)
}

type Config struct {
	ADBPath string
	Host    string
	Port    int
}

type GoADBClient struct {
	adb *adb.Adb
}

func NewGoADBClient(cfg Config) (*GoADBClient, error) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}

	client, err := adb.NewWithConfig(adb.ServerConfig{
		PathToAdb: cfg.ADBPath,
		Host:      cfg.Host,
		Port:      cfg.Port,
	})
	if err != nil {
		return nil, err
	}

	return &GoADBClient{
		adb: client,
	}, nil
}

func (client *GoADBClient) Version(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return client.adb.ServerVersion()
}

func (client *GoADBClient) Devices(ctx context.Context) ([]models.TransportDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	devices, err := client.adb.ListDevices()
	if err != nil {
		return nil, err
	}

	devicesList := make([]models.TransportDevice, 0, len(devices))

	for _, deviceInfo := range devices {
		device := client.adb.Device(adb.DeviceWithSerial(deviceInfo.Serial))

		deviceState, stateErr := device.State()
		if stateErr != nil {
			deviceState = adb.StateInvalid
		}

		devicesList = append(devicesList, models.TransportDevice{
			Serial:  deviceInfo.Serial,
			State:   ConvertState(deviceState),
			Product: deviceInfo.Product,
			Model:   deviceInfo.Model,
			USB:     deviceInfo.Usb,
		})
	}
	return devicesList, nil
}

// Watch subscribes to the daemon's device-change channel. The returned
// channel closes when ctx is cancelled or the watcher fails; a failed watcher
// does not survive a daemon restart and must be re-created.
func (client *GoADBClient) Watch(ctx context.Context) (<-chan models.DeviceStateChange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	watcher := client.adb.NewDeviceWatcher()
	goAdbChannel := watcher.C()

	stateChannel := make(chan models.DeviceStateChange)

	go func() {
		defer close(stateChannel)
		defer watcher.Shutdown()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-goAdbChannel:
				if !ok {
					return
				}

				stateChange := models.DeviceStateChange{
					Serial:    event.Serial,
					OldState:  ConvertState(event.OldState),
					NewState:  ConvertState(event.NewState),
					Timestamp: time.Now(),
				}

				select {
				case stateChannel <- stateChange:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return stateChannel, nil
}

func (client *GoADBClient) Shell(ctx context.Context, serial string, command string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(command) == "" {
		return "", errors.New("command is required")
	}

	return client.device(serial).RunCommand(command)
}

func (client *GoADBClient) Push(ctx context.Context, serial string, src io.Reader, remotePath string, perms os.FileMode, mtime time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	writer, err := client.device(serial).OpenWrite(remotePath, perms, mtime)
	if err != nil {
		return fmt.Errorf("open remote %s: %w", remotePath, err)
	}

	if _, err := io.Copy(writer, &contextReader{ctx: ctx, reader: src}); err != nil {
		_ = writer.Close()
		return fmt.Errorf("push %s: %w", remotePath, err)
	}

	return writer.Close()
}

func (client *GoADBClient) Pull(ctx context.Context, serial string, remotePath string, dst io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	reader, err := client.device(serial).OpenRead(remotePath)
	if err != nil {
		return fmt.Errorf("open remote %s: %w", remotePath, err)
	}
	defer reader.Close()

	if _, err := io.Copy(dst, &contextReader{ctx: ctx, reader: reader}); err != nil {
		return fmt.Errorf("pull %s: %w", remotePath, err)
	}

	return nil
}

func (client *GoADBClient) List(ctx context.Context, serial string, remoteDir string) ([]models.RemoteEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := client.device(serial).ListDirEntries(remoteDir)
	if err != nil {
		return nil, err
	}
	defer entries.Close()

	all, err := entries.ReadAll()
	if err != nil {
		return nil, err
	}

	result := make([]models.RemoteEntry, 0, len(all))
	for _, entry := range all {
		if entry.Name == "." || entry.Name == ".." {
			continue
		}
		result = append(result, convertEntry(entry))
	}

	return result, nil
}

func (client *GoADBClient) Stat(ctx context.Context, serial string, remotePath string) (models.RemoteEntry, error) {
	if err := ctx.Err(); err != nil {
		return models.RemoteEntry{}, err
	}

	entry, err := client.device(serial).Stat(remotePath)
	if err != nil {
		return models.RemoteEntry{}, err
	}

	converted := convertEntry(entry)
	converted.Name = path.Base(remotePath)

	return converted, nil
}

func (client *GoADBClient) device(serial string) *adb.Device {
	return client.adb.Device(adb.DeviceWithSerial(serial))
}

func convertEntry(entry *adb.DirEntry) models.RemoteEntry {
	return models.RemoteEntry{
		Name:       entry.Name,
		Mode:       entry.Mode,
		Size:       int64(entry.Size),
		ModifiedAt: entry.ModifiedAt,
	}
}

func ConvertState(state adb.DeviceState) models.DeviceState {
	switch state {
	case adb.StateOnline:
		return models.DeviceStateOnline
	case adb.StateOffline, adb.StateDisconnected:
		return models.DeviceStateOffline
	case adb.StateUnauthorized:
		return models.DeviceStateUnauthorized
	default:
		return models.DeviceStateUnknown
	}
}

// contextReader aborts a sync transfer between chunks once ctx is done.
type contextReader struct {
	ctx    context.Context
	reader io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.reader.Read(p)
}
