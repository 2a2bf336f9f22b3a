package models

import (
	"os"
	"strings"
	"time"
)

// DeviceState mirrors the transport states adb reports. The goadb tracker only
// distinguishes online, offline and unauthorized, so the remaining states are
// never produced by the live client.
type DeviceState string

const (
	DeviceStateOnline        DeviceState = "online"
	DeviceStateOffline       DeviceState = "offline"
	DeviceStateUnauthorized  DeviceState = "unauthorized"
	DeviceStateBootloader    DeviceState = "bootloader"
	DeviceStateRecovery      DeviceState = "recovery"
	DeviceStateNoPermissions DeviceState = "no_permissions"
	DeviceStateSideload      DeviceState = "sideload"
	DeviceStateAuthorizing   DeviceState = "authorizing"
	DeviceStateUnknown       DeviceState = "unknown"
)

type ConnectionKind string

const (
	ConnectionUSB      ConnectionKind = "usb"
	ConnectionWireless ConnectionKind = "wireless"
)

// ConnectionKindOf derives the connection kind from a transport serial.
// Wireless transports are addressed by host:port (or an mDNS service name).
func ConnectionKindOf(serial string) ConnectionKind {
	if strings.ContainsAny(serial, ".:") {
		return ConnectionWireless
	}
	return ConnectionUSB
}

// ConnectionPreference is the configured ordering preference for devices
// visible over more than one transport. The zero value means no preference.
type ConnectionPreference string

const (
	PreferNone     ConnectionPreference = ""
	PreferUSB      ConnectionPreference = "usb"
	PreferWireless ConnectionPreference = "wireless"
)

// Kind returns the connection kind the preference favours and false for PreferNone.
func (p ConnectionPreference) Kind() (ConnectionKind, bool) {
	switch p {
	case PreferUSB:
		return ConnectionUSB, true
	case PreferWireless:
		return ConnectionWireless, true
	default:
		return "", false
	}
}

type StorageStats struct {
	UsedBytes  uint64 `json:"used_bytes"`
	FreeBytes  uint64 `json:"free_bytes"`
	TotalBytes uint64 `json:"total_bytes"`
}

// Device is a headset visible to the transport daemon. Serial identifies the
// transport and changes between USB and wireless; TrueSerial identifies the
// physical device.
type Device struct {
	Serial         string         `json:"serial"`
	TrueSerial     string         `json:"true_serial"`
	ConnectionKind ConnectionKind `json:"connection_kind"`
	ProductCode    string         `json:"product_code"`
	FriendlyName   string         `json:"friendly_name"`
	Model          string         `json:"model"`
	State          DeviceState    `json:"state"`
	HashedID       string         `json:"hashed_id"`
	Identified     bool           `json:"identified"`
	Storage        StorageStats   `json:"storage"`
	BatteryLevel   int            `json:"battery_level"`
}

// SamePhysical reports whether d and other are the same physical headset.
func (d Device) SamePhysical(other Device) bool {
	return d.TrueSerial != "" && d.TrueSerial == other.TrueSerial
}

func (d Device) String() string {
	if d.ConnectionKind == ConnectionWireless {
		return d.HashedID + " (wireless)"
	}
	return d.HashedID
}

// TransportDevice is a raw entry from the daemon's device list.
type TransportDevice struct {
	Serial  string      `json:"serial"`
	State   DeviceState `json:"state"`
	Product string      `json:"product"`
	Model   string      `json:"model"`
	USB     string      `json:"usb"`
}

type DeviceStateChange struct {
	Serial    string      `json:"serial"`
	OldState  DeviceState `json:"old_state"`
	NewState  DeviceState `json:"new_state"`
	Timestamp time.Time   `json:"timestamp"`
}

// RemoteEntry is a file or directory on the device as reported by the sync service.
type RemoteEntry struct {
	Name       string      `json:"name"`
	Mode       os.FileMode `json:"mode"`
	Size       int64       `json:"size"`
	ModifiedAt time.Time   `json:"modified_at"`
}

func (e RemoteEntry) IsDir() bool {
	return e.Mode.IsDir()
}
