package device

import "github.com/TinkerUp/sideload-core/types/models"

// Settings is the configuration the registry and supervisor read.
type Settings interface {
	PreferredConnection() models.ConnectionPreference
	LastWirelessHost() string
	SetLastWirelessHost(host string) error
}
