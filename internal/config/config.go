// Package config loads the YAML settings file and serves it as the settings
// collaborator of the device layer.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/TinkerUp/sideload-core/internal/adb"
	"github.com/TinkerUp/sideload-core/internal/device"
	"github.com/TinkerUp/sideload-core/types/models"
)

type Config struct {
	ADB                    ADBConfig                   `yaml:"adb"`
	PreferredConnection    models.ConnectionPreference `yaml:"preferred_connection"`
	DownloadsLocation      string                      `yaml:"downloads_location"`
	DownloadsPruningPolicy models.PruningPolicy        `yaml:"downloads_pruning_policy"`
	BackupsLocation        string                      `yaml:"backups_location"`
	MirrorLocation         string                      `yaml:"mirror_location"`
	AddonsLocation         string                      `yaml:"addons_location"`
	LastWirelessHost       string                      `yaml:"last_wireless_host"`
	API                    APIConfig                   `yaml:"api"`
	Log                    LogConfig                   `yaml:"log"`
}

type ADBConfig struct {
	// Path to the adb binary. Empty means look it up in PATH.
	Path               string   `yaml:"path"`
	Host               string   `yaml:"host"`
	Port               int      `yaml:"port"`
	MinVersion         string   `yaml:"min_version"`
	LoopbackAddress    string   `yaml:"loopback_address"`
	RecognizedProducts []string `yaml:"recognized_products"`
}

type APIConfig struct {
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		ADB: ADBConfig{
			Host:               "localhost",
			Port:               adb.DefaultPort,
			MinVersion:         "1.0.40",
			LoopbackAddress:    device.DefaultLoopbackAddress,
			RecognizedProducts: append([]string(nil), device.DefaultProducts...),
		},
		DownloadsLocation:      "downloads",
		DownloadsPruningPolicy: models.PruneKeep,
		BackupsLocation:        "backups",
		MirrorLocation:         "mirror",
		AddonsLocation:         "addons/trailers",
		API:                    APIConfig{Listen: "127.0.0.1:8686"},
		Log:                    LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the YAML file at path on top of the defaults. Environment
// variables referenced as ${VAR} or $VAR are expanded before parsing.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path) //nolint:gosec // path is caller-provided configuration
	if err != nil {
		return Config{}, fmt.Errorf("config: load: %w", err)
	}

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}

	return cfg, nil
}

func (c Config) Validate() error {
	var problems []error

	if _, err := adb.ParseVersion(c.ADB.MinVersion); err != nil {
		problems = append(problems, fmt.Errorf("adb.min_version: %w", err))
	}
	if c.ADB.Port <= 0 || c.ADB.Port > 65535 {
		problems = append(problems, fmt.Errorf("adb.port: %d out of range", c.ADB.Port))
	}
	if _, ok := c.PreferredConnection.Kind(); !ok && c.PreferredConnection != models.PreferNone {
		problems = append(problems, fmt.Errorf("preferred_connection: unknown value %q", c.PreferredConnection))
	}
	if !c.DownloadsPruningPolicy.Valid() {
		problems = append(problems, fmt.Errorf("downloads_pruning_policy: unknown value %q", c.DownloadsPruningPolicy))
	}
	if c.BackupsLocation == "" {
		problems = append(problems, errors.New("backups_location is required"))
	}
	if c.DownloadsLocation == "" {
		problems = append(problems, errors.New("downloads_location is required"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		problems = append(problems, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		problems = append(problems, fmt.Errorf("log.format: unknown value %q", c.Log.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %w", errors.Join(problems...))
	}
	return nil
}

// MinVersion is the minimum daemon protocol revision.
func (c Config) MinVersion() int {
	revision, err := adb.ParseVersion(c.ADB.MinVersion)
	if err != nil {
		return 0
	}
	return revision
}

func (c Config) LogLevel() slog.Level {
	level, _ := parseLevel(c.Log.Level)
	return level
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if raw == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.ToUpper(raw))); err != nil {
		return slog.LevelInfo, err
	}
	return level, nil
}
