package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/TinkerUp/sideload-core/types/models"
)

const lastWirelessHostKey = "last_wireless_host"

// Store holds the loaded configuration and persists the few values the
// device layer writes back at runtime.
type Store struct {
	path string
	log  *slog.Logger

	mu  sync.RWMutex
	cfg Config
}

// Open loads path into a Store. A missing file yields the defaults; the file
// is created on the first write.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}

	cfg, err := Load(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		cfg = Default()
		log.Info("no config file, using defaults", "path", path)
	case err != nil:
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Store{path: path, log: log.With("component", "config"), cfg: cfg}, nil
}

func (s *Store) Settings() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Store) PreferredConnection() models.ConnectionPreference {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.PreferredConnection
}

func (s *Store) LastWirelessHost() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.LastWirelessHost
}

// SetLastWirelessHost records host in memory and in the file. Only that key
// is rewritten; other values, including unexpanded ${VAR} references, keep
// their original text.
func (s *Store) SetLastWirelessHost(host string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.LastWirelessHost == host {
		return nil
	}

	if err := s.writeKey(lastWirelessHostKey, host); err != nil {
		return err
	}
	s.cfg.LastWirelessHost = host

	s.log.Debug("saved setting", "key", lastWirelessHostKey, "value", host)
	return nil
}

func (s *Store) writeKey(key string, value string) error {
	var document yaml.Node

	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("config: read: %w", err)
	default:
		if err := yaml.Unmarshal(data, &document); err != nil {
			return fmt.Errorf("config: parse: %w", err)
		}
	}

	if len(document.Content) == 0 {
		document = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}

	root := document.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("config: %s: top level is not a mapping", s.path)
	}
	setMappingValue(root, key, value)

	var out bytes.Buffer
	encoder := yaml.NewEncoder(&out)
	encoder.SetIndent(2)
	if err := encoder.Encode(&document); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: write: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, out.Bytes(), 0o600); err != nil {
		return fmt.Errorf("config: write: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("config: write: %w", err)
	}
	return nil
}

func setMappingValue(mapping *yaml.Node, key string, value string) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			node := mapping.Content[i+1]
			node.Kind = yaml.ScalarNode
			node.Tag = "!!str"
			node.Value = value
			node.Content = nil
			return
		}
	}

	mapping.Content = append(mapping.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value},
	)
}
