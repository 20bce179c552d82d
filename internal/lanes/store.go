package lanes

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store holds the active lane configuration. Readers take a snapshot pointer
// without locking; writers replace it wholesale.
type Store struct {
	current atomic.Pointer[Configuration]
	path    string
	mu      sync.Mutex
	log     zerolog.Logger
}

func NewStore(path string, log zerolog.Logger) *Store {
	return &Store{
		path: path,
		log:  log,
	}
}

// Snapshot returns the active configuration, or nil when none has been set.
// The returned value must be treated as read-only.
func (s *Store) Snapshot() *Configuration {
	return s.current.Load()
}

// Publish validates cfg and makes it the active configuration. On validation
// failure the previous configuration stays in force.
func (s *Store) Publish(cfg Configuration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.current.Store(cfg.Clone())
	s.log.Info().
		Int("lanes", cfg.NumLanes).
		Float64("detection_threshold", cfg.DetectionThreshold).
		Msg("lane configuration published")
	return nil
}

// Update validates, persists to the configuration file and publishes cfg.
func (s *Store) Update(cfg Configuration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path != "" {
		if err := Save(s.path, &cfg); err != nil {
			s.log.Error().Err(err).Str("path", s.path).Msg("failed to save lane configuration")
			return fmt.Errorf("failed to save lane configuration: %w", err)
		}
	}
	return s.Publish(cfg)
}

// LoadFile publishes the configuration stored at the store path if the file
// exists. A missing file leaves the store empty and is not an error.
func (s *Store) LoadFile() error {
	if s.path == "" {
		return nil
	}
	cfg, err := Load(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.log.Info().Str("path", s.path).Msg("no lane configuration file, violation evaluation disabled until configured")
		return nil
	}
	if err != nil {
		return err
	}
	return s.Publish(*cfg)
}

// Load reads and validates a configuration file.
func Load(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Configuration
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save overwrites path with cfg. The file is written to a temporary sibling
// and renamed so readers never observe a partial document.
func Save(path string, cfg *Configuration) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".lanes-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
