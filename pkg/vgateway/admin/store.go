// Package admin implements the control plane: persisted backend config and
// UI state (disable masks), REST management endpoints, and an optional
// hot-reload watch on the config file.
package admin

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/abdullah1854/MCPGateway-sub000/pkg/gwerrors"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway"
)

// GatewayConfig is the persisted set of backend definitions.
type GatewayConfig struct {
	Servers []vgateway.BackendConfig `json:"servers"`
}

// Validate checks every server definition and rejects duplicate ids.
func (c *GatewayConfig) Validate() error {
	seen := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if err := s.Validate(); err != nil {
			return err
		}
		if seen[s.ID] {
			return gwerrors.NewValidationError("duplicate server id: "+s.ID, nil)
		}
		seen[s.ID] = true
	}
	return nil
}

// UIState is the persisted set of disable masks.
type UIState struct {
	DisabledTools    []string `json:"disabledTools"`
	DisabledBackends []string `json:"disabledBackends"`
}

// Store persists GatewayConfig and UIState to JSON files, guarding every
// write with an on-disk lock and an atomic temp-file-then-rename so a
// crash mid-write never leaves a truncated file behind.
type Store struct {
	configPath string
	statePath  string
	configLock *flock.Flock
	stateLock  *flock.Flock
}

// NewStore constructs a Store rooted at the given config and state file paths.
func NewStore(configPath, statePath string) *Store {
	return &Store{
		configPath: configPath,
		statePath:  statePath,
		configLock: flock.New(configPath + ".lock"),
		stateLock:  flock.New(statePath + ".lock"),
	}
}

// ConfigPath returns the backing file path for the gateway config, used by
// the hot-reload watcher.
func (s *Store) ConfigPath() string { return s.configPath }

// LoadConfig reads and validates the persisted GatewayConfig. A missing file
// is treated as an empty config, not an error, so a fresh install starts clean.
func (s *Store) LoadConfig() (GatewayConfig, error) {
	var cfg GatewayConfig
	if err := s.loadLocked(s.configLock, s.configPath, &cfg); err != nil {
		return GatewayConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return GatewayConfig{}, err
	}
	return cfg, nil
}

// SaveConfig validates and atomically persists cfg.
func (s *Store) SaveConfig(cfg GatewayConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return s.saveLocked(s.configLock, s.configPath, cfg)
}

// LoadState reads the persisted UIState. A missing file is treated as empty state.
func (s *Store) LoadState() (UIState, error) {
	var state UIState
	if err := s.loadLocked(s.stateLock, s.statePath, &state); err != nil {
		return UIState{}, err
	}
	return state, nil
}

// SaveState atomically persists state.
func (s *Store) SaveState(state UIState) error {
	return s.saveLocked(s.stateLock, s.statePath, state)
}

func (s *Store) loadLocked(lock *flock.Flock, path string, out any) error {
	if err := lock.RLock(); err != nil {
		return gwerrors.NewPersistenceError("failed to acquire read lock on "+path, err)
	}
	defer lock.Unlock()

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return gwerrors.NewPersistenceError("failed to read "+path, err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return gwerrors.NewPersistenceError("failed to parse "+path, err)
	}
	return nil
}

func (s *Store) saveLocked(lock *flock.Flock, path string, in any) error {
	if err := lock.Lock(); err != nil {
		return gwerrors.NewPersistenceError("failed to acquire write lock on "+path, err)
	}
	defer lock.Unlock()

	raw, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return gwerrors.NewPersistenceError("failed to encode "+path, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return gwerrors.NewPersistenceError("failed to create directory for "+path, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return gwerrors.NewPersistenceError("failed to create temp file for "+path, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return gwerrors.NewPersistenceError("failed to write "+path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return gwerrors.NewPersistenceError("failed to close temp file for "+path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return gwerrors.NewPersistenceError("failed to replace "+path, err)
	}
	return nil
}
