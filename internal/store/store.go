// Package store persists the identity of the bound desk between runs.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// record is the on-disk layout
type record struct {
	DeviceID  string    `yaml:"device_id"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// FileStore keeps the device identity in a small YAML file.
// It satisfies desk.IdentityStore.
type FileStore struct {
	Path string

	now func() time.Time
}

// NewFileStore returns a store writing to path
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path, now: time.Now}
}

// Load returns the persisted identity. A missing file is not an error.
func (s *FileStore) Load() (string, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read state file: %w", err)
	}

	var rec record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return "", fmt.Errorf("parse state file %s: %w", s.Path, err)
	}
	return rec.DeviceID, nil
}

// Save atomically replaces the state file with id
func (s *FileStore) Save(id string) error {
	if id == "" {
		return fmt.Errorf("device identity cannot be empty")
	}

	now := time.Now
	if s.now != nil {
		now = s.now
	}
	data, err := yaml.Marshal(record{DeviceID: id, UpdatedAt: now().UTC()})
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.Path)+".*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
