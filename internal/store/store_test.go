package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_LoadMissing(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "state.yaml"))

	id, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestFileStore_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.yaml")
	s := NewFileStore(path)
	s.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }

	require.NoError(t, s.Save("AA:BB:CC:DD:EE:FF"))

	id, err := NewFileStore(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", id)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "device_id: AA:BB:CC:DD:EE:FF")
	assert.Contains(t, string(data), "updated_at: 2025-03-01T12:00:00Z")

	require.NoError(t, s.Save("11:22:33:44:55:66"))
	id, err = s.Load()
	require.NoError(t, err)
	assert.Equal(t, "11:22:33:44:55:66", id)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are cleaned up")
}

func TestFileStore_Errors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device_id: [unterminated"), 0o600))

	_, err := NewFileStore(path).Load()
	assert.ErrorContains(t, err, "parse state file")

	assert.Error(t, NewFileStore(path).Save(""))
}
