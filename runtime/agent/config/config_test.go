package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.Equal(t, ":8080", cfg.HTTP.Addr)
	require.Equal(t, "memory", cfg.Store.Backend)
	require.Equal(t, "inproc", cfg.Bus.Backend)
	require.Equal(t, 20, cfg.Pagination.DefaultLimit)
	require.Equal(t, 100, cfg.Pagination.MaxLimit)
}

func TestLoadMongoRequiresURI(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: mongo\n"), 0o644))

	_, err := Load(path)
	require.ErrorContains(t, err, "mongoURI")
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  backend: mongo
  mongoURI: mongodb://localhost:27017
  database: agentrun
bus:
  backend: redis
  redisURL: redis://localhost:6379/0
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "mongo", cfg.Store.Backend)
	require.Equal(t, DefaultLockTTL, cfg.Bus.LockTTL)
	require.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestLoadUnknownBackend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: postgres\n"), 0o644))

	_, err := Load(path)
	require.ErrorContains(t, err, "unknown store backend")
}
