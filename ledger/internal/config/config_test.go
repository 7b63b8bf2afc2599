package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 24*time.Hour, cfg.Reconciliation.StuckThreshold)
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.RefreshInterval)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.QuickInterval)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, "CHAIN_EVENTS", cfg.Listener.Stream)
	assert.Equal(t, "admin", cfg.Auth.AdminRole)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
database:
  driver: memory
reconciliation:
  stuck_threshold: 30m
scheduler:
  enabled: false
`), 0o600))

	t.Setenv("LEDGER_SERVER_PORT", "9100")
	t.Setenv("LEDGER_PROCESSOR_MAX_CONFLICT_RETRIES", "7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port, "env overrides file")
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 30*time.Minute, cfg.Reconciliation.StuckThreshold)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 7, cfg.Processor.MaxConflictRetries)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	bad := *cfg
	bad.Database.Driver = "sqlite"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Reconciliation.StuckThreshold = 0
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Scheduler.QuickInterval = 0
	assert.Error(t, bad.Validate())
}

func TestPostgresConfig_ConnString(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: 5432, User: "arena", Password: "p@ss", Database: "ledger", SSLMode: "disable"}
	assert.Equal(t, "postgres://arena:p%40ss@db:5432/ledger?sslmode=disable", p.ConnString())
}
