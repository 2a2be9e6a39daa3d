package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "memory", cfg.Queue.Backend)
	require.Equal(t, 5, cfg.Queue.RetryMax)
	require.Equal(t, 30*time.Second, cfg.Queue.RetryBackoffDuration())
	require.Equal(t, "file", cfg.PlanState.Backend)
	require.Equal(t, "planqueue.db", cfg.SQLite.Path)
	require.True(t, cfg.Content.Enabled)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "queue:\n  backend: pulse\n  retryMax: 9\nplanState:\n  backend: relational\npostgres:\n  dsn: postgres://example\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "pulse", cfg.Queue.Backend)
	require.Equal(t, 9, cfg.Queue.RetryMax)
	require.Equal(t, "relational", cfg.PlanState.Backend)
	require.Equal(t, "postgres://example", cfg.Postgres.DSN)
}

func TestLoad_UnknownFileReturnsError(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate_RejectsUnknownQueueBackend(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Queue:     QueueConfig{Backend: "kafka", InitMaxAttempts: 1},
		PlanState: PlanStateConfig{Backend: "file"},
		SQLite:    SQLiteConfig{Path: "x.db"},
	}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidate_RequiresBackendSpecificFields(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Queue:     QueueConfig{Backend: "memory", InitMaxAttempts: 1},
		PlanState: PlanStateConfig{Backend: "relational"},
	}
	err := cfg.Validate()
	require.ErrorContains(t, err, "postgres.dsn")

	cfg.PlanState.Backend = "file"
	err = cfg.Validate()
	require.ErrorContains(t, err, "sqlite.path")
}

func TestQueueConfig_DurationAccessors(t *testing.T) {
	t.Parallel()

	q := QueueConfig{RetryBackoffMS: 1500, InitBackoffMS: 250}
	require.Equal(t, 1500*time.Millisecond, q.RetryBackoffDuration())
	require.Equal(t, 250*time.Millisecond, q.InitBackoffDuration())
}
