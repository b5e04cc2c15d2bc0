package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, "server", cfg.Environment)
	assert.Equal(t, "semi_autonomous", cfg.Agent.Mode)
	assert.Equal(t, 50, cfg.Agent.MaxIterations)
	assert.Equal(t, 8, cfg.Pool.Size)
	assert.Equal(t, time.Second, cfg.Pool.PollInterval.Std())
	assert.Equal(t, 2*time.Second, cfg.Pool.CoolDown.Std())
	assert.Equal(t, time.Second, cfg.Workflow.WaitStep.Std())
	assert.Equal(t, "sprintloop:events", cfg.Database.Redis.Stream)
}

func TestParseEnvSubstitution(t *testing.T) {
	t.Setenv("SPRINTLOOP_TEST_DSN", "postgres://u:p@db/sl")

	cfg, err := Parse([]byte(`{
		"database": {
			"postgres": {"dsn": "${SPRINTLOOP_TEST_DSN}"},
			"redis": {"url": "${SPRINTLOOP_TEST_REDIS:redis://localhost:6379}"}
		}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "postgres://u:p@db/sl", cfg.Database.Postgres.DSN)
	assert.Equal(t, "redis://localhost:6379", cfg.Database.Redis.URL)
}

func TestParseDurations(t *testing.T) {
	cfg, err := Parse([]byte(`{"pool": {"size": 2, "poll_interval": "50ms", "cool_down": "0s"}}`))
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Pool.Size)
	assert.Equal(t, 50*time.Millisecond, cfg.Pool.PollInterval.Std())
	// zero falls back to the default
	assert.Equal(t, DefaultCoolDown, cfg.Pool.CoolDown.Std())

	_, err = Parse([]byte(`{"pool": {"poll_interval": "soon"}}`))
	assert.Error(t, err)
}

func TestNegativeCoolDownSurvivesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{"pool": {"cool_down": "-1s"}}`))
	require.NoError(t, err)
	assert.Equal(t, -time.Second, cfg.Pool.CoolDown.Std())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sprintloop.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"environment": "desktop", "agent": {"mode": "autonomous"}}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "desktop", cfg.Environment)
	assert.Equal(t, "autonomous", cfg.Agent.Mode)
}
