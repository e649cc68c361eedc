package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.validate())
	require.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	require.Equal(t, "memory", cfg.Database.Driver)
	require.EqualValues(t, 10, cfg.Rewards.Percent)
	require.Equal(t, 30*time.Minute, cfg.Sweeper.PendingTTL)
}

func TestLoadFromPathMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestLoadFromPathParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creditcore.yaml")
	content := `
server:
  port: 9090
database:
  driver: postgres
  dsn: postgres://localhost/creditcore?sslmode=disable
webhook:
  secret: whsec_abc
rewards:
  percent: 25
sweeper:
  schedule: "@every 5m"
  pending_ttl: 1h
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, "whsec_abc", cfg.Webhook.Secret)
	require.EqualValues(t, 25, cfg.Rewards.Percent)
	require.Equal(t, "@every 5m", cfg.Sweeper.Schedule)
	require.Equal(t, time.Hour, cfg.Sweeper.PendingTTL)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CREDITCORE_ADDR_PORT", "7070")
	t.Setenv("WEBHOOK_SECRET", "whsec_env")
	t.Setenv("REWARD_PERCENT", "5")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
	require.Equal(t, "whsec_env", cfg.Webhook.Secret)
	require.EqualValues(t, 5, cfg.Rewards.Percent)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidation(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	require.Error(t, cfg.validate())

	cfg = Default()
	cfg.Database.Driver = "oracle"
	require.Error(t, cfg.validate())

	cfg = Default()
	cfg.Database.Driver = "postgres"
	require.Error(t, cfg.validate(), "postgres without dsn")

	cfg = Default()
	cfg.Rewards.Percent = 101
	require.Error(t, cfg.validate())
}
