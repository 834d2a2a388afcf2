package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAESKey = "abcdefghijklmnopqrstuvwxyz0123456789ABCDEFG"

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 18890, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 60, cfg.Cache.TurnTTLMinutes)
	assert.Equal(t, 10000, cfg.Cache.DedupCapacity)
	assert.Equal(t, 300, cfg.Dify.TimeoutSeconds)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Zero(t, cfg.RateLimits.CallbacksPerMinute)
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Port, cfg.Server.Port)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		"server": {"port": 9000},
		"wecom": {"token": "tok", "encoding_aes_key": "` + testAESKey + `"},
		"dify": {"base_url": "https://dify.example.com/v1", "api_key": "app-1"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "tok", cfg.WeCom.Token)
	assert.Equal(t, "https://dify.example.com/v1", cfg.Dify.BaseURL)
	// Untouched sections keep defaults.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 10000, cfg.Cache.DedupCapacity)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("WECOMGW_SERVER_PORT", "9999")
	t.Setenv("WECOMGW_WECOM_TOKEN", "env-token")
	t.Setenv("WECOMGW_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "env-token", cfg.WeCom.Token)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfigInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.WeCom.EncodingAESKey = "wrong-length"
	require.Error(t, cfg.Validate())

	cfg.WeCom.EncodingAESKey = testAESKey
	cfg.Cache.DedupCapacity = -1
	require.Error(t, cfg.Validate())
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")
	cfg := DefaultConfig()
	cfg.Server.Port = 7777

	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7777, loaded.Server.Port)
}

func TestAgentsDBPathExpandsHome(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agents.DBPath = "~/data/agents.db"

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, home+"/data/agents.db", cfg.AgentsDBPath())

	cfg.Agents.DBPath = "/abs/agents.db"
	assert.Equal(t, "/abs/agents.db", cfg.AgentsDBPath())
}
