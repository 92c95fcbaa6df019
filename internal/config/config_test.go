package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ".cah-data", cfg.DataDir)
	assert.Equal(t, "claude", cfg.LLM.Binary)
	assert.Equal(t, 3, cfg.Queue.Concurrency)
	assert.Equal(t, 2, cfg.Daemon.MaxRunningTasks)
	assert.Equal(t, "127.0.0.1:18820", cfg.Server.Addr())
	assert.False(t, cfg.Messenger.Lark.Enabled)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, "claude", cfg.LLM.Binary)
}

func TestLoadJSON5File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	// Comments and trailing commas are tolerated.
	content := `{
  // local overrides
  llm: { binary: "claude-dev", model: "opus", },
  daemon: { max_running_tasks: 5 },
  server: { port: 9000 },
}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "claude-dev", cfg.LLM.Binary)
	assert.Equal(t, "opus", cfg.LLM.Model)
	assert.Equal(t, 5, cfg.Daemon.MaxRunningTasks)
	assert.Equal(t, 9000, cfg.Server.Port)
	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Queue.Concurrency)
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{{{"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CAH_LLM_BINARY", "claude-test")
	t.Setenv("CAH_SERVER_PORT", "7777")
	t.Setenv("CAH_LARK_APP_ID", "cli_123")
	t.Setenv("CAH_LARK_APP_SECRET", "shhh")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, "claude-test", cfg.LLM.Binary)
	assert.Equal(t, 7777, cfg.Server.Port)
	// Credentials in env auto-enable the adapter.
	assert.True(t, cfg.Messenger.Lark.Enabled)
	assert.Equal(t, "shhh", cfg.Messenger.Lark.AppSecret)
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("CAH_CONFIG", "")
	t.Setenv("CAH_DATA_DIR", "/tmp/hub-data")
	assert.Equal(t, filepath.Join("/tmp/hub-data", "config.json"), DefaultPath())

	t.Setenv("CAH_CONFIG", "/etc/cah.json")
	assert.Equal(t, "/etc/cah.json", DefaultPath())
}
