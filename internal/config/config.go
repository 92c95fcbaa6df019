// Package config loads the hub configuration: defaults, then an optional
// JSON5 file, then environment overrides. Secrets (Lark credentials) are
// never persisted back to the file; env is the source of truth for them.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/titanous/json5"
)

// Config is the root configuration for the hub.
type Config struct {
	DataDir   string          `json:"data_dir,omitempty"`
	LLM       LLMConfig       `json:"llm"`
	Queue     QueueConfig     `json:"queue"`
	Daemon    DaemonConfig    `json:"daemon"`
	Server    ServerConfig    `json:"server"`
	Messenger MessengerConfig `json:"messenger,omitempty"`
}

// LLMConfig configures the external LLM CLI.
type LLMConfig struct {
	Binary     string `json:"binary,omitempty"`
	Model      string `json:"model,omitempty"`
	TimeoutMs  int    `json:"timeout_ms,omitempty"`
	DisableMCP bool   `json:"disable_mcp,omitempty"`
}

// Timeout returns the per-invocation timeout.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// QueueConfig tunes the worker pool inside each task subprocess.
type QueueConfig struct {
	Concurrency    int `json:"concurrency,omitempty"`
	PollIntervalMs int `json:"poll_interval_ms,omitempty"`
	PruneAfterH    int `json:"prune_after_hours,omitempty"`
}

// DaemonConfig holds the cron specs of the background jobs and the cap on
// simultaneously running tasks.
type DaemonConfig struct {
	PollSpec         string `json:"poll_spec,omitempty"`          // pending-task polling
	RepairSpec       string `json:"repair_spec,omitempty"`        // signal detection + auto repair
	ScheduleWaitSpec string `json:"schedule_wait_spec,omitempty"` // schedule-wait recovery
	EvolutionSpec    string `json:"evolution_spec,omitempty"`     // self-improvement sweep
	MaxRunningTasks  int    `json:"max_running_tasks,omitempty"`
}

// ServerConfig configures the read-only status HTTP listener.
type ServerConfig struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// MessengerConfig configures chat integrations.
type MessengerConfig struct {
	Lark LarkConfig `json:"lark,omitempty"`
}

// LarkConfig configures the Lark/Feishu adapter. AppSecret comes from env
// CAH_LARK_APP_SECRET only and is never written to disk.
type LarkConfig struct {
	Enabled           bool   `json:"enabled,omitempty"`
	AppID             string `json:"app_id,omitempty"`
	AppSecret         string `json:"-"`
	VerificationToken string `json:"-"`
	BaseURL           string `json:"base_url,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		DataDir: ".cah-data",
		LLM: LLMConfig{
			Binary:    "claude",
			TimeoutMs: int((10 * time.Minute).Milliseconds()),
		},
		Queue: QueueConfig{
			Concurrency:    3,
			PollIntervalMs: 500,
			PruneAfterH:    72,
		},
		Daemon: DaemonConfig{
			PollSpec:         "@every 1s",
			RepairSpec:       "@every 30m",
			ScheduleWaitSpec: "@every 1m",
			EvolutionSpec:    "@hourly",
			MaxRunningTasks:  2,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 18820,
		},
		Messenger: MessengerConfig{
			Lark: LarkConfig{BaseURL: "https://open.larksuite.com"},
		},
	}
}

// DefaultPath returns the config file path: CAH_CONFIG when set, otherwise
// config.json under the data dir.
func DefaultPath() string {
	if p := os.Getenv("CAH_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("CAH_DATA_DIR")
	if dir == "" {
		dir = ".cah-data"
	}
	return filepath.Join(dir, "config.json")
}

// Load reads config from a JSON file, then overlays env vars. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("CAH_DATA_DIR", &c.DataDir)
	envStr("CAH_LLM_BINARY", &c.LLM.Binary)
	envStr("CAH_LLM_MODEL", &c.LLM.Model)
	envStr("CAH_LARK_APP_ID", &c.Messenger.Lark.AppID)
	envStr("CAH_LARK_APP_SECRET", &c.Messenger.Lark.AppSecret)
	envStr("CAH_LARK_VERIFICATION_TOKEN", &c.Messenger.Lark.VerificationToken)
	envStr("CAH_LARK_BASE_URL", &c.Messenger.Lark.BaseURL)

	if v := os.Getenv("CAH_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if c.Messenger.Lark.AppID != "" && c.Messenger.Lark.AppSecret != "" {
		c.Messenger.Lark.Enabled = true
	}
}
