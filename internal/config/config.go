// Package config provides configuration loading for slackwire.
//
// Configuration is resolved in priority order:
//  1. Environment variables
//  2. <dir>/config.yaml (optional)
//  3. Built-in defaults
//
// Environment variables:
//   - SLACK_BOT_TOKEN: bot token used for all Web API calls
//   - SLACK_APP_TOKEN: app-level token for the listener's Socket Mode stream
//   - SLACK_CHANNEL: default channel for session threads
//   - CLAUDE_SLACK_DIR: base directory for all slackwire state
//   - REGISTRY_DB_PATH: override for the registry database file
//   - SLACK_SOCKET_DIR: override for the unix socket directory
//   - SLACK_LOG_DIR: override for the terminal output log directory
//   - CLAUDE_BIN: the agent binary the wrapper spawns
//   - PERMISSION_TIMEOUT: seconds a blocking hook waits for a response
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Defaults applied before the config file and environment are consulted.
const (
	DefaultChannel           = "claude-sessions"
	DefaultClaudeBin         = "claude"
	DefaultPermissionTimeout = 300
)

// Config holds all configuration shared by the registry, wrapper, listener
// and hook processes.
type Config struct {
	// BotToken authenticates Web API calls (chat.postMessage etc).
	BotToken string `mapstructure:"bot_token"`

	// AppToken authenticates the Socket Mode event stream (listener only).
	AppToken string `mapstructure:"app_token"`

	// Channel is the default channel name for session threads.
	Channel string `mapstructure:"channel"`

	// BaseDir is the root for all slackwire state (~/.claude/slack).
	BaseDir string `mapstructure:"base_dir"`

	// DBPath is the registry database file.
	DBPath string `mapstructure:"db_path"`

	// SocketDir holds the registry socket and per-session control sockets.
	SocketDir string `mapstructure:"socket_dir"`

	// LogDir holds raw terminal output buffers and line logs.
	LogDir string `mapstructure:"log_dir"`

	// ClaudeBin is the agent binary the wrapper spawns.
	ClaudeBin string `mapstructure:"claude_bin"`

	// PermissionTimeoutSecs is how long blocking hooks wait for a response.
	PermissionTimeoutSecs int `mapstructure:"permission_timeout"`

	// LogLevel is the zap log level (debug, info, warn, error).
	LogLevel string `mapstructure:"log_level"`
}

// DefaultBaseDir returns ~/.claude/slack, falling back to the current
// directory when the home directory cannot be determined.
func DefaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".claude", "slack")
}

// Load resolves configuration from defaults, the optional config file, and
// environment variables.
func Load() (*Config, error) {
	v := viper.New()

	base := DefaultBaseDir()
	v.SetDefault("channel", DefaultChannel)
	v.SetDefault("base_dir", base)
	v.SetDefault("claude_bin", DefaultClaudeBin)
	v.SetDefault("permission_timeout", DefaultPermissionTimeout)
	v.SetDefault("log_level", "info")

	// Each setting has a dedicated, historically stable variable name, so
	// bind them explicitly instead of using an env prefix.
	bindings := map[string]string{
		"bot_token":          "SLACK_BOT_TOKEN",
		"app_token":          "SLACK_APP_TOKEN",
		"channel":            "SLACK_CHANNEL",
		"base_dir":           "CLAUDE_SLACK_DIR",
		"db_path":            "REGISTRY_DB_PATH",
		"socket_dir":         "SLACK_SOCKET_DIR",
		"log_dir":            "SLACK_LOG_DIR",
		"claude_bin":         "CLAUDE_BIN",
		"permission_timeout": "PERMISSION_TIMEOUT",
		"log_level":          "SLACKWIRE_LOG_LEVEL",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	// The base dir may have been overridden by env; re-read it before
	// deriving dependent defaults.
	base = v.GetString("base_dir")
	v.SetDefault("db_path", filepath.Join(base, "registry.db"))
	v.SetDefault("socket_dir", filepath.Join(base, "sockets"))
	v.SetDefault("log_dir", filepath.Join(base, "logs"))

	cfgFile := filepath.Join(base, "config.yaml")
	if _, err := os.Stat(cfgFile); err == nil {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// PermissionTimeout returns the blocking-hook timeout as a duration.
func (c *Config) PermissionTimeout() time.Duration {
	secs := c.PermissionTimeoutSecs
	if secs <= 0 {
		secs = DefaultPermissionTimeout
	}
	return time.Duration(secs) * time.Second
}

// RegistrySocketPath is the well-known registry RPC endpoint.
func (c *Config) RegistrySocketPath() string {
	return filepath.Join(c.SocketDir, "registry.sock")
}

// SessionSocketPath is the control socket for one wrapper session.
func (c *Config) SessionSocketPath(sessionID string) string {
	return filepath.Join(c.SocketDir, sessionID+".sock")
}

// BufferFilePath is the raw PTY output buffer for one session.
func (c *Config) BufferFilePath(sessionID string) string {
	return filepath.Join(c.LogDir, "claude_output_"+sessionID+".txt")
}

// BufferMetaPath is the metadata sibling of the raw output buffer.
func (c *Config) BufferMetaPath(sessionID string) string {
	return filepath.Join(c.LogDir, "claude_output_"+sessionID+".meta")
}

// LinesFilePath is the numbered line log for one session.
func (c *Config) LinesFilePath(sessionID string) string {
	return filepath.Join(c.LogDir, "claude_lines_"+sessionID+".txt")
}

// PermissionResponseDir holds permission prompt response files.
func (c *Config) PermissionResponseDir() string {
	return filepath.Join(c.BaseDir, "permission_responses")
}

// AskUserResponseDir holds structured-question response files.
func (c *Config) AskUserResponseDir() string {
	return filepath.Join(c.BaseDir, "askuser_responses")
}

// ComponentLogDir holds slackwire's own log files (not terminal output).
func (c *Config) ComponentLogDir() string {
	return filepath.Join(c.BaseDir, "daemon_logs")
}

// EnsureDirs creates every directory slackwire writes into.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.BaseDir,
		c.SocketDir,
		c.LogDir,
		c.PermissionResponseDir(),
		c.AskUserResponseDir(),
		c.ComponentLogDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
