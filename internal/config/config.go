// Package config loads server configuration.
//
// Values are resolved in this order, later sources winning:
//   - built-in defaults
//   - a YAML file (--config, or <dataDir>/config.yaml when present)
//   - RONBOARD_* environment variables
//   - command-line flags, applied by the caller
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SchlenkR/ronboard/internal/session"
)

// FileName is the config file looked up inside the data directory.
const FileName = "config.yaml"

// Store backends.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// Config is the complete server configuration.
type Config struct {
	Port      int    `yaml:"port"`
	DataDir   string `yaml:"dataDir"`
	StaticDir string `yaml:"staticDir"`
	// Store selects the history backend: "file" or "sqlite".
	Store string `yaml:"store"`

	Agent   AgentConfig   `yaml:"agent"`
	Resume  ResumeConfig  `yaml:"resume"`
	Session SessionConfig `yaml:"session"`
	Naming  NamingConfig  `yaml:"naming"`
	HTTP    HTTPConfig    `yaml:"http"`
	Log     LogConfig     `yaml:"log"`
}

// AgentConfig controls how the agent CLI is launched.
type AgentConfig struct {
	Command      string `yaml:"command"`
	DefaultShell string `yaml:"defaultShell"`
	LoginShell   bool   `yaml:"loginShell"`
	TerminalCols int    `yaml:"terminalCols"`
	TerminalRows int    `yaml:"terminalRows"`
}

type ResumeConfig struct {
	// SettleDelay is how long a resumed terminal session waits before the
	// context prompt is typed.
	SettleDelay time.Duration `yaml:"settleDelay"`
}

type SessionConfig struct {
	LastUsedFlushInterval time.Duration `yaml:"lastUsedFlushInterval"`
}

type NamingConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MinChars      int           `yaml:"minChars"`
	SnippetChars  int           `yaml:"snippetChars"`
	MaxTitleChars int           `yaml:"maxTitleChars"`
	Timeout       time.Duration `yaml:"timeout"`
}

type HTTPConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is "console" or "json".
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:    5180,
		DataDir: DefaultDataDir(),
		Store:   StoreFile,
		Agent: AgentConfig{
			Command:      "claude",
			DefaultShell: "/bin/zsh",
			LoginShell:   true,
			TerminalCols: 120,
			TerminalRows: 40,
		},
		Resume:  ResumeConfig{SettleDelay: 2 * time.Second},
		Session: SessionConfig{LastUsedFlushInterval: 5 * time.Second},
		Naming: NamingConfig{
			Enabled:       true,
			MinChars:      200,
			SnippetChars:  500,
			MaxTitleChars: 60,
			Timeout:       60 * time.Second,
		},
		HTTP: HTTPConfig{AllowedOrigins: []string{"http://localhost:4200"}},
		Log:  LogConfig{Level: "info", Format: "console"},
	}
}

// DefaultDataDir returns ~/.ronboard, or .ronboard when the home directory
// is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ronboard"
	}
	return filepath.Join(home, ".ronboard")
}

// Load builds the configuration from defaults, the YAML file at path and
// the environment. An empty path looks for config.yaml in the data
// directory and tolerates its absence.
func Load(path string) (*Config, error) {
	cfg := Default()

	// The data directory may itself come from the environment.
	if dir := os.Getenv("RONBOARD_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}

	explicit := path != ""
	if !explicit {
		path = filepath.Join(ExpandHome(cfg.DataDir), FileName)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.DataDir = ExpandHome(cfg.DataDir)
	cfg.StaticDir = ExpandHome(cfg.StaticDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("RONBOARD_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RONBOARD_PORT: %w", err)
		}
		c.Port = port
	}
	if v := os.Getenv("RONBOARD_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("RONBOARD_STATIC_DIR"); v != "" {
		c.StaticDir = v
	}
	if v := os.Getenv("RONBOARD_STORE"); v != "" {
		c.Store = v
	}
	if v := os.Getenv("RONBOARD_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("RONBOARD_AGENT"); v != "" {
		c.Agent.Command = v
	}
	if v := os.Getenv("RONBOARD_ALLOWED_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.HTTP.AllowedOrigins = origins
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.DataDir == "" {
		return errors.New("dataDir is required")
	}
	switch c.Store {
	case StoreFile, StoreSQLite:
	default:
		return fmt.Errorf("unknown store %q (want %q or %q)", c.Store, StoreFile, StoreSQLite)
	}
	if strings.TrimSpace(c.Agent.Command) == "" {
		return errors.New("agent.command is required")
	}
	if c.Agent.TerminalCols < 1 || c.Agent.TerminalCols > 65535 ||
		c.Agent.TerminalRows < 1 || c.Agent.TerminalRows > 65535 {
		return fmt.Errorf("terminal size %dx%d out of range", c.Agent.TerminalCols, c.Agent.TerminalRows)
	}
	if c.Resume.SettleDelay <= 0 {
		return errors.New("resume.settleDelay must be positive")
	}
	if c.Session.LastUsedFlushInterval <= 0 {
		return errors.New("session.lastUsedFlushInterval must be positive")
	}
	if c.Naming.Enabled && (c.Naming.MinChars <= 0 || c.Naming.SnippetChars <= 0 || c.Naming.MaxTitleChars <= 0) {
		return errors.New("naming limits must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// Launcher converts the agent settings for the session launcher.
func (c AgentConfig) Launcher() session.LauncherConfig {
	return session.LauncherConfig{
		Command:      c.Command,
		DefaultShell: c.DefaultShell,
		LoginShell:   c.LoginShell,
		TerminalCols: uint16(c.TerminalCols),
		TerminalRows: uint16(c.TerminalRows),
	}
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
}
