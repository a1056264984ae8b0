// Package config loads the agent's startup configuration: built-in
// defaults, then an optional TOML file, then PCSC_AGENT_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/SimplyPrint/pcsc-agent/internal/logging"
	"github.com/SimplyPrint/pcsc-agent/pkg/pcsc"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 32145
)

// Config is the resolved agent configuration.
type Config struct {
	Host            string
	Port            int
	Driver          string
	Scope           pcsc.Scope
	ShareMode       pcsc.ShareMode
	LogLevel        logging.Level
	LogCapacity     int
	PollInterval    time.Duration
	TransmitRetries int
	AllowedOrigins  []string

	// Path is the file the configuration was read from, if any.
	Path string
}

// fileConfig is the config.toml key mapping.
type fileConfig struct {
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	Driver          string   `toml:"driver"`
	Scope           string   `toml:"scope"`
	ShareMode       string   `toml:"share_mode"`
	LogLevel        string   `toml:"log_level"`
	LogCapacity     int      `toml:"log_capacity"`
	PollInterval    string   `toml:"poll_interval"`
	TransmitRetries int      `toml:"transmit_retries"`
	AllowedOrigins  []string `toml:"allowed_origins"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:            DefaultHost,
		Port:            DefaultPort,
		Driver:          "auto",
		Scope:           pcsc.ScopeSystem,
		ShareMode:       pcsc.ShareShared,
		LogLevel:        logging.LevelInfo,
		LogCapacity:     1000,
		PollInterval:    2 * time.Second,
		TransmitRetries: 3,
		AllowedOrigins:  []string{"*"},
	}
}

// DefaultPath is config.toml in the per-user config directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "pcsc-agent", "config.toml"), nil
}

// Load resolves the configuration. An explicit path, or one named by
// PCSC_AGENT_CONFIG, must exist; the default path may be missing.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := true
	if path == "" {
		path = os.Getenv("PCSC_AGENT_CONFIG")
	}
	if path == "" {
		explicit = false
		if p, err := DefaultPath(); err == nil {
			path = p
		}
	}

	if path != "" {
		err := cfg.loadFile(path)
		switch {
		case err == nil:
			cfg.Path = path
		case !explicit && errors.Is(err, fs.ErrNotExist):
		default:
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		logging.Warn(logging.CatSystem, "Unknown config keys ignored", map[string]any{
			"path": path,
			"keys": fmt.Sprint(undecoded),
		})
	}

	if meta.IsDefined("host") {
		c.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		c.Port = raw.Port
	}
	if meta.IsDefined("driver") {
		c.Driver = strings.TrimSpace(raw.Driver)
	}
	if meta.IsDefined("scope") {
		if c.Scope, err = ParseScope(raw.Scope); err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if meta.IsDefined("share_mode") {
		if c.ShareMode, err = ParseShareMode(raw.ShareMode); err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if meta.IsDefined("log_level") {
		level, ok := logging.ParseLevel(strings.TrimSpace(raw.LogLevel))
		if !ok {
			return fmt.Errorf("load config %s: unknown log level %q", path, raw.LogLevel)
		}
		c.LogLevel = level
	}
	if meta.IsDefined("log_capacity") {
		c.LogCapacity = raw.LogCapacity
	}
	if meta.IsDefined("poll_interval") {
		if c.PollInterval, err = time.ParseDuration(strings.TrimSpace(raw.PollInterval)); err != nil {
			return fmt.Errorf("load config %s: poll_interval: %w", path, err)
		}
	}
	if meta.IsDefined("transmit_retries") {
		c.TransmitRetries = raw.TransmitRetries
	}
	if meta.IsDefined("allowed_origins") {
		c.AllowedOrigins = raw.AllowedOrigins
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PCSC_AGENT_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("PCSC_AGENT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PCSC_AGENT_PORT: %w", err)
		}
		c.Port = port
	}
	if v := os.Getenv("PCSC_AGENT_DRIVER"); v != "" {
		c.Driver = v
	}
	if v := os.Getenv("PCSC_AGENT_SCOPE"); v != "" {
		scope, err := ParseScope(v)
		if err != nil {
			return fmt.Errorf("PCSC_AGENT_SCOPE: %w", err)
		}
		c.Scope = scope
	}
	if v := os.Getenv("PCSC_AGENT_SHARE_MODE"); v != "" {
		mode, err := ParseShareMode(v)
		if err != nil {
			return fmt.Errorf("PCSC_AGENT_SHARE_MODE: %w", err)
		}
		c.ShareMode = mode
	}
	if v := os.Getenv("PCSC_AGENT_LOG_LEVEL"); v != "" {
		level, ok := logging.ParseLevel(v)
		if !ok {
			return fmt.Errorf("PCSC_AGENT_LOG_LEVEL: unknown level %q", v)
		}
		c.LogLevel = level
	}
	return nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("config: host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.ShareMode == pcsc.ShareDirect {
		return fmt.Errorf("config: share mode direct cannot transmit")
	}
	if c.LogCapacity < 1 {
		return fmt.Errorf("config: log_capacity must be positive")
	}
	if c.PollInterval < 100*time.Millisecond {
		return fmt.Errorf("config: poll_interval %s is below 100ms", c.PollInterval)
	}
	if c.TransmitRetries < 0 {
		return fmt.Errorf("config: transmit_retries must not be negative")
	}
	return nil
}

// Address returns the host:port the server listens on.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ParseScope accepts user, terminal, system and global.
func ParseScope(s string) (pcsc.Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user":
		return pcsc.ScopeUser, nil
	case "terminal":
		return pcsc.ScopeTerminal, nil
	case "system":
		return pcsc.ScopeSystem, nil
	case "global":
		return pcsc.ScopeGlobal, nil
	}
	return 0, fmt.Errorf("unknown scope %q", s)
}

// ParseShareMode accepts the names printed by pcsc.ShareMode.String.
func ParseShareMode(s string) (pcsc.ShareMode, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for _, m := range []pcsc.ShareMode{pcsc.ShareShared, pcsc.ShareExclusive, pcsc.ShareDirect} {
		if m.String() == want {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown share mode %q", s)
}
