package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/SimplyPrint/pcsc-agent/internal/logging"
	"github.com/SimplyPrint/pcsc-agent/pkg/pcsc"
)

// isolate points every lookup at an empty temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)
	t.Setenv("AppData", dir)
	for _, k := range []string{
		"PCSC_AGENT_CONFIG", "PCSC_AGENT_HOST", "PCSC_AGENT_PORT", "PCSC_AGENT_DRIVER",
		"PCSC_AGENT_SCOPE", "PCSC_AGENT_SHARE_MODE", "PCSC_AGENT_LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
	return dir
}

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Address() != "127.0.0.1:32145" {
		t.Errorf("Address() = %q", cfg.Address())
	}
	if cfg.Driver != "auto" || cfg.Scope != pcsc.ScopeSystem || cfg.ShareMode != pcsc.ShareShared {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.Path != "" {
		t.Errorf("Path = %q, want empty without a file", cfg.Path)
	}
}

func TestLoadFile(t *testing.T) {
	dir := isolate(t)
	path := writeFile(t, dir, `
host = "0.0.0.0"
port = 9000
driver = "sim"
scope = "user"
share_mode = "exclusive"
log_level = "debug"
poll_interval = "500ms"
transmit_retries = 5
allowed_origins = ["https://simplyprint.io"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Address() != "0.0.0.0:9000" {
		t.Errorf("Address() = %q", cfg.Address())
	}
	if cfg.Driver != "sim" {
		t.Errorf("Driver = %q", cfg.Driver)
	}
	if cfg.Scope != pcsc.ScopeUser {
		t.Errorf("Scope = %d", cfg.Scope)
	}
	if cfg.ShareMode != pcsc.ShareExclusive {
		t.Errorf("ShareMode = %s", cfg.ShareMode)
	}
	if cfg.LogLevel != logging.LevelDebug {
		t.Errorf("LogLevel = %s", cfg.LogLevel)
	}
	if cfg.PollInterval != 500*time.Millisecond {
		t.Errorf("PollInterval = %s", cfg.PollInterval)
	}
	if cfg.TransmitRetries != 5 {
		t.Errorf("TransmitRetries = %d", cfg.TransmitRetries)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://simplyprint.io" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	// Keys absent from the file keep their defaults.
	if cfg.LogCapacity != 1000 {
		t.Errorf("LogCapacity = %d", cfg.LogCapacity)
	}
	if cfg.Path != path {
		t.Errorf("Path = %q", cfg.Path)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := isolate(t)
	path := writeFile(t, dir, "port = 9000\ndriver = \"scard\"\n")
	t.Setenv("PCSC_AGENT_CONFIG", path)
	t.Setenv("PCSC_AGENT_PORT", "9100")
	t.Setenv("PCSC_AGENT_DRIVER", "sim")
	t.Setenv("PCSC_AGENT_SCOPE", "terminal")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 9100 || cfg.Driver != "sim" || cfg.Scope != pcsc.ScopeTerminal {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
	}{
		{name: "bad toml", file: "port = ="},
		{name: "bad scope", file: `scope = "planet"`},
		{name: "direct share mode", file: `share_mode = "direct"`},
		{name: "bad poll interval", file: `poll_interval = "soon"`},
		{name: "short poll interval", file: `poll_interval = "1ms"`},
		{name: "port out of range", file: "port = 70000"},
		{name: "bad env port", env: map[string]string{"PCSC_AGENT_PORT": "http"}},
		{name: "bad env level", env: map[string]string{"PCSC_AGENT_LOG_LEVEL": "loud"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := isolate(t)
			path := ""
			if tt.file != "" {
				path = writeFile(t, dir, tt.file)
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(path); err == nil {
				t.Error("Load() expected error")
			}
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	dir := isolate(t)
	if _, err := Load(filepath.Join(dir, "nope.toml")); err == nil {
		t.Error("Load() expected error for a missing explicit file")
	}
}

func TestParseShareMode(t *testing.T) {
	for in, want := range map[string]pcsc.ShareMode{
		"shared":    pcsc.ShareShared,
		"Exclusive": pcsc.ShareExclusive,
		" direct ":  pcsc.ShareDirect,
	} {
		got, err := ParseShareMode(in)
		if err != nil || got != want {
			t.Errorf("ParseShareMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseShareMode("open"); err == nil {
		t.Error("ParseShareMode(open) expected error")
	}
}
