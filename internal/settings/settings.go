// Package settings persists user preferences that can change while the
// agent runs (through the HTTP API), as opposed to startup config.
package settings

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// Settings holds user preferences that persist across restarts.
type Settings struct {
	CrashReporting bool `json:"crashReporting"`
	// HiddenReaders are reader names the agent neither lists nor monitors.
	HiddenReaders []string `json:"hiddenReaders,omitempty"`
}

var (
	current      *Settings
	mu           sync.RWMutex
	pathOverride string
)

// DefaultSettings returns the default settings. Crash reporting is opt-in.
func DefaultSettings() *Settings {
	return &Settings{}
}

// SetPath stores settings at path instead of the user config dir.
func SetPath(path string) {
	mu.Lock()
	defer mu.Unlock()
	pathOverride = path
	current = nil
}

func settingsPath() (string, error) {
	if pathOverride != "" {
		return pathOverride, nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "pcsc-agent", "settings.json"), nil
}

// Load reads settings from disk. A missing file yields defaults; any other
// failure yields defaults together with the error.
func Load() (*Settings, error) {
	mu.Lock()
	defer mu.Unlock()
	return loadLocked()
}

func loadLocked() (*Settings, error) {
	current = DefaultSettings()

	path, err := settingsPath()
	if err != nil {
		return current, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return current, nil
		}
		return current, err
	}

	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return current, err
	}
	current = &s
	return current, nil
}

func saveLocked() error {
	if current == nil {
		current = DefaultSettings()
	}
	path, err := settingsPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Save writes the current settings to disk.
func Save() error {
	mu.Lock()
	defer mu.Unlock()
	return saveLocked()
}

// Get returns a copy of the current settings, loading them on first use.
func Get() Settings {
	mu.RLock()
	if current != nil {
		s := clone(current)
		mu.RUnlock()
		return s
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		_, _ = loadLocked()
	}
	return clone(current)
}

func clone(s *Settings) Settings {
	out := *s
	out.HiddenReaders = slices.Clone(s.HiddenReaders)
	return out
}

// Update applies fn to the settings and saves them.
func Update(fn func(*Settings)) error {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		_, _ = loadLocked()
	}
	fn(current)
	return saveLocked()
}

// SetCrashReporting updates the crash reporting preference and saves.
func SetCrashReporting(enabled bool) error {
	return Update(func(s *Settings) { s.CrashReporting = enabled })
}

// IsCrashReportingEnabled returns whether crash reporting is enabled.
func IsCrashReportingEnabled() bool {
	return Get().CrashReporting
}

// SetHiddenReaders replaces the hidden reader list and saves.
func SetHiddenReaders(names []string) error {
	names = slices.Clone(names)
	slices.Sort(names)
	names = slices.Compact(names)
	return Update(func(s *Settings) { s.HiddenReaders = names })
}

// IsReaderHidden reports whether name is on the hidden list.
func IsReaderHidden(name string) bool {
	return slices.Contains(Get().HiddenReaders, name)
}
