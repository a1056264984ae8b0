//go:build linux

package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// The agent talks to pcscd, so the user unit orders itself after the
// daemon's socket.
const serviceTemplate = `[Unit]
Description=PC/SC Agent - Local smart card reader service
After=pcscd.socket
Wants=pcscd.socket

[Service]
Type=simple
ExecStart={{.ExecutablePath}}{{range .Args}} {{.}}{{end}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`

type linuxService struct{}

// New creates a new platform-specific service manager
func New() Service {
	return &linuxService{}
}

func (s *linuxService) servicePath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "systemd", "user", appName+".service")
}

func systemctl(args ...string) error {
	cmd := exec.Command("systemctl", append([]string{"--user"}, args...)...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("systemctl %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(output)), err)
	}
	return nil
}

func (s *linuxService) Install() error {
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}

	u, err := newUnit(appName, "")
	if err != nil {
		return err
	}
	if err := writeFile(s.servicePath(), "systemd unit", serviceTemplate, u); err != nil {
		return err
	}

	if err := systemctl("daemon-reload"); err != nil {
		return err
	}
	return systemctl("enable", "--now", appName+".service")
}

func (s *linuxService) Uninstall() error {
	if !s.IsInstalled() {
		return ErrNotInstalled
	}

	// Ignore errors if the unit is not loaded
	_ = systemctl("disable", "--now", appName+".service")

	if err := os.Remove(s.servicePath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove systemd unit: %w", err)
	}
	_ = systemctl("daemon-reload")
	return nil
}

func (s *linuxService) IsInstalled() bool {
	_, err := os.Stat(s.servicePath())
	return err == nil
}

func (s *linuxService) Status() (string, error) {
	if !s.IsInstalled() {
		return "not installed", nil
	}

	out, err := exec.Command("systemctl", "--user", "is-active", appName+".service").Output()
	state := strings.TrimSpace(string(out))
	if err != nil || state != "active" {
		if state == "" {
			state = "unknown"
		}
		return fmt.Sprintf("installed but not running (%s)", state), nil
	}
	return "running", nil
}
