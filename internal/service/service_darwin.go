//go:build darwin

package service

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

const agentLabel = "com.simplyprint.pcsc-agent"

// The agent talks to com.apple.ctkpcscd, so it runs in the user's GUI
// session rather than as a system daemon.
const launchAgentPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>{{.Label}}</string>
	<key>ProgramArguments</key>
	<array>
		<string>{{.ExecutablePath}}</string>
{{- range .Args}}
		<string>{{.}}</string>
{{- end}}
	</array>
	<key>ProcessType</key>
	<string>Background</string>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<dict>
		<key>SuccessfulExit</key>
		<false/>
	</dict>
	<key>ThrottleInterval</key>
	<integer>10</integer>
	<key>WorkingDirectory</key>
	<string>{{.WorkingDir}}</string>
	<key>StandardOutPath</key>
	<string>{{.LogPath}}/pcsc-agent.log</string>
	<key>StandardErrorPath</key>
	<string>{{.LogPath}}/pcsc-agent.err</string>
</dict>
</plist>
`

type launchAgent struct {
	home   string
	domain string // gui/<uid>
}

// New returns the LaunchAgent manager for the current user.
func New() Service {
	home, _ := os.UserHomeDir()
	return &launchAgent{
		home:   home,
		domain: "gui/" + strconv.Itoa(os.Getuid()),
	}
}

func (a *launchAgent) plist() string {
	return filepath.Join(a.home, "Library", "LaunchAgents", agentLabel+".plist")
}

func (a *launchAgent) target() string { return a.domain + "/" + agentLabel }

func launchctl(args ...string) ([]byte, error) {
	out, err := exec.Command("launchctl", args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("launchctl %s: %s: %w", args[0], bytes.TrimSpace(out), err)
	}
	return out, nil
}

func (a *launchAgent) Install() error {
	if a.IsInstalled() {
		return ErrAlreadyInstalled
	}

	logs := filepath.Join(a.home, "Library", "Logs", "PCSC-Agent")
	if err := os.MkdirAll(logs, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	u, err := newUnit(agentLabel, logs)
	if err != nil {
		return err
	}
	if err := writeFile(a.plist(), "plist", launchAgentPlist, u); err != nil {
		return err
	}

	if _, err := launchctl("bootstrap", a.domain, a.plist()); err != nil {
		return err
	}
	return nil
}

func (a *launchAgent) Uninstall() error {
	if !a.IsInstalled() {
		return ErrNotInstalled
	}

	// Not loaded is fine.
	_, _ = launchctl("bootout", a.target())

	if err := os.Remove(a.plist()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", a.plist(), err)
	}
	return nil
}

func (a *launchAgent) IsInstalled() bool {
	_, err := os.Stat(a.plist())
	return err == nil
}

func (a *launchAgent) Status() (string, error) {
	if !a.IsInstalled() {
		return "not installed", nil
	}
	out, err := launchctl("print", a.target())
	switch {
	case err != nil:
		return "installed but not loaded", nil
	case bytes.Contains(out, []byte("state = running")):
		return "running", nil
	default:
		return "loaded", nil
	}
}
