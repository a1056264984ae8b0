// Package service registers the agent to start with the user's session.
package service

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/template"
)

const appName = "pcsc-agent"

var (
	ErrAlreadyInstalled = errors.New("auto-start already installed")
	ErrNotInstalled     = errors.New("auto-start not installed")
	ErrUnsupported      = errors.New("auto-start not supported on this platform")
)

// Service manages the agent's auto-start entry.
type Service interface {
	Install() error
	Uninstall() error
	IsInstalled() bool
	Status() (string, error)
}

// unit is the data the platform templates are rendered with.
type unit struct {
	Label          string
	ExecutablePath string
	Args           []string
	LogPath        string
	WorkingDir     string
}

func newUnit(label, logPath string) (unit, error) {
	execPath, err := os.Executable()
	if err != nil {
		return unit{}, fmt.Errorf("failed to get executable path: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return unit{}, fmt.Errorf("failed to resolve executable path: %w", err)
	}
	return unit{
		Label:          label,
		ExecutablePath: execPath,
		Args:           []string{"serve"},
		LogPath:        logPath,
		WorkingDir:     filepath.Dir(execPath),
	}, nil
}

func render(w io.Writer, name, text string, u unit) error {
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return fmt.Errorf("failed to parse %s template: %w", name, err)
	}
	if err := tmpl.Execute(w, u); err != nil {
		return fmt.Errorf("failed to write %s file: %w", name, err)
	}
	return nil
}

// writeFile renders a template to path, creating the directory.
func writeFile(path, name, text string, u unit) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s file: %w", name, err)
	}
	defer f.Close()
	return render(f, name, text, u)
}
