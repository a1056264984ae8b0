package service

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "unit.txt")
	u := unit{ExecutablePath: "/opt/pcsc-agent/bin/pcsc-agent", Args: []string{"serve", "-driver", "sim"}}

	err := writeFile(path, "test", "{{.ExecutablePath}}{{range .Args}} {{.}}{{end}}\n", u)
	if err != nil {
		t.Fatalf("writeFile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(data); got != "/opt/pcsc-agent/bin/pcsc-agent serve -driver sim\n" {
		t.Errorf("rendered %q", got)
	}
}

func TestRenderBadTemplate(t *testing.T) {
	var sb strings.Builder
	if err := render(&sb, "broken", "{{.Missing", unit{}); err == nil {
		t.Error("render() expected a parse error")
	}
}
