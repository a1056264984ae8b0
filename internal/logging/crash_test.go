package logging

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func useCrashDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	SetCrashLogDir(dir)
	t.Cleanup(func() { SetCrashLogDir("") })
	return dir
}

func TestCrashLogDir(t *testing.T) {
	if dir := CrashLogDir(); dir == "" {
		t.Error("CrashLogDir returned empty string")
	}

	dir := useCrashDir(t)
	if got := CrashLogDir(); got != dir {
		t.Errorf("CrashLogDir() = %q, want override %q", got, dir)
	}
}

func TestWriteAndReadCrashLog(t *testing.T) {
	dir := useCrashDir(t)
	SetCrashContext("driver", "sim")

	path, err := WriteCrashLog("test panic value", []byte("test stack trace"))
	if err != nil {
		t.Fatalf("WriteCrashLog failed: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Errorf("crash log written to %q, want dir %q", path, dir)
	}

	content, err := ReadCrashLog(filepath.Base(path))
	if err != nil {
		t.Fatalf("ReadCrashLog failed: %v", err)
	}
	for _, want := range []string{"PC/SC Agent Crash Report", "test panic value", "test stack trace", "driver: sim"} {
		if !strings.Contains(content, want) {
			t.Errorf("crash log missing %q", want)
		}
	}

	logs, err := GetCrashLogs(10)
	if err != nil {
		t.Fatalf("GetCrashLogs failed: %v", err)
	}
	if len(logs) != 1 || logs[0].Name != filepath.Base(path) {
		t.Errorf("GetCrashLogs() = %+v, want the single written log", logs)
	}
}

func TestReadCrashLogRejectsPaths(t *testing.T) {
	useCrashDir(t)

	for _, name := range []string{"../crash_x.log", "/etc/passwd", "notes.txt"} {
		if _, err := ReadCrashLog(name); err == nil {
			t.Errorf("ReadCrashLog(%q) succeeded, want error", name)
		}
	}
}

func TestCleanupOldCrashLogs(t *testing.T) {
	tmpDir := t.TempDir()

	numFiles := MaxCrashLogs + 5
	for i := 0; i < numFiles; i++ {
		timestamp := time.Now().Add(time.Duration(-numFiles+i) * time.Hour).Format("2006-01-02_15-04-05")
		path := filepath.Join(tmpDir, "crash_"+timestamp+".log")
		if err := os.WriteFile(path, []byte("test"), 0644); err != nil {
			t.Fatalf("Failed to create test file: %v", err)
		}
	}

	nonCrashFile := filepath.Join(tmpDir, "other.log")
	if err := os.WriteFile(nonCrashFile, []byte("test"), 0644); err != nil {
		t.Fatalf("Failed to create non-crash file: %v", err)
	}

	cleanupCrashLogs(tmpDir, time.Now())

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatalf("Failed to read temp dir: %v", err)
	}

	crashLogCount := 0
	hasNonCrashFile := false
	for _, entry := range entries {
		if entry.Name() == "other.log" {
			hasNonCrashFile = true
		} else if isCrashLog(entry.Name()) {
			crashLogCount++
		}
	}

	if crashLogCount != MaxCrashLogs {
		t.Errorf("Expected %d crash logs, got %d", MaxCrashLogs, crashLogCount)
	}
	if !hasNonCrashFile {
		t.Error("Non-crash file was incorrectly deleted")
	}
}

func TestCleanupOldCrashLogsByAge(t *testing.T) {
	tmpDir := t.TempDir()

	oldFile := filepath.Join(tmpDir, "crash_2020-01-01_00-00-00.log")
	if err := os.WriteFile(oldFile, []byte("old"), 0644); err != nil {
		t.Fatalf("Failed to create old file: %v", err)
	}
	oldTime := time.Now().Add(-60 * 24 * time.Hour)
	if err := os.Chtimes(oldFile, oldTime, oldTime); err != nil {
		t.Fatalf("Failed to set mod time: %v", err)
	}

	recentFile := filepath.Join(tmpDir, "crash_2099-01-01_00-00-00.log")
	if err := os.WriteFile(recentFile, []byte("recent"), 0644); err != nil {
		t.Fatalf("Failed to create recent file: %v", err)
	}

	cleanupCrashLogs(tmpDir, time.Now())

	if _, err := os.Stat(oldFile); !errors.Is(err, os.ErrNotExist) {
		t.Error("Old crash log was not deleted")
	}
	if _, err := os.Stat(recentFile); err != nil {
		t.Error("Recent crash log was incorrectly deleted")
	}
}

func TestRecoverAndLogFunc(t *testing.T) {
	useCrashDir(t)

	var gotValue interface{}
	var gotFile string
	func() {
		defer RecoverAndLogFunc("test goroutine", false, func(v interface{}, file string) {
			gotValue, gotFile = v, file
		})
		panic("boom")
	}()

	if gotValue != "boom" {
		t.Errorf("onPanic value = %v, want boom", gotValue)
	}
	if gotFile == "" {
		t.Error("onPanic got no crash file")
	}
}
