package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerRingBuffer(t *testing.T) {
	l := New(3, LevelDebug)
	for _, msg := range []string{"a", "b", "c", "d"} {
		l.log(LevelInfo, CatSystem, msg, nil)
	}

	entries := l.GetEntries(10, nil, nil)
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].Message != "b" || entries[2].Message != "d" {
		t.Errorf("entries = %q..%q, want b..d", entries[0].Message, entries[2].Message)
	}

	stats := l.Stats()
	if stats.Total != 3 || stats.Dropped != 1 || stats.Capacity != 3 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestLoggerFilters(t *testing.T) {
	l := New(10, LevelDebug)
	l.log(LevelDebug, CatDriver, "debug", nil)
	l.log(LevelWarn, CatCard, "warn", nil)
	l.log(LevelError, CatDriver, "error", nil)

	warn := LevelWarn
	if got := l.GetEntries(10, &warn, nil); len(got) != 2 {
		t.Errorf("level filter returned %d entries, want 2", len(got))
	}

	cat := CatDriver
	got := l.GetEntries(10, nil, &cat)
	if len(got) != 2 || got[0].Message != "debug" {
		t.Errorf("category filter returned %+v", got)
	}

	if got := l.GetEntries(1, nil, nil); len(got) != 1 || got[0].Message != "error" {
		t.Errorf("limit kept %+v, want the newest entry", got)
	}
}

func TestLoggerMinLevel(t *testing.T) {
	l := New(10, LevelInfo)
	l.log(LevelDebug, CatSystem, "hidden", nil)
	l.log(LevelInfo, CatSystem, "shown", nil)

	if got := l.GetEntries(10, nil, nil); len(got) != 1 {
		t.Errorf("got %d entries, want 1", len(got))
	}
}

func TestLoggerConsole(t *testing.T) {
	var buf bytes.Buffer
	l := New(10, LevelDebug)
	l.SetConsole(&buf)
	l.log(LevelWarn, CatReader, "reader gone", map[string]any{"reader": "ACS ACR122U"})

	out := buf.String()
	for _, want := range []string{"reader gone", "category=", "ACS ACR122U"} {
		if !strings.Contains(out, want) {
			t.Errorf("console output %q missing %q", out, want)
		}
	}
}

func TestLoggerClear(t *testing.T) {
	l := New(2, LevelDebug)
	l.log(LevelInfo, CatSystem, "a", nil)
	l.log(LevelInfo, CatSystem, "b", nil)
	l.log(LevelInfo, CatSystem, "c", nil)
	l.Clear()

	if got := l.GetEntries(10, nil, nil); len(got) != 0 {
		t.Errorf("after Clear got %d entries", len(got))
	}
	if s := l.Stats(); s.Total != 0 || s.Dropped != 0 {
		t.Errorf("after Clear Stats() = %+v", s)
	}
}
