package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level is the severity of a log entry.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	}
	return "unknown"
}

// MarshalText makes levels readable in the /v1/logs output.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// ParseLevel parses "debug", "info", "warn" or "error".
func ParseLevel(s string) (Level, bool) {
	switch s {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	}
	return LevelInfo, false
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}

// Category groups log entries by subsystem.
type Category string

const (
	CatSystem    Category = "system"
	CatHTTP      Category = "http"
	CatWebSocket Category = "websocket"
	CatReader    Category = "reader"
	CatCard      Category = "card"
	CatDriver    Category = "driver"
)

// Entry is one log line kept in memory.
type Entry struct {
	ID        uint64         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Category  Category       `json:"category"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Stats summarizes the buffer.
type Stats struct {
	Total    int              `json:"total"`
	Capacity int              `json:"capacity"`
	Dropped  uint64           `json:"dropped"`
	ByLevel  map[string]int   `json:"byLevel"`
	ByCat    map[Category]int `json:"byCategory"`
}

// Logger keeps the most recent entries in a ring buffer and mirrors them
// to a zerolog console writer.
type Logger struct {
	mu       sync.RWMutex
	entries  []Entry
	next     int
	full     bool
	nextID   uint64
	dropped  uint64
	minLevel Level
	console  *zerolog.Logger
}

var (
	defaultLogger *Logger
	defaultOnce   sync.Once
)

// New creates a logger holding up to capacity entries at or above
// minLevel.
func New(capacity int, minLevel Level) *Logger {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Logger{
		entries:  make([]Entry, capacity),
		minLevel: minLevel,
	}
}

// Init replaces the global logger and attaches a console writer on stderr.
func Init(capacity int, minLevel Level) *Logger {
	l := New(capacity, minLevel)
	l.SetConsole(os.Stderr)
	defaultOnce.Do(func() {})
	defaultLogger = l
	return l
}

// Get returns the global logger, creating a quiet one on first use.
func Get() *Logger {
	defaultOnce.Do(func() {
		defaultLogger = New(1000, LevelDebug)
	})
	return defaultLogger
}

// SetConsole mirrors entries to w. A nil writer disables the mirror.
func (l *Logger) SetConsole(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w == nil {
		l.console = nil
		return
	}
	zl := zerolog.New(zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
	}).Level(l.minLevel.zerolog()).With().Timestamp().Logger()
	l.console = &zl
}

// SetLevel changes the minimum level for both the buffer and the console.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
	if l.console != nil {
		zl := l.console.Level(level.zerolog())
		l.console = &zl
	}
}

func (l *Logger) log(level Level, cat Category, msg string, data map[string]any) {
	l.mu.Lock()
	if level < l.minLevel {
		l.mu.Unlock()
		return
	}
	l.nextID++
	if l.full {
		l.dropped++
	}
	l.entries[l.next] = Entry{
		ID:        l.nextID,
		Timestamp: time.Now(),
		Level:     level,
		Category:  cat,
		Message:   msg,
		Data:      data,
	}
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	console := l.console
	l.mu.Unlock()

	if console != nil {
		ev := console.WithLevel(level.zerolog()).Str("category", string(cat))
		if len(data) > 0 {
			ev = ev.Fields(data)
		}
		ev.Msg(msg)
	}
}

// GetEntries returns up to limit of the newest entries, oldest first,
// optionally filtered by minimum level and category.
func (l *Logger) GetEntries(limit int, minLevel *Level, category *Category) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for _, e := range l.ordered() {
		if minLevel != nil && e.Level < *minLevel {
			continue
		}
		if category != nil && e.Category != *category {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (l *Logger) ordered() []Entry {
	if !l.full {
		return l.entries[:l.next]
	}
	out := make([]Entry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	return append(out, l.entries[:l.next]...)
}

func (l *Logger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := Stats{
		Capacity: len(l.entries),
		Dropped:  l.dropped,
		ByLevel:  map[string]int{},
		ByCat:    map[Category]int{},
	}
	for _, e := range l.ordered() {
		s.Total++
		s.ByLevel[e.Level.String()]++
		s.ByCat[e.Category]++
	}
	return s
}

// Clear drops every buffered entry.
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make([]Entry, len(l.entries))
	l.next = 0
	l.full = false
	l.dropped = 0
}

func Debug(cat Category, msg string, data map[string]any) { Get().log(LevelDebug, cat, msg, data) }
func Info(cat Category, msg string, data map[string]any) { Get().log(LevelInfo, cat, msg, data) }
func Warn(cat Category, msg string, data map[string]any) { Get().log(LevelWarn, cat, msg, data) }
func Error(cat Category, msg string, data map[string]any) { Get().log(LevelError, cat, msg, data) }
