// Package logging sets up caredesk's zerolog output: a daily log file, an
// optional console writer on stderr and a bounded history of recent
// entries for the REPL.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents logging levels
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogEntry is one line of the in-memory history
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Component string `json:"component"`
	Message   string `json:"message"`
	Data      string `json:"data,omitempty"`
}

// Config holds logger configuration
type Config struct {
	LogDir     string   // default ~/.caredesk/logs
	Level      LogLevel // default info
	MaxHistory int      // default 500
	Console    bool     // also log to stderr
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		LogDir:     filepath.Join(home, ".caredesk", "logs"),
		Level:      LevelInfo,
		MaxHistory: 500,
	}
}

// Logger owns the log file and history. Components log through the
// zerolog.Logger returned by Zerolog or Component.
type Logger struct {
	zlog    zerolog.Logger
	file    *os.File
	logPath string
	history *history
}

// New opens today's log file and builds the writer chain.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.LogDir == "" {
		cfg.LogDir = DefaultConfig().LogDir
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 500
	}

	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	logPath := filepath.Join(cfg.LogDir, fmt.Sprintf("caredesk_%s.log", time.Now().Format("2006-01-02")))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	hist := newHistory(cfg.MaxHistory)
	writers := []io.Writer{file, hist}
	if cfg.Console {
		// stdout belongs to the REPL
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	SetLevel(cfg.Level)

	l := &Logger{
		zlog: zerolog.New(zerolog.MultiLevelWriter(writers...)).With().
			Timestamp().
			Str("app", "caredesk").
			Logger(),
		file:    file,
		logPath: logPath,
		history: hist,
	}
	l.Info("logging", "Logger initialized", map[string]interface{}{
		"file":  logPath,
		"level": string(cfg.Level),
	})
	return l, nil
}

// SetLevel changes the global minimum level. Unknown values fall back to info.
func SetLevel(level LogLevel) {
	switch LogLevel(strings.ToLower(string(level))) {
	case LevelDebug:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case LevelWarn:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case LevelError:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// GetHistory returns up to limit of the most recent entries, oldest first.
// limit <= 0 returns everything kept.
func (l *Logger) GetHistory(limit int) []LogEntry {
	return l.history.last(limit)
}

// GetLogPath returns the current log file path
func (l *Logger) GetLogPath() string {
	return l.logPath
}

// Close flushes a final entry and closes the file
func (l *Logger) Close() error {
	l.Info("logging", "Logger shutting down", nil)
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Component returns a zerolog.Logger with the component field set
func (l *Logger) Component(name string) zerolog.Logger {
	return l.zlog.With().Str("component", name).Logger()
}

// Zerolog returns the underlying zerolog.Logger
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

func (l *Logger) Debug(component, msg string, data map[string]interface{}) {
	l.write(l.zlog.Debug(), component, msg, data)
}

func (l *Logger) Info(component, msg string, data map[string]interface{}) {
	l.write(l.zlog.Info(), component, msg, data)
}

func (l *Logger) Warn(component, msg string, data map[string]interface{}) {
	l.write(l.zlog.Warn(), component, msg, data)
}

func (l *Logger) Error(component, msg string, err error, data map[string]interface{}) {
	l.write(l.zlog.Error().Err(err), component, msg, data)
}

func (l *Logger) write(event *zerolog.Event, component, msg string, data map[string]interface{}) {
	event.Str("component", component).Fields(data).Msg(msg)
}

// history is a ring of decoded entries fed by the JSON writer chain, so
// it sees every component's output at or above the global level.
type history struct {
	mu      sync.RWMutex
	entries []LogEntry
	max     int
}

func newHistory(max int) *history {
	return &history{entries: make([]LogEntry, 0, max), max: max}
}

// fields zerolog or the wrapper always set; the rest go into Data
var reserved = map[string]bool{
	zerolog.TimestampFieldName: true,
	zerolog.LevelFieldName:     true,
	zerolog.MessageFieldName:   true,
	"component":                true,
	"app":                      true,
}

func (h *history) Write(p []byte) (int, error) {
	var fields map[string]any
	if err := json.Unmarshal(p, &fields); err != nil {
		// not ours to fail the write chain over
		return len(p), nil
	}

	entry := LogEntry{
		Timestamp: time.Now().Format("15:04:05.000"),
		Level:     str(fields[zerolog.LevelFieldName]),
		Component: str(fields["component"]),
		Message:   str(fields[zerolog.MessageFieldName]),
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		if !reserved[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	entry.Data = strings.Join(parts, ", ")

	h.mu.Lock()
	h.entries = append(h.entries, entry)
	if len(h.entries) > h.max {
		h.entries = h.entries[len(h.entries)-h.max:]
	}
	h.mu.Unlock()
	return len(p), nil
}

func (h *history) last(limit int) []LogEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if limit <= 0 || limit > len(h.entries) {
		limit = len(h.entries)
	}
	out := make([]LogEntry, limit)
	copy(out, h.entries[len(h.entries)-limit:])
	return out
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
