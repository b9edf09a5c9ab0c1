package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Category tags recognised by the console handler.
const (
	TagBootstrap    = "Bootstrap"
	TagAuth         = "Auth"
	TagQueue        = "Queue"
	TagNetwork      = "Network"
	TagRetry        = "Retry"
	TagHTTP         = "HTTP"
	TagStorage      = "Storage"
	TagConnectivity = "Connectivity"
)

// Interface is the minimal logger domain packages depend on.
type Interface interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config captures logging configuration options.
type Config struct {
	Level    string    `yaml:"level" mapstructure:"level"`
	Dir      string    `yaml:"dir" mapstructure:"dir"`
	Filename string    `yaml:"filename" mapstructure:"filename"`
	Console  io.Writer `yaml:"-" mapstructure:"-"`
}

// Logger writes JSON lines to a daily-rotated file and coloured text to the console.
type Logger struct {
	cfg         Config
	level       slog.Level
	json        *slog.Logger
	console     *slog.Logger
	file        *os.File
	currentDate string
	mu          sync.RWMutex
	ticker      *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// New opens the log file under cfg.Dir and starts the rotation checker.
func New(cfg Config) (*Logger, error) {
	if cfg.Dir == "" {
		cfg.Dir = "logs"
	}
	if cfg.Filename == "" {
		cfg.Filename = "postkeeper.log"
	}
	if cfg.Console == nil {
		cfg.Console = os.Stdout
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(cfg.Dir, cfg.Filename)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	level := ParseLevel(cfg.Level)
	l := &Logger{
		cfg:         cfg,
		level:       level,
		json:        slog.New(slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})),
		console:     slog.New(&consoleHandler{writer: cfg.Console, level: level}),
		file:        file,
		currentDate: time.Now().Format("2006-01-02"),
		stopCh:      make(chan struct{}),
	}
	l.startRotationChecker()
	return l, nil
}

// ParseLevel maps a config string onto a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Close stops rotation and closes the active file.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if l.ticker != nil {
			l.ticker.Stop()
		}
		close(l.stopCh)
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.file != nil {
			err = l.file.Close()
			l.file = nil
		}
	})
	return err
}

// Slog exposes the console logger for integrations that want slog directly.
func (l *Logger) Slog() *slog.Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.console
}

// Debug logs at debug level. A message containing '%' is treated as a format
// string; otherwise a leading map[string]any argument becomes structured fields.
func (l *Logger) Debug(msg string, args ...any) { l.dispatch(slog.LevelDebug, msg, args...) }

func (l *Logger) Info(msg string, args ...any) { l.dispatch(slog.LevelInfo, msg, args...) }

func (l *Logger) Warn(msg string, args ...any) { l.dispatch(slog.LevelWarn, msg, args...) }

func (l *Logger) Error(msg string, args ...any) { l.dispatch(slog.LevelError, msg, args...) }

func (l *Logger) DebugTag(tag, msg string, args ...any) {
	l.dispatch(slog.LevelDebug, FormatLog(tag, msg), args...)
}

func (l *Logger) InfoTag(tag, msg string, args ...any) {
	l.dispatch(slog.LevelInfo, FormatLog(tag, msg), args...)
}

func (l *Logger) WarnTag(tag, msg string, args ...any) {
	l.dispatch(slog.LevelWarn, FormatLog(tag, msg), args...)
}

func (l *Logger) ErrorTag(tag, msg string, args ...any) {
	l.dispatch(slog.LevelError, FormatLog(tag, msg), args...)
}

// Tagged returns an Interface that prefixes every message with tag.
func (l *Logger) Tagged(tag string) Interface {
	return tagged{inner: l, tag: tag}
}

// FormatLog builds "[tag] message" unless message already carries a tag.
func FormatLog(tag, message string) string {
	tag = strings.TrimSpace(tag)
	message = strings.TrimSpace(message)
	if tag == "" || strings.HasPrefix(message, "[") {
		return message
	}
	return fmt.Sprintf("[%s] %s", tag, message)
}

func (l *Logger) dispatch(level slog.Level, msg string, args ...any) {
	if l == nil || level < l.level {
		return
	}
	if len(args) > 0 && strings.Contains(msg, "%") {
		l.write(level, fmt.Sprintf(msg, args...), nil)
		return
	}
	l.write(level, msg, fieldAttrs(args))
}

func (l *Logger) write(level slog.Level, msg string, attrs []slog.Attr) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ctx := context.Background()
	if l.file != nil {
		l.json.LogAttrs(ctx, level, msg, attrs...)
	}
	l.console.LogAttrs(ctx, level, msg, attrs...)
}

func fieldAttrs(args []any) []slog.Attr {
	if len(args) == 0 || args[0] == nil {
		return nil
	}
	fields, ok := args[0].(map[string]any)
	if !ok {
		return []slog.Attr{slog.Any("fields", args[0])}
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, fields[k]))
	}
	return attrs
}

type tagged struct {
	inner *Logger
	tag   string
}

func (t tagged) Debug(msg string, args ...any) { t.inner.DebugTag(t.tag, msg, args...) }
func (t tagged) Info(msg string, args ...any)  { t.inner.InfoTag(t.tag, msg, args...) }
func (t tagged) Warn(msg string, args ...any)  { t.inner.WarnTag(t.tag, msg, args...) }
func (t tagged) Error(msg string, args ...any) { t.inner.ErrorTag(t.tag, msg, args...) }

type discard struct{}

func (discard) Debug(string, ...any) {}
func (discard) Info(string, ...any)  {}
func (discard) Warn(string, ...any)  {}
func (discard) Error(string, ...any) {}

// Discard returns a logger that drops everything.
func Discard() Interface { return discard{} }

// OrDiscard returns l, or Discard when l is nil.
func OrDiscard(l Interface) Interface {
	if l == nil {
		return discard{}
	}
	return l
}
