package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

const (
	colorReset = "\x1b[0m"
	colorTime  = "\x1b[90m"
	colorDebug = "\x1b[36m"
	colorInfo  = "\x1b[32m"
	colorWarn  = "\x1b[33m"
	colorError = "\x1b[31m"
)

// tagColors colours messages that start with a known category tag.
var tagColors = map[string]string{
	TagBootstrap:    "\x1b[96m",
	TagAuth:         "\x1b[94m",
	TagQueue:        "\x1b[95m",
	TagNetwork:      "\x1b[92m",
	TagRetry:        "\x1b[93m",
	TagHTTP:         "\x1b[35m",
	TagStorage:      "\x1b[97m",
	TagConnectivity: "\x1b[34m",
}

// consoleHandler renders records as coloured single lines for terminals.
type consoleHandler struct {
	writer io.Writer
	level  slog.Level
	mu     sync.Mutex
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	timeStr := r.Time.Format("2006-01-02 15:04:05.000")
	msg := r.Message

	var b strings.Builder
	if tag, color, ok := matchTag(msg); ok {
		fmt.Fprintf(&b, "%s[%s]%s %s%s%s%s",
			colorTime, timeStr, colorReset,
			color, tag, colorReset, strings.TrimPrefix(msg, tag))
	} else {
		fmt.Fprintf(&b, "%s[%s]%s %s[%s]%s %s",
			colorTime, timeStr, colorReset,
			levelColor(r.Level), levelLabel(r.Level), colorReset,
			msg)
	}

	if r.NumAttrs() > 0 {
		b.WriteString(" {")
		r.Attrs(func(a slog.Attr) bool {
			fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
			return true
		})
		b.WriteString(" }")
	}
	b.WriteByte('\n')

	_, err := io.WriteString(h.writer, b.String())
	return err
}

func (h *consoleHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h *consoleHandler) WithGroup(string) slog.Handler { return h }

func matchTag(msg string) (string, string, bool) {
	if !strings.HasPrefix(msg, "[") {
		return "", "", false
	}
	end := strings.IndexByte(msg, ']')
	if end < 0 {
		return "", "", false
	}
	name := msg[1:end]
	color, ok := tagColors[name]
	if !ok {
		return "", "", false
	}
	return msg[:end+1], color, true
}

func levelLabel(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return "DEBUG"
	case slog.LevelWarn:
		return "WARN"
	case slog.LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func levelColor(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return colorDebug
	case slog.LevelWarn:
		return colorWarn
	case slog.LevelError:
		return colorError
	default:
		return colorInfo
	}
}
