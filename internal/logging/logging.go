// Package logging is the node's leveled logger. It is a printf-style front
// over log/slog with one extra level, notice, between info and error.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Level is a log severity. Messages below a Logger's minimum level are dropped.
type Level = slog.Level

const (
	LevelDebug  Level = slog.LevelDebug
	LevelInfo   Level = slog.LevelInfo
	LevelNotice Level = slog.LevelInfo + 2
	LevelError  Level = slog.LevelError
)

// ParseLevel maps a level name ("debug", "info", "notice", "error") to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "notice":
		return LevelNotice, nil
	case "error":
		return LevelError, nil
	}
	return LevelDebug, fmt.Errorf("ParseLevel: unknown level %q", s)
}

// levelName prints LevelNotice as NOTICE instead of slog's INFO+2.
func levelName(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelNotice {
		a.Value = slog.StringValue("NOTICE")
	}
	return a
}

// Logger writes one slog text record per message, tagged with the
// component that logged it.
//
// A nil *Logger is valid and discards everything, so components can be
// constructed without a sink (tests, tools).
type Logger struct {
	handler slog.Handler
	sl      *slog.Logger
}

// New returns a Logger tagged with tag that writes to stderr.
func New(tag string, min Level) *Logger {
	return NewWriter(os.Stderr, tag, min)
}

// NewWriter returns a Logger that writes to w.
func NewWriter(w io.Writer, tag string, min Level) *Logger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       min,
		ReplaceAttr: levelName,
	})
	return newLogger(h, tag)
}

func newLogger(h slog.Handler, tag string) *Logger {
	return &Logger{handler: h, sl: slog.New(h).With("tag", tag)}
}

// With returns a Logger sharing the same sink and level under another tag.
func (l *Logger) With(tag string) *Logger {
	if l == nil {
		return nil
	}
	return newLogger(l.handler, tag)
}

// Slog returns the underlying *slog.Logger, or nil for a nil Logger.
func (l *Logger) Slog() *slog.Logger {
	if l == nil {
		return nil
	}
	return l.sl
}

func (l *Logger) Debugf(format string, args ...any)  { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)   { l.logf(LevelInfo, format, args...) }
func (l *Logger) Noticef(format string, args ...any) { l.logf(LevelNotice, format, args...) }
func (l *Logger) Errorf(format string, args ...any)  { l.logf(LevelError, format, args...) }

func (l *Logger) logf(level Level, format string, args ...any) {
	ctx := context.Background()
	if l == nil || !l.sl.Enabled(ctx, level) {
		return
	}
	l.sl.Log(ctx, level, fmt.Sprintf(format, args...))
}
