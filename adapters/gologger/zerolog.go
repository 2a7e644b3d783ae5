package gologger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/rs/zerolog"
)

// ZerologConfig selects the daemon log sink.
type ZerologConfig struct {
	Level   string
	Console bool
	Output  io.Writer
}

// ZerologLogger implements glog.Logger on top of a zerolog.Logger.
// Key/value args are attached as structured fields.
type ZerologLogger struct {
	base zerolog.Logger
}

func NewZerologLogger(cfg ZerologConfig) *ZerologLogger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	base := zerolog.New(out).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
	return &ZerologLogger{base: base}
}

// FromZerolog wraps an already configured zerolog logger.
func FromZerolog(base zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{base: base}
}

// ParseLevel maps a config level name to zerolog, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *ZerologLogger) Trace(msg string, args ...any) { l.emit(l.base.Trace(), msg, args) }
func (l *ZerologLogger) Debug(msg string, args ...any) { l.emit(l.base.Debug(), msg, args) }
func (l *ZerologLogger) Info(msg string, args ...any)  { l.emit(l.base.Info(), msg, args) }
func (l *ZerologLogger) Warn(msg string, args ...any)  { l.emit(l.base.Warn(), msg, args) }
func (l *ZerologLogger) Error(msg string, args ...any) { l.emit(l.base.Error(), msg, args) }

// Fatal logs at fatal level without exiting; shutdown belongs to the caller.
func (l *ZerologLogger) Fatal(msg string, args ...any) {
	l.emit(l.base.WithLevel(zerolog.FatalLevel), msg, args)
}

func (l *ZerologLogger) WithContext(ctx context.Context) glog.Logger {
	if ctx == nil {
		return l
	}
	return &ZerologLogger{base: l.base.With().Ctx(ctx).Logger()}
}

func (l *ZerologLogger) WithFields(fields map[string]any) glog.Logger {
	if len(fields) == 0 {
		return l
	}
	return &ZerologLogger{base: l.base.With().Fields(fields).Logger()}
}

// Zerolog returns the underlying logger.
func (l *ZerologLogger) Zerolog() zerolog.Logger {
	return l.base
}

func (l *ZerologLogger) emit(event *zerolog.Event, msg string, args []any) {
	if event == nil {
		return
	}
	if len(args)%2 == 1 {
		args = append(args, "!MISSING")
	}
	if len(args) > 0 {
		event = event.Fields(args)
	}
	event.Msg(msg)
}

// ZerologProvider hands out named children of one zerolog sink.
type ZerologProvider struct {
	root *ZerologLogger
}

func NewZerologProvider(root *ZerologLogger) *ZerologProvider {
	if root == nil {
		root = NewZerologLogger(ZerologConfig{})
	}
	return &ZerologProvider{root: root}
}

func (p *ZerologProvider) GetLogger(name string) glog.Logger {
	name = strings.TrimSpace(name)
	if name == "" {
		return p.root
	}
	return &ZerologLogger{base: p.root.base.With().Str("logger", name).Logger()}
}

var (
	_ glog.Logger         = (*ZerologLogger)(nil)
	_ glog.FieldsLogger   = (*ZerologLogger)(nil)
	_ glog.LoggerProvider = (*ZerologProvider)(nil)
)
