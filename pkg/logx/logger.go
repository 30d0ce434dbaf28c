package logx

import (
	"io"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
}

// source yields the zerolog root a Logger writes through.
type source interface {
	root() zerolog.Logger
}

type fixed zerolog.Logger

func (f fixed) root() zerolog.Logger { return zerolog.Logger(f) }

// Logger is a structured logger with fixed fields. The zero value discards
// everything.
type Logger struct {
	src    source
	fields []Field
}

func Nop() Logger { return Logger{src: fixed(zerolog.Nop())} }

// NewWriter logs JSON lines to w.
func NewWriter(w io.Writer, level string) Logger {
	zl := zerolog.New(w).Level(ParseLevel(level, zerolog.DebugLevel)).With().Timestamp().Logger()
	return Logger{src: fixed(zl)}
}

func (l Logger) IsZero() bool { return l.src == nil && len(l.fields) == 0 }

// Zerolog returns the current root for hlog. With fields are not included.
func (l Logger) Zerolog() zerolog.Logger {
	if l.src == nil {
		return zerolog.Nop()
	}
	return l.src.root()
}

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	out := make([]Field, 0, len(l.fields)+len(fields))
	l.fields = append(append(out, l.fields...), fields...)
	return l
}

func (l Logger) Trace(msg string, fields ...Field) { l.emit(zerolog.TraceLevel, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	zl := l.Zerolog()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	// Skip emit and the level method to reach the call site.
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, set := range [][]Field{l.fields, fields} {
		for _, f := range set {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

// ParseLevel maps a level name, in any case, to zerolog. Unknown names give def.
func ParseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return def
}
