package logx

import (
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/rs/zerolog"
)

// ComponentKey is the field written by Named.
const ComponentKey = "comp"

// Logger is a value-type handle onto a Service or a fixed zerolog logger.
// The zero Logger discards everything.
type Logger struct {
	svc   *Service
	fixed *zerolog.Logger

	comp   string
	fields []Field
}

// Nop returns a logger that never writes.
func Nop() Logger {
	zl := zerolog.Nop()
	return Logger{fixed: &zl}
}

// NewConsole returns a standalone console logger for use before a Service
// exists.
func NewConsole(level string) Logger {
	setGlobals()
	zl := zerolog.New(consoleWriter(Stdout())).Level(ParseLevel(level, LevelInfo)).With().Timestamp().Logger()
	return Logger{fixed: &zl}
}

func (l Logger) IsZero() bool { return l.svc == nil && l.fixed == nil && l.comp == "" && len(l.fields) == 0 }

// Named returns a logger tagged with component comp, replacing any earlier
// component. A Service level override for comp applies to it and to loggers
// derived from it.
func (l Logger) Named(comp string) Logger {
	l.comp = comp
	return l
}

// With returns a logger that writes fields on every event.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.fields = make([]Field, 0, len(l.fields)+len(fields))
	cp.fields = append(append(cp.fields, l.fields...), fields...)
	return cp
}

func (l Logger) target() (zerolog.Logger, Level) {
	switch {
	case l.svc != nil:
		st := l.svc.load()
		return st.root, st.levelFor(l.comp)
	case l.fixed != nil:
		return *l.fixed, l.fixed.GetLevel()
	}
	return zerolog.Nop(), zerolog.Disabled
}

// Enabled reports whether an event at level would be written.
func (l Logger) Enabled(level Level) bool {
	zl, floor := l.target()
	return level >= floor && level >= zl.GetLevel() && zl.GetLevel() != zerolog.Disabled
}

func (l Logger) Trace(msg string, fields ...Field) { l.emit(LevelTrace, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(LevelError, msg, fields) }

func (l Logger) emit(level Level, msg string, fields []Field) {
	zl, floor := l.target()
	if level < floor {
		return
	}
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	if l.comp != "" {
		e.Str(ComponentKey, l.comp)
	}
	apply(e, l.fields)
	apply(e, fields)
	e.Msg(msg)
}
