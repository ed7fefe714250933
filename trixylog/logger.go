// Package trixylog provides a small leveled logger used throughout trixy.
// Every Node, Endpoint, and Listener forks a child logger scoped to its own
// identity so log output reads as a trace of the chain that produced it.
package trixylog

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
)

// Level selects how much spew reaches the underlying writer.
type Level int

// Level constants, ordered from least to most verbose.
const (
	LevelUnknown Level = iota
	LevelPanic
	LevelFatal
	LevelError
	LevelWarning
	LevelInfo
	LevelDebug
	LevelTrace
)

var levelNames = [...]string{"unknown", "panic", "fatal", "error", "warning", "info", "debug", "trace"}

var namesToLevel = func() map[string]Level {
	m := make(map[string]Level, len(levelNames))
	for i, name := range levelNames {
		m[name] = Level(i)
	}
	return m
}()

// ParseLevel converts a case-insensitive level name ("info", "debug", ...)
// to a Level, for flag and config parsing.
func ParseLevel(s string) (Level, error) {
	lvl, ok := namesToLevel[strings.ToLower(s)]
	if !ok || lvl == LevelUnknown {
		return LevelUnknown, fmt.Errorf("trixylog: unrecognized level %q", s)
	}
	return lvl, nil
}

func (l Level) String() string {
	if l < LevelUnknown || l > LevelTrace {
		return levelNames[LevelUnknown]
	}
	return levelNames[l]
}

// Logger is a leveled, prefix-scoped logging sink. Fork derives a child
// logger whose prefix is extended with a sub-component's own identity; this
// is how a Node's logger becomes
// "trixyd: listener(127.0.0.1:1080): inbound(127.0.0.1:50312)".
type Logger interface {
	// Log emits args at level if the logger's level permits it. LevelPanic
	// panics after logging; LevelFatal calls os.Exit(1) after logging.
	Log(level Level, args ...interface{})
	Logf(level Level, f string, args ...interface{})

	Panic(args ...interface{})
	Panicf(f string, args ...interface{})
	Fatal(args ...interface{})
	Fatalf(f string, args ...interface{})

	ELog(args ...interface{})
	ELogf(f string, args ...interface{})
	WLog(args ...interface{})
	WLogf(f string, args ...interface{})
	ILog(args ...interface{})
	ILogf(f string, args ...interface{})
	DLog(args ...interface{})
	DLogf(f string, args ...interface{})
	TLog(args ...interface{})
	TLogf(f string, args ...interface{})

	// PanicOnError panics with err's message, with this logger's prefix
	// attached, if err is non-nil. It is a no-op otherwise.
	PanicOnError(err error)

	// Error/Errorf build an *error* carrying this logger's prefix; they do
	// not by themselves emit anything to the log.
	Error(args ...interface{}) error
	Errorf(f string, args ...interface{}) error

	Sprint(args ...interface{}) string
	Sprintf(f string, args ...interface{}) string

	// Fork returns a new Logger whose prefix is this logger's prefix plus
	// the formatted suffix, joined by ": ".
	Fork(f string, args ...interface{}) Logger

	Prefix() string
	GetLevel() Level
	SetLevel(level Level)
}

const defaultFlags = log.Ldate | log.Ltime

type stdLogger struct {
	prefix    string
	prefixSep string
	out       *log.Logger
	level     Level
}

// New creates a root Logger that writes to os.Stderr with the standard date
// and time flags.
func New(prefix string, level Level) Logger {
	return newWithFlags(prefix, defaultFlags, level)
}

func newWithFlags(prefix string, flags int, level Level) Logger {
	l := &stdLogger{prefix: prefix, out: log.New(os.Stderr, "", flags), level: level}
	if prefix != "" {
		l.prefixSep = prefix + ": "
	}
	return l
}

func (l *stdLogger) Prefix() string    { return l.prefix }
func (l *stdLogger) GetLevel() Level   { return l.level }
func (l *stdLogger) SetLevel(lv Level) { l.level = lv }

func (l *stdLogger) Sprint(args ...interface{}) string {
	return l.prefixSep + fmt.Sprint(args...)
}

func (l *stdLogger) Sprintf(f string, args ...interface{}) string {
	return l.prefixSep + fmt.Sprintf(f, args...)
}

// Log is the one place level filtering, panic, and exit semantics live; all
// the ELog/WLog/... convenience methods funnel through it.
func (l *stdLogger) Log(level Level, args ...interface{}) {
	if level > l.level && level > LevelFatal {
		return
	}
	msg := l.Sprint(args...)
	l.out.Print(msg)
	switch level {
	case LevelFatal:
		os.Exit(1)
	case LevelPanic:
		panic(msg)
	}
}

func (l *stdLogger) Logf(level Level, f string, args ...interface{}) {
	if level > l.level && level > LevelFatal {
		return
	}
	msg := l.Sprintf(f, args...)
	l.out.Print(msg)
	switch level {
	case LevelFatal:
		os.Exit(1)
	case LevelPanic:
		panic(msg)
	}
}

func (l *stdLogger) Panic(args ...interface{})         { l.Log(LevelPanic, args...) }
func (l *stdLogger) Panicf(f string, a ...interface{}) { l.Logf(LevelPanic, f, a...) }
func (l *stdLogger) Fatal(args ...interface{})         { l.Log(LevelFatal, args...) }
func (l *stdLogger) Fatalf(f string, a ...interface{}) { l.Logf(LevelFatal, f, a...) }

func (l *stdLogger) ELog(args ...interface{})          { l.Log(LevelError, args...) }
func (l *stdLogger) ELogf(f string, a ...interface{})  { l.Logf(LevelError, f, a...) }
func (l *stdLogger) WLog(args ...interface{})          { l.Log(LevelWarning, args...) }
func (l *stdLogger) WLogf(f string, a ...interface{})  { l.Logf(LevelWarning, f, a...) }
func (l *stdLogger) ILog(args ...interface{})          { l.Log(LevelInfo, args...) }
func (l *stdLogger) ILogf(f string, a ...interface{})  { l.Logf(LevelInfo, f, a...) }
func (l *stdLogger) DLog(args ...interface{})          { l.Log(LevelDebug, args...) }
func (l *stdLogger) DLogf(f string, a ...interface{})  { l.Logf(LevelDebug, f, a...) }
func (l *stdLogger) TLog(args ...interface{})          { l.Log(LevelTrace, args...) }
func (l *stdLogger) TLogf(f string, a ...interface{})  { l.Logf(LevelTrace, f, a...) }

func (l *stdLogger) PanicOnError(err error) {
	if err != nil {
		l.Panic(err)
	}
}

func (l *stdLogger) Error(args ...interface{}) error {
	return errors.New(l.Sprint(args...))
}

func (l *stdLogger) Errorf(f string, args ...interface{}) error {
	return errors.New(l.Sprintf(f, args...))
}

// Fork creates a child logger. This logger's prefix is prepended to the
// formatted suffix, exactly like stitching a new path segment onto this
// logger's prefix.
func (l *stdLogger) Fork(f string, args ...interface{}) Logger {
	args = append([]interface{}{l.prefix}, args...)
	child := newWithFlags(fmt.Sprintf("%s: "+f, args...), defaultFlags, l.level)
	return child
}
