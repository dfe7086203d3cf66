// Package logx implements the daemon's structured-logging sink (spec
// component C2): four severity levels, a thread-safe emit path, and a
// process-wide mutex guarding sink replacement.
//
// The sink abstraction is intentionally thin, so swapping the backing
// writer (console, JSON/journal, a test spy) never touches call sites that
// only depend on the Level/Entry/Sink types below. JournalSink is built on
// github.com/joeycumines/logiface (the generic structured-logging facade
// the teacher repository is built around); ConsoleSink writes its lines
// directly and does not go through logiface.
package logx

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level is the severity of a log entry, ordered Debug < Info < Warning < Error.
type Level int8

const (
	Debug Level = iota
	Info
	Warning
	Error
)

// String renders the level the way wpa_supplicant-adjacent tooling expects:
// upper-case. The names differ in length; ConsoleSink pads them to a
// fixed-width column.
func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	case Error:
		return "ERROR"
	default:
		return fmt.Sprintf("LEVEL(%d)", l)
	}
}

// Entry is one structured log record.
type Entry struct {
	Level     Level
	Component string // e.g. "dispatcher", "reqchan", "watcher"
	Message   string
	Fields    map[string]any
	Err       error
	Time      time.Time
}

// Sink consumes log entries. Implementations must be safe for concurrent
// Emit calls from any goroutine — the dispatcher's foreground, background
// workers, and the readiness-watcher thread all log independently.
type Sink interface {
	Emit(Entry)
	Enabled(Level) bool
}

var current struct {
	sync.Mutex
	sink Sink
}

func init() {
	current.sink = NewConsoleSink(os.Stderr, Info)
}

// SetSink atomically replaces the process-wide sink. Guarded by a single
// mutex, matching spec.md §4.2: "replacement of the sink itself is
// protected by a process-wide mutex."
func SetSink(s Sink) {
	current.Lock()
	defer current.Unlock()
	if s == nil {
		s = NewConsoleSink(os.Stderr, Info)
	}
	current.sink = s
}

func activeSink() Sink {
	current.Lock()
	defer current.Unlock()
	return current.sink
}

func emit(level Level, component, message string, err error, fields map[string]any) {
	s := activeSink()
	if !s.Enabled(level) {
		return
	}
	s.Emit(Entry{
		Level:     level,
		Component: component,
		Message:   message,
		Fields:    fields,
		Err:       err,
		Time:      time.Now(),
	})
}

// Debugf logs at Debug level.
func Debugf(component, format string, args ...any) {
	emit(Debug, component, fmt.Sprintf(format, args...), nil, nil)
}

// Infof logs at Info level.
func Infof(component, format string, args ...any) {
	emit(Info, component, fmt.Sprintf(format, args...), nil, nil)
}

// Warnf logs at Warning level.
func Warnf(component, format string, args ...any) {
	emit(Warning, component, fmt.Sprintf(format, args...), nil, nil)
}

// Errorf logs at Error level, optionally carrying the causing error.
func Errorf(component string, err error, format string, args ...any) {
	emit(Error, component, fmt.Sprintf(format, args...), err, nil)
}

// WithFields logs at the given level with a structured field map attached,
// for call sites that want fielded output rather than a formatted string.
func WithFields(level Level, component, message string, fields map[string]any) {
	emit(level, component, message, nil, fields)
}

// ConsoleSink writes colourised, human-readable lines to an io.Writer.
//
// Grounded on eventloop/logging.go's DefaultLogger.logPretty: level colour,
// millisecond timestamp, component tag, then the message and any fields.
type ConsoleSink struct {
	mu    sync.Mutex
	out   io.Writer
	level Level
}

// NewConsoleSink builds a console sink emitting at level and above.
func NewConsoleSink(out io.Writer, level Level) *ConsoleSink {
	return &ConsoleSink{out: out, level: level}
}

func (c *ConsoleSink) Enabled(level Level) bool { return level >= c.level }

const (
	ansiReset  = "\033[0m"
	ansiDim    = "\033[2m"
	ansiDebug  = "\033[90m"
	ansiInfo   = "\033[36m"
	ansiWarn   = "\033[33m"
	ansiError  = "\033[31m"
)

func colorFor(l Level) string {
	switch l {
	case Debug:
		return ansiDebug
	case Info:
		return ansiInfo
	case Warning:
		return ansiWarn
	case Error:
		return ansiError
	default:
		return ansiReset
	}
}

func (c *ConsoleSink) Emit(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	color := colorFor(e.Level)
	fmt.Fprintf(c.out, "%s%-7s%s %s [%-10s] %s",
		color, e.Level, ansiReset,
		e.Time.Format("15:04:05.000"),
		e.Component,
		e.Message,
	)
	if len(e.Fields) > 0 {
		fmt.Fprint(c.out, ansiDim)
		for k, v := range e.Fields {
			fmt.Fprintf(c.out, " %s=%v", k, v)
		}
		fmt.Fprint(c.out, ansiReset)
	}
	if e.Err != nil {
		fmt.Fprintf(c.out, " %s%v%s\n", ansiError, e.Err, ansiReset)
	} else {
		fmt.Fprintln(c.out)
	}
}
