package logx

import (
	"io"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// JournalSink writes structured JSON lines via github.com/joeycumines/stumpy,
// the teacher's own logiface backend, satisfying the "system-journal" half
// of spec.md §4.2's "console / system-journal" sink duality without
// hand-rolling a second encoder.
type JournalSink struct {
	logger *logiface.Logger[*stumpy.Event]
	level  Level
}

// NewJournalSink builds a JSON sink emitting at level and above, writing
// one compact JSON object per entry to out.
func NewJournalSink(out io.Writer, level Level) *JournalSink {
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(out)),
		stumpy.L.WithLevel(toLogifaceLevel(level)),
	)
	return &JournalSink{logger: logger, level: level}
}

func toLogifaceLevel(l Level) logiface.Level {
	switch l {
	case Debug:
		return logiface.LevelDebug
	case Warning:
		return logiface.LevelWarning
	case Error:
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}

func (j *JournalSink) Enabled(level Level) bool { return level >= j.level }

// builderFor picks the logiface builder matching e's severity; the
// logger's own WithLevel gating (set in NewJournalSink) makes this safe
// to call even when Enabled would have said no, since Build returns nil
// rather than panicking and every Builder method tolerates a nil
// receiver.
func (j *JournalSink) builderFor(level Level) *logiface.Builder[*stumpy.Event] {
	switch level {
	case Debug:
		return j.logger.Debug()
	case Warning:
		return j.logger.Warning()
	case Error:
		return j.logger.Err()
	default:
		return j.logger.Info()
	}
}

func (j *JournalSink) Emit(e Entry) {
	b := j.builderFor(e.Level).Str("component", e.Component)
	if e.Err != nil {
		b = b.Err(e.Err)
	}
	for k, v := range e.Fields {
		b = b.Any(k, v)
	}
	b.Log(e.Message)
}
