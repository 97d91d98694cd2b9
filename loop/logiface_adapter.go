package loop

import (
	"github.com/joeycumines/logiface"
)

// logifaceEvent is the minimal [logiface.Event] implementation backing
// [NewLogifaceLogger]. It buffers fields until the entry is flushed by the
// configured writer.
type logifaceEvent struct {
	logiface.UnimplementedEvent
	level  logiface.Level
	msg    string
	err    error
	fields map[string]any
}

func (e *logifaceEvent) Level() logiface.Level { return e.level }

func (e *logifaceEvent) AddField(key string, val any) {
	if e.fields == nil {
		e.fields = make(map[string]any, 4)
	}
	e.fields[key] = val
}

func (e *logifaceEvent) AddMessage(msg string) bool {
	e.msg = msg
	return true
}

func (e *logifaceEvent) AddError(err error) bool {
	e.err = err
	return true
}

func toLogifaceLevel(l LogLevel) logiface.Level {
	switch l {
	case LevelDebug:
		return logiface.LevelDebug
	case LevelInfo:
		return logiface.LevelInformational
	case LevelWarn:
		return logiface.LevelWarning
	case LevelError:
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}

func fromLogifaceLevel(l logiface.Level) LogLevel {
	switch {
	case l >= logiface.LevelDebug:
		return LevelDebug
	case l >= logiface.LevelInformational:
		return LevelInfo
	case l >= logiface.LevelWarning:
		return LevelWarn
	default:
		return LevelError
	}
}

// logifaceLogger adapts a [logiface.Logger] into the [Logger] interface,
// letting callers who already standardized on logiface plug their sink
// straight into the driver.
type logifaceLogger struct {
	logger   *logiface.Logger[*logifaceEvent]
	minLevel LogLevel
}

// NewLogifaceLogger builds a [Logger] backed by logiface, writing entries
// through writeFn once they're flushed. minLevel gates which [LogLevel]s
// are forwarded to logiface at all.
func NewLogifaceLogger(minLevel LogLevel, writeFn func(entry LogEntry)) Logger {
	factory := logiface.NewEventFactoryFunc(func(level logiface.Level) *logifaceEvent {
		return &logifaceEvent{level: level}
	})
	writer := logiface.NewWriterFunc(func(event *logifaceEvent) error {
		writeFn(LogEntry{
			Level:   fromLogifaceLevel(event.Level()),
			Message: event.msg,
			Fields:  event.fields,
			Err:     event.err,
		})
		return nil
	})
	l := logiface.New[*logifaceEvent](
		logiface.WithEventFactory[*logifaceEvent](factory),
		logiface.WithWriter[*logifaceEvent](writer),
	)
	return &logifaceLogger{logger: l, minLevel: minLevel}
}

// IsEnabled implements [Logger].
func (l *logifaceLogger) IsEnabled(level LogLevel) bool {
	return level >= l.minLevel && toLogifaceLevel(level).Enabled()
}

// Log implements [Logger].
func (l *logifaceLogger) Log(entry LogEntry) {
	if !l.IsEnabled(entry.Level) {
		return
	}
	b := l.logger.Build(toLogifaceLevel(entry.Level))
	if b == nil {
		return
	}
	for k, v := range entry.Fields {
		b = b.Any(k, v)
	}
	if entry.Err != nil {
		b = b.Err(entry.Err)
	}
	b.Log(entry.Message)
}
