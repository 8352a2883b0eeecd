// Package monitoring is the diagnostic logging hook shared by the drivers,
// the instrument and the journal. Entries go to the standard log package
// until the binary installs a zap backend with UseZap.
package monitoring

import "log"

// Level is the severity of one diagnostic entry.
type Level int8

const (
	DebugLevel Level = iota - 1
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	}
	return "info"
}

// Sink receives every entry with its level.
type Sink func(level Level, format string, v ...any)

var sink Sink = stdSink

// stdSink prefixes warnings and errors so they stand out in plain logs.
func stdSink(level Level, format string, v ...any) {
	switch level {
	case WarnLevel, ErrorLevel:
		log.Printf(level.String()+": "+format, v...)
	default:
		log.Printf(format, v...)
	}
}

// SetLogger replaces the sink and returns the previous one. Passing nil
// mutes all entries.
func SetLogger(s Sink) Sink {
	previous := sink
	if s == nil {
		s = func(Level, string, ...any) {}
	}
	sink = s
	return previous
}

// Debugf logs protocol-level detail.
func Debugf(format string, v ...any) { sink(DebugLevel, format, v...) }

// Logf logs routine device activity at info level.
func Logf(format string, v ...any) { sink(InfoLevel, format, v...) }

// Warnf logs a failure the caller recovered from.
func Warnf(format string, v ...any) { sink(WarnLevel, format, v...) }

// Errorf logs a failure that lost data or left a device in an unknown state.
func Errorf(format string, v ...any) { sink(ErrorLevel, format, v...) }
