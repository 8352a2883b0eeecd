package monitoring

import (
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOptions configures the zap logger behind Logf.
type LogOptions struct {
	// Level is debug, info, warn or error. Empty means info.
	Level string
	// Format is "json" or "console". Empty means console.
	Format string
	// File, when set, receives a rotated copy of every entry.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Console is the terminal sink. Nil means stderr.
	Console io.Writer
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}

// NewLogger builds a zap logger writing to the console and, optionally, a
// lumberjack rotated file. The returned closer flushes and closes the file.
func NewLogger(opts LogOptions) (*zap.Logger, io.Closer) {
	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     func(t time.Time, enc zapcore.PrimitiveArrayEncoder) { enc.AppendString(t.Format(time.RFC3339Nano)) },
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	var encoder zapcore.Encoder
	if strings.ToLower(opts.Format) == "json" {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	sinks := []zapcore.WriteSyncer{zapcore.AddSync(console)}
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
		sinks = append(sinks, zapcore.AddSync(lj))
		closer = lj
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), parseLevel(opts.Level))
	return zap.New(core, zap.AddCaller()), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// UseZap routes the package log functions through l, keeping each entry's
// level so the logger's level filter applies.
func UseZap(l *zap.Logger) {
	// Skip the sink closure and Logf/Warnf/... so callers are reported.
	s := l.WithOptions(zap.AddCallerSkip(2)).Sugar()
	SetLogger(func(level Level, format string, v ...any) {
		switch level {
		case DebugLevel:
			s.Debugf(format, v...)
		case WarnLevel:
			s.Warnf(format, v...)
		case ErrorLevel:
			s.Errorf(format, v...)
		default:
			s.Infof(format, v...)
		}
	})
}
