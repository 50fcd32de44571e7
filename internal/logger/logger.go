package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"execstore/internal/errors"
)

// Ensure implementations satisfy the interface.
var (
	_ Logger = &nopLogger{}
	_ Logger = &zapLogger{}
)

// Logger represents an interface for a shared logger.
type Logger interface {
	Printf(format string, v ...interface{})
	Debugf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
	// WithPrefix returns a new Logger with the same configuration as
	// this one, but all logs will have the given prefix.
	WithPrefix(prefix string) Logger
}

// NopLogger represents a Logger that doesn't do anything.
var NopLogger Logger = &nopLogger{}

type nopLogger struct{}

func (n *nopLogger) Printf(format string, v ...interface{}) {}
func (n *nopLogger) Debugf(format string, v ...interface{}) {}
func (n *nopLogger) Infof(format string, v ...interface{})  {}
func (n *nopLogger) Warnf(format string, v ...interface{})  {}
func (n *nopLogger) Errorf(format string, v ...interface{}) {}

func (n *nopLogger) WithPrefix(prefix string) Logger {
	return n
}

// zapLogger adapts a zap.SugaredLogger to Logger.
type zapLogger struct {
	s      *zap.SugaredLogger
	prefix string
}

// NewZapLogger builds a production zap logger at the given level
// (debug, info, warn, error). An empty level means info.
func NewZapLogger(level string) (Logger, error) {
	lvl := zapcore.InfoLevel
	if strings.TrimSpace(level) != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			return nil, errors.Wrapf(err, "parsing log level %q", level)
		}
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	z, err := cfg.Build()
	if err != nil {
		return nil, errors.Wrap(err, "building zap logger")
	}
	return &zapLogger{s: z.Sugar()}, nil
}

// NewFromZap wraps an existing zap logger, mostly for tests using zaptest.
func NewFromZap(z *zap.Logger) Logger {
	return &zapLogger{s: z.Sugar()}
}

func (l *zapLogger) Printf(format string, v ...interface{}) {
	l.s.Infof(l.prefix+format, v...)
}

func (l *zapLogger) Debugf(format string, v ...interface{}) {
	l.s.Debugf(l.prefix+format, v...)
}

func (l *zapLogger) Infof(format string, v ...interface{}) {
	l.s.Infof(l.prefix+format, v...)
}

func (l *zapLogger) Warnf(format string, v ...interface{}) {
	l.s.Warnf(l.prefix+format, v...)
}

func (l *zapLogger) Errorf(format string, v ...interface{}) {
	l.s.Errorf(l.prefix+format, v...)
}

func (l *zapLogger) WithPrefix(prefix string) Logger {
	return &zapLogger{s: l.s, prefix: l.prefix + prefix}
}

// OrNop returns l, or NopLogger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return NopLogger
	}
	return l
}
