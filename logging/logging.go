// Package logging provides named zap loggers shared by the sync core.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a wrapper of zap.SugaredLogger.
type Logger = *zap.SugaredLogger

var (
	defaultLogger Logger
	logLevel      = zapcore.InfoLevel
	loggerOnce    sync.Once
)

// SetLogLevel sets the level used by loggers created afterwards
// ("debug", "info", "warn", "error").
func SetLogLevel(level string) error {
	switch strings.ToLower(level) {
	case "debug":
		logLevel = zapcore.DebugLevel
	case "info":
		logLevel = zapcore.InfoLevel
	case "warn":
		logLevel = zapcore.WarnLevel
	case "error":
		logLevel = zapcore.ErrorLevel
	default:
		return fmt.Errorf("invalid log level: %s", level)
	}

	return nil
}

// New creates a named logger.
func New(name string) Logger {
	return newLogger(name)
}

// DefaultLogger returns the shared fallback logger.
func DefaultLogger() Logger {
	loggerOnce.Do(func() {
		defaultLogger = newLogger("default")
	})

	return defaultLogger
}

// newLogger returns a new raw logger.
func newLogger(name string) Logger {
	encoderCfg := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.Lock(os.Stderr),
		logLevel,
	)

	return zap.New(core).Named(name).Sugar()
}
