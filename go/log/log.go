// Package log defines the logging functions (e.g. Info, Errorf, etc.) used
// throughout tileserv. It is a thin facade over zap so callers never carry a
// logger around.
package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var sugar *zap.SugaredLogger

func init() {
	sugar = newLogger("info").Sugar()
}

func newLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	// CallerSkip accounts for the facade functions below.
	logger, err := config.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(err)
	}
	return logger
}

// SetLevel replaces the process logger with one at the given level. Valid
// levels are "debug", "info", "warn" and "error".
func SetLevel(level string) {
	sugar = newLogger(level).Sugar()
}

// Functions to log at various levels. Functions ending in f use fmt.Sprintf
// to format the arguments.

func Debug(msg ...interface{}) {
	sugar.Debug(msg...)
}

func Debugf(format string, v ...interface{}) {
	sugar.Debugf(format, v...)
}

func Info(msg ...interface{}) {
	sugar.Info(msg...)
}

func Infof(format string, v ...interface{}) {
	sugar.Infof(format, v...)
}

func Warning(msg ...interface{}) {
	sugar.Warn(msg...)
}

func Warningf(format string, v ...interface{}) {
	sugar.Warnf(format, v...)
}

func Error(msg ...interface{}) {
	sugar.Error(msg...)
}

func Errorf(format string, v ...interface{}) {
	sugar.Errorf(format, v...)
}

// Fatal* exits the program after logging.
func Fatal(msg ...interface{}) {
	sugar.Fatal(msg...)
}

func Fatalf(format string, v ...interface{}) {
	sugar.Fatalf(format, v...)
}

// Flush flushes any buffered log entries.
func Flush() {
	_ = sugar.Sync()
}
