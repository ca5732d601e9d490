// Package logging sets up the shared zap logger. Records below error level go to stdout,
// errors go to stderr.
package logging

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.Mutex
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logger = newLogger(zapcore.Lock(os.Stdout), zapcore.Lock(os.Stderr))
)

func newLogger(stdout, stderr zapcore.WriteSyncer) *zap.Logger {
	isErrorLevel := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel && level.Enabled(lvl)
	})
	isInfoLevel := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl < zapcore.ErrorLevel && level.Enabled(lvl)
	})
	config := zap.NewDevelopmentEncoderConfig()
	config.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	config.EncodeCaller = nil
	encoder := zapcore.NewConsoleEncoder(config)

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, stderr, isErrorLevel),
		zapcore.NewCore(encoder, stdout, isInfoLevel),
	)
	return zap.New(core)
}

// SetLevel changes the minimum level logged: debug, info, warn or error.
func SetLevel(name string) error {
	if name == "" {
		return nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return errors.Wrapf(err, "invalid log level %q", name)
	}
	level.SetLevel(lvl)
	return nil
}

// SetOutput redirects both streams, used by tests to capture the output.
func SetOutput(stdout, stderr zapcore.WriteSyncer) {
	mu.Lock()
	defer mu.Unlock()
	logger = newLogger(stdout, stderr)
}

// Named returns a sugared logger tagged with the component name.
func Named(name string) *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	return logger.Named(name).Sugar()
}

// Sync flushes any buffered output.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	logger.Sync()
}
