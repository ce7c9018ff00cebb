// Package logging provides structured logging for the site builder.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.Mutex
	global *zap.Logger
)

// New builds a logger: JSON with ISO8601 "ts" timestamps in production,
// colored console output otherwise. An unparsable level keeps the default.
func New(production bool, level string) (*zap.Logger, error) {
	var cfg zap.Config
	if production {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if level != "" {
		if lvl, err := zapcore.ParseLevel(level); err == nil {
			cfg.Level = zap.NewAtomicLevelAt(lvl)
		}
	}
	return cfg.Build()
}

// Init builds the global logger from ENVIRONMENT and LOG_LEVEL. Later calls
// are no-ops.
func Init() {
	mu.Lock()
	defer mu.Unlock()
	if global != nil {
		return
	}
	l, err := New(os.Getenv("ENVIRONMENT") == "production", os.Getenv("LOG_LEVEL"))
	if err != nil {
		l = zap.NewNop()
	}
	global = l
}

// L returns the global logger, initializing it on first use.
func L() *zap.Logger {
	Init()
	mu.Lock()
	defer mu.Unlock()
	return global
}

// Sync flushes buffered entries. Call before exit.
func Sync() {
	mu.Lock()
	l := global
	mu.Unlock()
	if l != nil {
		_ = l.Sync()
	}
}

// Component returns the global logger tagged with a component name.
func Component(name string, fields ...zap.Field) *zap.Logger {
	return L().With(append([]zap.Field{zap.String("component", name)}, fields...)...)
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
