// Package logging provides the process-wide zap logger used by every
// RobustMQ subsystem. A single root logger is constructed at startup and
// sub-loggers are derived with Named for each component; the root is a
// single-assignment handle created during startup.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu   sync.RWMutex
	root *zap.Logger = zap.NewNop()
)

// Config controls how the root logger is constructed.
type Config struct {
	// Level is the minimum enabled level ("debug", "info", "warn", "error").
	Level string
	// Development enables human-friendly console output instead of JSON.
	Development bool
}

// Init replaces the process-wide root logger. Safe to call once at
// startup before any component calls Named.
func Init(cfg Config) error {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return err
		}
	}

	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	l, err := zcfg.Build()
	if err != nil {
		return err
	}

	mu.Lock()
	root = l
	mu.Unlock()
	return nil
}

// Named returns a sub-logger scoped to the given component name, e.g.
// logging.Named("consensus.metadata") or logging.Named("shard-writer").
func Named(name string) *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.Named(name)
}

// Sync flushes any buffered log entries. Call during shutdown.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	return root.Sync()
}
