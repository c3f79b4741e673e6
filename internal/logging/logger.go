// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

// Package logging provides centralized zerolog-based logging for the supervisor.
//
// Every subsystem takes a *zerolog.Logger explicitly (per the "no ambient
// singletons" design note) but this package also exposes a package-level
// convenience logger for call sites — such as init() in cmd/supervisor —
// that run before any Supervisor exists.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config controls how the global and per-component loggers are built.
type Config struct {
	// Level is the minimum log level: trace, debug, info, warn, error, fatal, panic.
	Level string

	// Format is the output format: json or console.
	Format string

	// Caller includes caller file:line in every record.
	Caller bool

	// Output defaults to os.Stderr.
	Output io.Writer
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "json",
		Caller: false,
		Output: os.Stderr,
	}
}

var (
	mu     sync.RWMutex
	global zerolog.Logger
)

func init() {
	global = New(DefaultConfig())
}

// New builds a standalone zerolog.Logger from Config. Use this for
// component loggers (e.g. logging.New(cfg).With().Str("component",
// "failover").Logger()) rather than mutating package state.
func New(cfg Config) zerolog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var w io.Writer = cfg.Output
	if strings.EqualFold(cfg.Format, "console") {
		w = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	if cfg.Caller {
		logger = logger.With().Caller().Logger()
	}
	return logger
}

// Init replaces the package-level global logger. Call once at process
// startup; safe to call again in tests.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	global = New(cfg)
}

// Logger returns the current package-level global logger.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// WithComponent returns a child of the global logger tagged with a
// component field — the supervisor convention for subsystem loggers
// (failover, discovery, lifecycle, ...).
func WithComponent(component string) zerolog.Logger {
	return Logger().With().Str("component", component).Logger()
}
