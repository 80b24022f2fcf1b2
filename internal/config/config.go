// Package config holds process-wide defaults read from the environment.
// Libraries never depend on it directly for behavior; it only seeds the
// option structs callers can override.
package config

import (
	"log/slog"
	"os"
	"strings"

	"github.com/xyproto/env/v2"
)

// Environment variables.
const (
	EnvStrict           = "PEGO_STRICT"
	EnvOptimizeStrings  = "PEGO_OPTIMIZE_STRINGS"
	EnvLogLevel         = "PEGO_LOG_LEVEL"
	EnvFileAlignment    = "PEGO_FILE_ALIGNMENT"
	EnvSectionAlignment = "PEGO_SECTION_ALIGNMENT"
)

// Defaults used when the corresponding variable is unset.
const (
	DefaultFileAlignment    = 0x200
	DefaultSectionAlignment = 0x2000
)

// Config is a snapshot of the environment.
type Config struct {
	Strict           bool
	OptimizeStrings  bool
	LogLevel         slog.Level
	FileAlignment    uint32
	SectionAlignment uint32
}

// Load reads the current environment. The env cache is reloaded first so
// that variables set since the previous call are seen.
func Load() Config {
	env.Load()
	c := Config{
		Strict:           env.Bool(EnvStrict),
		OptimizeStrings:  env.Bool(EnvOptimizeStrings),
		LogLevel:         ParseLevel(env.Str(EnvLogLevel, "warn")),
		FileAlignment:    alignment(env.Int(EnvFileAlignment, DefaultFileAlignment), DefaultFileAlignment),
		SectionAlignment: alignment(env.Int(EnvSectionAlignment, DefaultSectionAlignment), DefaultSectionAlignment),
	}
	return c
}

// Logger returns a text logger on stderr at the configured level.
func (c Config) Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: c.LogLevel}))
}

// ParseLevel maps a level name to a slog level. Unknown names map to warn.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// alignment rejects values that are not a positive power of two.
func alignment(v, fallback int) uint32 {
	if v <= 0 || v&(v-1) != 0 || v > 1<<30 {
		return uint32(fallback)
	}
	return uint32(v)
}
