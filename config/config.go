package config

import (
	"time"

	"github.com/iobaixas/nack/pool"
)

// Config is the top-level shape loaded by internal/conf. Http and Pool
// are squashed so their fields live at the top level of the config
// file/environment/flags, matching the teacher's nested-config
// convention.
type Config struct {
	// LogLevel is the zap level name (debug, info, warn, error).
	LogLevel string `conf:"log_level"`

	// LogFormat selects zap's console or json encoder.
	LogFormat string `conf:"log_format"`

	// Http configures the embedding HTTP server.
	Http HttpConfig `conf:",squash"`

	// Pool configures the worker pool.
	Pool PoolConfig `conf:",squash"`
}

// HttpConfig configures the local-development HTTP listener.
type HttpConfig struct {
	Host string `conf:"host"`
	Port int    `conf:"port"`
	H2c  bool   `conf:"h2c"`
}

// PoolConfig is the config-file shape of pool.Options. Idle is a
// duration string (e.g. "30s") rather than time.Duration directly,
// since koanf's confmap/env/file providers unmarshal it as a plain
// string without an explicit decode hook.
type PoolConfig struct {
	Size    int               `conf:"size"`
	Program string            `conf:"program"`
	Idle    string            `conf:"idle"`
	Cwd     string            `conf:"cwd"`
	Env     map[string]string `conf:"env"`
	Debug   bool              `conf:"debug"`
}

// ToPoolOptions converts the config-file shape into pool.Options. An
// unparseable Idle is treated as disabled rather than rejected, since
// it only ever disables a watchdog, never a required setting.
func (c PoolConfig) ToPoolOptions() pool.Options {
	idle, _ := time.ParseDuration(c.Idle)
	return pool.Options{
		Size:    c.Size,
		Program: c.Program,
		Idle:    idle,
		Cwd:     c.Cwd,
		Env:     c.Env,
		Debug:   c.Debug,
	}
}

// Defaults returns this package's own defaults, namespaced for
// internal/conf.MergeDefaults.
func Defaults() map[string]any {
	return map[string]any{
		"log_level":  "info",
		"log_format": "console",
		"host":       "127.0.0.1",
		"port":       8080,
		"h2c":        true,
		"size":       2,
		"program":    "nack_worker",
		"idle":       "0s",
	}
}
