// Package config handles service configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/Faultbox/meshlive/internal/mesh"
	"github.com/Faultbox/meshlive/internal/watch"
)

// Config holds all service settings.
type Config struct {
	Watch   WatchConfig   `yaml:"watch"`
	Build   BuildConfig   `yaml:"build"`
	Kernel  KernelConfig  `yaml:"kernel"`
	Sync    SyncConfig    `yaml:"sync"`
	Server  ServerConfig  `yaml:"server"`
	Cache   CacheConfig   `yaml:"cache"`
	Logging LoggingConfig `yaml:"logging"`
}

// WatchConfig holds source watching settings.
type WatchConfig struct {
	Paths      []string      `yaml:"paths"`      // Files or directories to watch
	Debounce   time.Duration `yaml:"debounce"`   // Quiet period before a change counts
	Extensions []string      `yaml:"extensions"` // Allowed source extensions
}

// BuildConfig holds mesh build settings.
type BuildConfig struct {
	Timeout    time.Duration     `yaml:"timeout"`
	SizeFactor float64           `yaml:"size_factor"`
	Options    map[string]string `yaml:"options"`
}

// Params returns the initial build parameters.
func (b BuildConfig) Params() mesh.Params {
	return mesh.Params{SizeFactor: b.SizeFactor, Options: b.Options}
}

// Kernel types.
const (
	KernelFile = "file"
	KernelHTTP = "http"
	KernelExec = "exec"
)

// KernelConfig selects and configures the geometry kernel.
type KernelConfig struct {
	Type      string        `yaml:"type"`       // file, http or exec
	Endpoint  string        `yaml:"endpoint"`   // http: generation API URL
	Command   []string      `yaml:"command"`    // exec: argv with {input} {output} {size_factor}
	WorkDir   string        `yaml:"work_dir"`   // exec: working directory
	OutputExt string        `yaml:"output_ext"` // exec: generated file extension
	KillGrace time.Duration `yaml:"kill_grace"` // exec: interrupt to kill delay
}

// SyncConfig holds widget synchronization settings.
type SyncConfig struct {
	AckTimeout time.Duration `yaml:"ack_timeout"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"` // per websocket message
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// Cache types.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// CacheConfig holds build result cache settings.
type CacheConfig struct {
	Type          string        `yaml:"type"` // none, memory or redis
	Entries       int           `yaml:"entries"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	Prefix        string        `yaml:"prefix"`
	TTL           time.Duration `yaml:"ttl"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	LogFile string `yaml:"log_file"`
	JSON    bool   `yaml:"json"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Watch: WatchConfig{
			Debounce:   watch.DefaultDebounce,
			Extensions: append([]string(nil), watch.DefaultExtensions...),
		},
		Build: BuildConfig{
			Timeout:    mesh.DefaultTimeout,
			SizeFactor: mesh.DefaultParams().SizeFactor,
		},
		Kernel: KernelConfig{
			Type:      KernelFile,
			OutputExt: ".stl",
			KillGrace: 2 * time.Second,
		},
		Sync: SyncConfig{
			AckTimeout: 10 * time.Second,
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8765",
			ShutdownTimeout: 5 * time.Second,
			WriteTimeout:    10 * time.Second,
		},
		Cache: CacheConfig{
			Type:    CacheMemory,
			Entries: 32,
			Prefix:  "meshlive:mesh:",
			TTL:     24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:   "info",
			LogFile: "",
		},
	}
}

// Validate checks settings that would otherwise fail at runtime.
func (c *Config) Validate() error {
	var errs []error
	if c.Watch.Debounce <= 0 {
		errs = append(errs, errors.New("watch.debounce must be positive"))
	}
	if c.Build.Timeout <= 0 {
		errs = append(errs, errors.New("build.timeout must be positive"))
	}
	if err := c.Build.Params().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("build: %w", err))
	}
	switch c.Kernel.Type {
	case KernelFile:
	case KernelHTTP:
		if c.Kernel.Endpoint == "" {
			errs = append(errs, errors.New("kernel.endpoint is required for the http kernel"))
		}
	case KernelExec:
		if len(c.Kernel.Command) == 0 {
			errs = append(errs, errors.New("kernel.command is required for the exec kernel"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown kernel type %q", c.Kernel.Type))
	}
	switch c.Cache.Type {
	case CacheNone, CacheMemory:
	case CacheRedis:
		if c.Cache.RedisAddr == "" {
			errs = append(errs, errors.New("cache.redis_addr is required for the redis cache"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache type %q", c.Cache.Type))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	return errors.Join(errs...)
}
