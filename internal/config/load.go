package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load loads configuration with priority: defaults < file < environment < flags.
// Variables from the .env file are loaded into the environment first; values
// already set in the process environment win.
func Load() (*Config, error) {
	// Start with defaults
	cfg := Default()

	if err := loadEnvFile(EnvPath()); err != nil {
		return nil, err
	}

	// Try to load from file (explicit path takes priority)
	configPath := ConfigPath()
	if configPath == "" {
		configPath = findConfigFile()
	}

	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config from %s: %w", configPath, err)
		}
	}

	if err := applyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}

	// Apply CLI flags (highest priority)
	applyFlags(cfg)

	return cfg, nil
}

// loadEnvFile loads a .env file if it exists.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// applyEnv applies environment overrides. MESH_GENERATE_API selects the
// remote generation service; the rest use the MESHLIVE_ prefix.
func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("MESH_GENERATE_API"); v != "" {
		cfg.Kernel.Endpoint = v
		if getenv("MESHLIVE_KERNEL") == "" {
			cfg.Kernel.Type = KernelHTTP
		}
	}
	if v := getenv("MESHLIVE_KERNEL"); v != "" {
		cfg.Kernel.Type = v
	}
	if v := getenv("MESHLIVE_KERNEL_COMMAND"); v != "" {
		cfg.Kernel.Command = strings.Fields(v)
	}
	if v := getenv("MESHLIVE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := getenv("MESHLIVE_WATCH"); v != "" {
		cfg.Watch.Paths = filepath.SplitList(v)
	}
	if v := getenv("MESHLIVE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := getenv("MESHLIVE_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
		cfg.Cache.Type = CacheRedis
	}
	if v := getenv("MESHLIVE_REDIS_PASSWORD"); v != "" {
		cfg.Cache.RedisPassword = v
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"MESHLIVE_BUILD_TIMEOUT", &cfg.Build.Timeout},
		{"MESHLIVE_DEBOUNCE", &cfg.Watch.Debounce},
		{"MESHLIVE_ACK_TIMEOUT", &cfg.Sync.AckTimeout},
	}
	for _, d := range durations {
		v := getenv(d.name)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	if v := getenv("MESHLIVE_SIZE_FACTOR"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("MESHLIVE_SIZE_FACTOR: %w", err)
		}
		cfg.Build.SizeFactor = f
	}
	return nil
}

// findConfigFile looks for config in standard locations.
func findConfigFile() string {
	candidates := []string{
		"./meshlive.yaml",
		"./config.yaml",
		filepath.Join(ConfigDir(), "config.yaml"),
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ConfigDir returns the OS-appropriate config directory.
func ConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "Meshlive")
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "Meshlive")
	default: // Linux and others
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "meshlive")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "meshlive")
	}
}

// loadFromFile loads config from a YAML file, merging with existing values.
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
