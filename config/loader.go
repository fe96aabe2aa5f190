package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

const (
	// ProjectConfigFile is the name of the project-level config file.
	ProjectConfigFile = "taskgate.yaml"
	// ConfigPathEnv overrides the config file location.
	ConfigPathEnv = "TASKGATE_CONFIG"
)

// Loader handles configuration loading with layered precedence.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. Config file (TASKGATE_CONFIG, or taskgate.yaml in current/parent dirs)
// 3. Environment variable overrides
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	path := l.ConfigPath()
	if path != "" {
		fileConfig, err := LoadFromFile(path)
		if err != nil {
			l.logger.Warn("Failed to load config file", slog.String("path", path), slog.String("error", err.Error()))
		} else {
			l.logger.Debug("Loaded config file", slog.String("path", path))
			config.Merge(fileConfig)
		}
	} else {
		l.logger.Debug("No config file found, using defaults")
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// ConfigPath returns the resolved config file path, or "" if none exists.
func (l *Loader) ConfigPath() string {
	if path := os.Getenv(ConfigPathEnv); path != "" {
		return path
	}
	return l.findProjectConfig()
}

// findProjectConfig searches for taskgate.yaml in current and parent directories.
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// applyEnvOverrides applies environment variables over the loaded config.
// Only connection-level settings are overridable this way; everything else
// belongs in the file.
func applyEnvOverrides(c *Config) {
	if v := os.Getenv("TASKGATE_LISTEN"); v != "" {
		c.HTTP.Listen = v
	}
	if v := os.Getenv("TASKGATE_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("TASKGATE_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("TASKGATE_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("TASKGATE_SESSION_TTL_SECONDS"); v != "" {
		if ttl, err := strconv.Atoi(v); err == nil {
			c.Session.TTLSeconds = ttl
		}
	}
}
