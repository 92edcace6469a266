// Package config provides configuration loading and management for qctmask.
// It handles loading configuration from YAML files, environment overrides and
// provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"qctmask/internal/models"
)

// Environment variables that override file values
const (
	EnvConfigPath = "QCTMASK_CONFIG"
	EnvWorkers    = "QCTMASK_WORKERS"
	EnvLogLevel   = "QCTMASK_LOG_LEVEL"
)

// DefaultPath is used when neither a flag nor QCTMASK_CONFIG names a file
const DefaultPath = "qctmask.yaml"

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters shared by every recipe
	Processing struct {
		// Workers is the number of goroutines used by morphology and resampling
		Workers int `yaml:"workers"`

		// LogLevel is a zerolog level name
		LogLevel string `yaml:"logLevel"`

		// SaveIntermediate writes every stage output next to the final result
		SaveIntermediate bool `yaml:"saveIntermediate"`

		// IntermediateDir is where stage outputs go when SaveIntermediate is set
		IntermediateDir string `yaml:"intermediateDir"`
	} `yaml:"processing"`

	// Bone mask recipe
	Bone struct {
		// Threshold is the lowest intensity counted as bone, in HU
		Threshold float64 `yaml:"threshold"`

		// KernelRadius is the dilation radius in voxels
		KernelRadius int `yaml:"kernelRadius"`
	} `yaml:"bone"`

	// Hand mask smoothing recipe
	Hand struct {
		KernelRadius int `yaml:"kernelRadius"`
	} `yaml:"hand"`

	// Body mask recipe. Unset bounds are nil.
	Body struct {
		Lower       *float64 `yaml:"lower"`
		Upper       *float64 `yaml:"upper"`
		KeepLargest bool     `yaml:"keepLargest"`
	} `yaml:"body"`

	// Generic threshold tool
	Threshold struct {
		InValue  float64 `yaml:"inValue"`
		OutValue float64 `yaml:"outValue"`
	} `yaml:"threshold"`

	// Overlap metrics output
	Metrics struct {
		Delimiter string `yaml:"delimiter"`
	} `yaml:"metrics"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.Workers = runtime.NumCPU()
	cfg.Processing.LogLevel = "info"
	cfg.Processing.SaveIntermediate = false
	cfg.Processing.IntermediateDir = "intermediate_results"

	cfg.Bone.Threshold = 250
	cfg.Bone.KernelRadius = 5

	cfg.Hand.KernelRadius = 1

	upper := -200.0
	cfg.Body.Upper = &upper

	cfg.Threshold.InValue = 127
	cfg.Threshold.OutValue = 0

	cfg.Metrics.Delimiter = ","

	return cfg
}

// Validate checks the values that every recipe relies on
func (c *Config) Validate() error {
	if c.Processing.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d: %w", c.Processing.Workers, models.ErrInvalidParameter)
	}
	if c.Bone.KernelRadius < 1 {
		return fmt.Errorf("bone kernel radius must be at least 1, got %d: %w", c.Bone.KernelRadius, models.ErrInvalidParameter)
	}
	if c.Hand.KernelRadius < 1 {
		return fmt.Errorf("hand kernel radius must be at least 1, got %d: %w", c.Hand.KernelRadius, models.ErrInvalidParameter)
	}
	if c.Metrics.Delimiter == "" {
		return fmt.Errorf("metrics delimiter must not be empty: %w", models.ErrInvalidParameter)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// Load reads an optional .env file, resolves the config path (explicit path,
// then QCTMASK_CONFIG, then DefaultPath), loads it and applies environment
// overrides.
func Load(explicitPath string) (*Config, error) {
	// a missing .env is fine
	_ = godotenv.Load()

	path := explicitPath
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = DefaultPath
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides values from environment variables looked up with getenv
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv(EnvWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s=%q is not an integer: %w", EnvWorkers, v, models.ErrInvalidParameter)
		}
		c.Processing.Workers = n
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Processing.LogLevel = v
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
