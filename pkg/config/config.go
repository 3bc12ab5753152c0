// Package config provides configuration loading and management for dicommesh.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// HTTP server parameters
	Server struct {
		// Addr is the listen address of the HTTP server
		Addr string `yaml:"addr"`

		// MaxUploadMB caps the size of a single upload request
		MaxUploadMB int64 `yaml:"maxUploadMB"`

		// AllowedOrigins lists the origins the mesh viewer may be served from
		AllowedOrigins []string `yaml:"allowedOrigins"`
	} `yaml:"server"`

	// Storage parameters
	Storage struct {
		// DataDir is the root directory for volume and mesh blobs
		DataDir string `yaml:"dataDir"`

		// HotCacheMB is the size of the in-memory mesh cache, 0 disables it
		HotCacheMB int `yaml:"hotCacheMB"`
	} `yaml:"storage"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many slices are parsed concurrently
		NumCores int `yaml:"numCores"`
	} `yaml:"processing"`

	// Mesh extraction parameters
	Mesh struct {
		// DefaultThreshold is the iso level computed eagerly at ingestion
		DefaultThreshold float64 `yaml:"defaultThreshold"`

		// ComputeNormals controls per-vertex normal estimation
		ComputeNormals bool `yaml:"computeNormals"`
	} `yaml:"mesh"`

	// Logging parameters
	Logging struct {
		// Mode is "development" or "production"
		Mode string `yaml:"mode"`

		// File enables a rotating log file when set
		File string `yaml:"file"`

		MaxSizeMB  int `yaml:"maxSizeMB"`
		MaxAgeDays int `yaml:"maxAgeDays"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Addr = ":5000"
	cfg.Server.MaxUploadMB = 512
	cfg.Server.AllowedOrigins = []string{"*"}

	cfg.Storage.DataDir = "data"
	cfg.Storage.HotCacheMB = 256

	cfg.Processing.NumCores = runtime.NumCPU()

	cfg.Mesh.DefaultThreshold = 0.5
	cfg.Mesh.ComputeNormals = true

	cfg.Logging.Mode = "development"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxAgeDays = 14

	return cfg
}

// Validate checks that the configuration values are usable
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must be set")
	}
	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("server.maxUploadMB must be positive, got %d", c.Server.MaxUploadMB)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.dataDir must be set")
	}
	if c.Storage.HotCacheMB < 0 {
		return fmt.Errorf("storage.hotCacheMB must not be negative, got %d", c.Storage.HotCacheMB)
	}
	if c.Processing.NumCores < 1 {
		return fmt.Errorf("processing.numCores must be at least 1, got %d", c.Processing.NumCores)
	}
	t := c.Mesh.DefaultThreshold
	if math.IsNaN(t) || t <= 0 || t >= 1 {
		return fmt.Errorf("mesh.defaultThreshold must be in (0, 1), got %v", t)
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}
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
