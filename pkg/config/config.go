// Package config loads the ThreadMesh daemon configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/threadmesh/threadmesh/pkg/security"
)

// Config represents the complete daemon configuration
type Config struct {
	Security SecurityConfig `yaml:"security"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	API      APIConfig      `yaml:"api"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SecurityConfig holds key-management policy settings
type SecurityConfig struct {
	KeyRotationHours     uint32 `yaml:"key_rotation_hours"`      // hours between automatic rotations
	KeySwitchGuardHours  uint32 `yaml:"key_switch_guard_hours"`  // minimum hours between +1 advances
	SecurityPolicyFlags  uint8  `yaml:"security_policy_flags"`   // policy bit set, default 0xff
	FrameCounterWindow   uint32 `yaml:"frame_counter_window"`    // persisted counter headroom
	AutoRotationDisabled bool   `yaml:"auto_rotation_disabled"`  // leave the rotation timer stopped
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// RedisConfig holds Redis mirror settings
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"` // mirror entry TTL
}

// APIConfig holds the security-event WebSocket endpoint settings
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	var config Config
	config.setDefaults()
	return &config
}

// setDefaults sets default values for optional config fields
func (c *Config) setDefaults() {
	if c.Security.KeyRotationHours == 0 {
		c.Security.KeyRotationHours = security.DefaultKeyRotationTime
	}
	if c.Security.KeySwitchGuardHours == 0 {
		c.Security.KeySwitchGuardHours = security.DefaultKeySwitchGuardTime
	}
	if c.Security.SecurityPolicyFlags == 0 {
		c.Security.SecurityPolicyFlags = security.DefaultSecurityPolicyFlags
	}
	if c.Security.FrameCounterWindow == 0 {
		c.Security.FrameCounterWindow = 1000
	}

	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}

	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = 5 * time.Minute
	}

	if c.API.Port == 0 {
		c.API.Port = 8710
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// validate checks configuration consistency
func (c *Config) validate() error {
	if c.Security.KeyRotationHours < security.MinKeyRotationTime {
		return fmt.Errorf("security.key_rotation_hours must be >= %d", security.MinKeyRotationTime)
	}
	if c.Database.Enabled && c.Database.Host == "" {
		return fmt.Errorf("database.host is required when database is enabled")
	}
	if c.Redis.Enabled && c.Redis.Host == "" {
		return fmt.Errorf("redis.host is required when redis is enabled")
	}
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		return fmt.Errorf("api.port out of range: %d", c.API.Port)
	}
	return nil
}
