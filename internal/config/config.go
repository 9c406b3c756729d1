// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Serial    SerialConfig    `mapstructure:"serial"`
	Flow      FlowConfig      `mapstructure:"flow"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	App       AppConfig       `mapstructure:"app"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           string        `mapstructure:"port"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// SerialConfig represents the serial link configuration
type SerialConfig struct {
	Port          string        `mapstructure:"port"`
	BaudRate      int           `mapstructure:"baud_rate"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	IdlePoll      time.Duration `mapstructure:"idle_poll"`
}

// FlowConfig represents flow window configuration. The window capacity is
// the firmware buffer size minus the safety margin.
type FlowConfig struct {
	BufferBytes  int `mapstructure:"buffer_bytes"`
	SafetyMargin int `mapstructure:"safety_margin"`
	MaxInflight  int `mapstructure:"max_inflight"`
}

// WebSocketConfig represents WebSocket keep-alive configuration
type WebSocketConfig struct {
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// Load loads configuration from file and environment variables. The config
// file is optional: the bridge is normally driven by the two positional CLI
// arguments, which override whatever the file says.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variable support
	viper.SetEnvPrefix("GRBL_BRIDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set defaults
	setDefaults()

	// Read config file if present
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Validate configuration
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", "8765")
	viper.SetDefault("server.idle_timeout", "120s")

	// Serial defaults: GRBL talks at a fixed 115200 baud
	viper.SetDefault("serial.baud_rate", 115200)
	viper.SetDefault("serial.read_timeout", "50ms")
	viper.SetDefault("serial.retry_interval", "5s")
	viper.SetDefault("serial.idle_poll", "100ms")

	// Flow defaults: GRBL's 128-byte receive buffer with 4 bytes kept free
	viper.SetDefault("flow.buffer_bytes", 128)
	viper.SetDefault("flow.safety_margin", 4)
	viper.SetDefault("flow.max_inflight", 0)

	// WebSocket defaults
	viper.SetDefault("websocket.ping_interval", "20s")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")
	viper.SetDefault("logging.output", "stdout")
	viper.SetDefault("logging.max_size", 100)
	viper.SetDefault("logging.max_backups", 3)
	viper.SetDefault("logging.max_age", 28)
	viper.SetDefault("logging.compress", true)

	// App defaults
	viper.SetDefault("app.name", "grbl-bridge")
	viper.SetDefault("app.version", "1.0.0")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.debug", false)
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if config.Serial.BaudRate <= 0 {
		return fmt.Errorf("serial.baud_rate must be positive")
	}
	if config.Flow.BufferBytes <= 0 {
		return fmt.Errorf("flow.buffer_bytes must be positive")
	}
	if config.Flow.SafetyMargin < 0 || config.Flow.SafetyMargin >= config.Flow.BufferBytes {
		return fmt.Errorf("flow.safety_margin must be in [0, buffer_bytes)")
	}

	// Validate logging level
	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	isValidLevel := false
	for _, level := range validLevels {
		if config.Logging.Level == level {
			isValidLevel = true
			break
		}
	}
	if !isValidLevel {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	return nil
}

// WindowCapacity returns the flow window byte ceiling
func (c *Config) WindowCapacity() int {
	return c.Flow.BufferBytes - c.Flow.SafetyMargin
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.App.Environment == "development"
}
