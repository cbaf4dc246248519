// ABOUTME: Configuration loading and parsing for relay-console
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay-console configuration
type Config struct {
	API     APIConfig     `yaml:"api"`
	Channel ChannelConfig `yaml:"channel"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig holds the REST backend configuration
type APIConfig struct {
	BaseURL string `yaml:"base_url"`

	RequestTimeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	RequestTimeoutRaw string `yaml:"request_timeout"`
}

// ChannelConfig holds realtime channel configuration
type ChannelConfig struct {
	URL string `yaml:"url"`

	ConnectTimeout       time.Duration `yaml:"-"`
	ReconnectDelay       time.Duration `yaml:"-"`
	ReconnectDelayMax    time.Duration `yaml:"-"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`

	// Raw string values for YAML unmarshaling
	ConnectTimeoutRaw    string `yaml:"connect_timeout"`
	ReconnectDelayRaw    string `yaml:"reconnect_delay"`
	ReconnectDelayMaxRaw string `yaml:"reconnect_delay_max"`
}

// StorageConfig holds local persistence configuration
type StorageConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults mirrored from the backend's channel contract.
const (
	DefaultRequestTimeout       = 10 * time.Second
	DefaultConnectTimeout       = 10 * time.Second
	DefaultReconnectDelay       = 1 * time.Second
	DefaultReconnectDelayMax    = 5 * time.Second
	DefaultMaxReconnectAttempts = 5
)

// Default returns a Config with all timing defaults applied and no endpoints set.
// Useful for embedding the client without a config file; callers must still set
// API.BaseURL and Channel.URL before Validate will pass.
func Default() *Config {
	return &Config{
		API: APIConfig{
			RequestTimeout: DefaultRequestTimeout,
		},
		Channel: ChannelConfig{
			ConnectTimeout:       DefaultConnectTimeout,
			ReconnectDelay:       DefaultReconnectDelay,
			ReconnectDelayMax:    DefaultReconnectDelayMax,
			MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values; unset durations fall back
// to the defaults above.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields and apply defaults
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	applyDefaults(&cfg)

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.Channel.URL == "" {
		return fmt.Errorf("channel.url is required")
	}
	if c.Channel.MaxReconnectAttempts < 0 {
		return fmt.Errorf("channel.max_reconnect_attempts must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.API.RequestTimeoutRaw != "" {
		cfg.API.RequestTimeout, err = time.ParseDuration(cfg.API.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing request_timeout %q: %w", cfg.API.RequestTimeoutRaw, err)
		}
	}

	if cfg.Channel.ConnectTimeoutRaw != "" {
		cfg.Channel.ConnectTimeout, err = time.ParseDuration(cfg.Channel.ConnectTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing connect_timeout %q: %w", cfg.Channel.ConnectTimeoutRaw, err)
		}
	}

	if cfg.Channel.ReconnectDelayRaw != "" {
		cfg.Channel.ReconnectDelay, err = time.ParseDuration(cfg.Channel.ReconnectDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect_delay %q: %w", cfg.Channel.ReconnectDelayRaw, err)
		}
	}

	if cfg.Channel.ReconnectDelayMaxRaw != "" {
		cfg.Channel.ReconnectDelayMax, err = time.ParseDuration(cfg.Channel.ReconnectDelayMaxRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect_delay_max %q: %w", cfg.Channel.ReconnectDelayMaxRaw, err)
		}
	}

	return nil
}

// applyDefaults fills in zero-valued timing fields after YAML parsing
func applyDefaults(cfg *Config) {
	if cfg.API.RequestTimeout == 0 {
		cfg.API.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Channel.ConnectTimeout == 0 {
		cfg.Channel.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Channel.ReconnectDelay == 0 {
		cfg.Channel.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Channel.ReconnectDelayMax == 0 {
		cfg.Channel.ReconnectDelayMax = DefaultReconnectDelayMax
	}
	if cfg.Channel.MaxReconnectAttempts == 0 {
		cfg.Channel.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}
