// Package config holds the configuration surface the embedding host hands to the
// debug server, together with its defaults, validation and loaders.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SIMWATCH_"

// Port and interval bounds.
const (
	MinPort              = 1024
	MaxPort              = 65535
	MinBroadcastInterval = 100
	MaxBroadcastInterval = 5000
)

// Common configuration errors.
var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrFileNotFound  = errors.New("configuration file not found")
	ErrInvalidYAML   = errors.New("invalid YAML syntax")
)

// Config is the debug server configuration.
type Config struct {
	// Enabled gates Start. A disabled server stays STOPPED.
	Enabled bool `yaml:"enabled"`
	// HTTPPort is the dashboard port.
	HTTPPort int `yaml:"http_port"`
	// WebSocketPort is the WebSocket port; 0 derives HTTPPort + 1.
	WebSocketPort int `yaml:"websocket_port"`
	// BroadcastIntervalMS is the snapshot period in milliseconds.
	BroadcastIntervalMS int `yaml:"broadcast_interval_ms"`
	// AllowRemote binds all interfaces instead of loopback only.
	AllowRemote bool `yaml:"allow_remote"`

	ServeDashboard bool   `yaml:"serve_dashboard"`
	AssetsDir      string `yaml:"assets_dir"`

	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	MaxConnections  int `yaml:"max_connections"`
	MaxPayloadBytes int `yaml:"max_payload_bytes"`

	// CommandsPerSecond limits inbound commands per connection; 0 disables the limit.
	CommandsPerSecond float64 `yaml:"commands_per_second"`
	CommandBurst      int     `yaml:"command_burst"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the default configuration. The server is disabled by default.
func Default() Config {
	return Config{
		Enabled:             false,
		HTTPPort:            8765,
		WebSocketPort:       0,
		BroadcastIntervalMS: 1000,
		AllowRemote:         false,
		ServeDashboard:      true,
		ReadTimeout:         60 * time.Second,
		WriteTimeout:        10 * time.Second,
		HandshakeTimeout:    10 * time.Second,
		MaxConnections:      32,
		MaxPayloadBytes:     1 << 20,
		CommandsPerSecond:   20,
		CommandBurst:        40,
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

// Validate checks every field against its allowed range.
func (c Config) Validate() error {
	var errs []error
	if c.HTTPPort < MinPort || c.HTTPPort > MaxPort {
		errs = append(errs, fmt.Errorf("http_port %d out of range %d-%d", c.HTTPPort, MinPort, MaxPort))
	}
	if c.WebSocketPort != 0 && (c.WebSocketPort < MinPort || c.WebSocketPort > MaxPort) {
		errs = append(errs, fmt.Errorf("websocket_port %d out of range %d-%d", c.WebSocketPort, MinPort, MaxPort))
	}
	if ws := c.ResolvedWebSocketPort(); c.WebSocketPort == 0 && ws > MaxPort {
		errs = append(errs, fmt.Errorf("derived websocket port %d out of range", ws))
	}
	if c.ServeDashboard && c.ResolvedWebSocketPort() == c.HTTPPort {
		errs = append(errs, fmt.Errorf("websocket_port must differ from http_port"))
	}
	if c.BroadcastIntervalMS < MinBroadcastInterval || c.BroadcastIntervalMS > MaxBroadcastInterval {
		errs = append(errs, fmt.Errorf("broadcast_interval_ms %d out of range %d-%d",
			c.BroadcastIntervalMS, MinBroadcastInterval, MaxBroadcastInterval))
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.HandshakeTimeout < 0 {
		errs = append(errs, fmt.Errorf("timeouts must not be negative"))
	}
	if c.MaxConnections < 1 {
		errs = append(errs, fmt.Errorf("max_connections must be at least 1"))
	}
	if c.MaxPayloadBytes < 1 {
		errs = append(errs, fmt.Errorf("max_payload_bytes must be at least 1"))
	}
	if c.CommandsPerSecond < 0 || c.CommandBurst < 0 {
		errs = append(errs, fmt.Errorf("command rate limit must not be negative"))
	}
	if c.CommandsPerSecond > 0 && c.CommandBurst < 1 {
		errs = append(errs, fmt.Errorf("command_burst must be at least 1 when rate limiting"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// ResolvedWebSocketPort returns WebSocketPort, or HTTPPort + 1 when it is 0.
func (c Config) ResolvedWebSocketPort() int {
	if c.WebSocketPort == 0 {
		return c.HTTPPort + 1
	}
	return c.WebSocketPort
}

// BindHost returns the listen host for the configured scope.
func (c Config) BindHost() string {
	if c.AllowRemote {
		return "0.0.0.0"
	}
	return "127.0.0.1"
}

// HTTPAddr returns the dashboard listen address.
func (c Config) HTTPAddr() string {
	return net.JoinHostPort(c.BindHost(), strconv.Itoa(c.HTTPPort))
}

// WebSocketAddr returns the WebSocket listen address.
func (c Config) WebSocketAddr() string {
	return net.JoinHostPort(c.BindHost(), strconv.Itoa(c.ResolvedWebSocketPort()))
}

// BroadcastInterval returns the broadcast period.
func (c Config) BroadcastInterval() time.Duration {
	return time.Duration(c.BroadcastIntervalMS) * time.Millisecond
}

// Load reads a YAML file over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidYAML, err)
	}
	return cfg, nil
}

// LoadEnvFile reads a .env file without touching the process environment.
func LoadEnvFile(path string) (map[string]string, error) {
	vars, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}
	return vars, nil
}

// LookupFunc resolves one environment variable.
type LookupFunc func(key string) (string, bool)

// MapLookup adapts a map, e.g. the result of LoadEnvFile, to a LookupFunc.
func MapLookup(vars map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

// ChainLookup returns the first hit among lookups.
func ChainLookup(lookups ...LookupFunc) LookupFunc {
	return func(key string) (string, bool) {
		for _, lookup := range lookups {
			if v, ok := lookup(key); ok {
				return v, true
			}
		}
		return "", false
	}
}

// ApplyEnv overrides cfg with every SIMWATCH_* variable lookup resolves.
func ApplyEnv(cfg Config, lookup LookupFunc) (Config, error) {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := lookup(EnvPrefix + name); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	boolean("ENABLED", &cfg.Enabled)
	integer("HTTP_PORT", &cfg.HTTPPort)
	integer("WEBSOCKET_PORT", &cfg.WebSocketPort)
	integer("BROADCAST_INTERVAL_MS", &cfg.BroadcastIntervalMS)
	boolean("ALLOW_REMOTE", &cfg.AllowRemote)
	boolean("SERVE_DASHBOARD", &cfg.ServeDashboard)
	str("ASSETS_DIR", &cfg.AssetsDir)
	duration("READ_TIMEOUT", &cfg.ReadTimeout)
	duration("WRITE_TIMEOUT", &cfg.WriteTimeout)
	duration("HANDSHAKE_TIMEOUT", &cfg.HandshakeTimeout)
	integer("MAX_CONNECTIONS", &cfg.MaxConnections)
	integer("MAX_PAYLOAD_BYTES", &cfg.MaxPayloadBytes)
	float("COMMANDS_PER_SECOND", &cfg.CommandsPerSecond)
	integer("COMMAND_BURST", &cfg.CommandBurst)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)

	if len(errs) > 0 {
		return cfg, fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return cfg, nil
}

// Resolve layers defaults, the optional YAML file, the optional .env file and the
// process environment, then validates the result.
func Resolve(path, envFile string) (Config, error) {
	cfg := Default()
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return Config{}, err
		}
		cfg = loaded
	}

	lookup := LookupFunc(os.LookupEnv)
	if envFile != "" {
		vars, err := LoadEnvFile(envFile)
		if err != nil {
			return Config{}, err
		}
		lookup = ChainLookup(os.LookupEnv, MapLookup(vars))
	}

	cfg, err := ApplyEnv(cfg, lookup)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
