package ws

import (
	"log/slog"

	"github.com/luciancaetano/simwatch"
	"github.com/luciancaetano/simwatch/internal/config"
	"github.com/luciancaetano/simwatch/internal/logging"
	"github.com/luciancaetano/simwatch/internal/websocket"
)

type Config = config.Config
type RateLimitConfig = websocket.RateLimitConfig
type OnConnectFn = websocket.OnConnectFn
type OnDisconnectFn = websocket.OnClientDisconnectFn
type ServerConfig = *websocket.ServerConfig

// New creates a stopped debug server.
//
// Example:
//
//	cfg := ws.DefaultConfig()
//	cfg.Enabled = true
//	server := ws.New(ws.NewConfig(cfg, logger, func(client simwatch.Client) {
//	    logger.Info("observer connected", "clientId", client.ID())
//	}, nil))
//	if err := server.Start(ctx, host); err != nil {
//	    return err
//	}
func New(cfg ServerConfig) simwatch.DebugServer {
	return websocket.New(cfg)
}

// NewConfig builds a server configuration. logger may be nil; the command rate
// limit is derived from cfg.
func NewConfig(cfg Config, logger *slog.Logger, onConnect OnConnectFn, onDisconnect OnDisconnectFn) ServerConfig {
	return &websocket.ServerConfig{
		Config:             cfg,
		Logger:             logger,
		RateLimitConfig:    websocket.RateLimitFromConfig(cfg),
		OnConnect:          onConnect,
		OnClientDisconnect: onDisconnect,
	}
}

// DefaultConfig returns the default configuration. The server starts disabled.
func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig layers defaults, the YAML file at path, the .env file at envFile and
// SIMWATCH_* environment variables. Either path may be empty.
func LoadConfig(path, envFile string) (Config, error) {
	return config.Resolve(path, envFile)
}

// NewLogger builds the slog logger described by cfg.LogLevel and cfg.LogFormat.
func NewLogger(cfg Config) *slog.Logger {
	return logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Format: logging.ParseFormat(cfg.LogFormat),
	})
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return websocket.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return websocket.NoRateLimit()
}
