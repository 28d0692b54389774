package config

import (
	"path/filepath"
	"time"

	"github.com/nkkko/ruleflow/internal/api"
	"github.com/nkkko/ruleflow/internal/distribution"
	"github.com/nkkko/ruleflow/internal/logging"
	"github.com/nkkko/ruleflow/internal/notifier"
	"github.com/nkkko/ruleflow/internal/router"
	"github.com/nkkko/ruleflow/internal/rpc"
	"github.com/nkkko/ruleflow/internal/storage"
	"github.com/nkkko/ruleflow/internal/telemetry"
	"github.com/nkkko/ruleflow/internal/timeout"
)

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// ToAPIConfig converts to API config
func (c *Config) ToAPIConfig() api.Config {
	return api.Config{
		Addr:           c.Server.Addr,
		ReadTimeout:    seconds(c.Server.ReadTimeout),
		WriteTimeout:   seconds(c.Server.WriteTimeout),
		IdleTimeout:    seconds(c.Server.IdleTimeout),
		RequestTimeout: seconds(c.Server.RequestTimeout),
		MaxBodyBytes:   c.Server.MaxBodySize,
		AllowedOrigins: c.Server.AllowedOrigins,
	}
}

// ToRouterConfig converts to router config
func (c *Config) ToRouterConfig() router.Config {
	return router.Config{
		MaxBufferSize: c.Router.MaxBufferSize,
	}
}

// ToTimeoutConfig converts to timeout manager config
func (c *Config) ToTimeoutConfig() timeout.Config {
	return timeout.Config{
		MaxLiveTasks: c.Router.MaxLiveTimeouts,
	}
}

// ToDistributionConfig converts to coordinator config
func (c *Config) ToDistributionConfig() distribution.Config {
	return distribution.Config{
		Workers:       c.Distribution.Workers,
		QueueSize:     c.Distribution.QueueSize,
		ShutdownGrace: seconds(c.Distribution.ShutdownGraceSeconds),
		FTPTimeout:    seconds(c.Distribution.FTPTimeoutSeconds),
		SSH:           c.Distribution.SSH,
	}
}

// ToStorageConfig converts to route store config
func (c *Config) ToStorageConfig() storage.Config {
	sqlitePath := c.Storage.SQLitePath
	if sqlitePath == "" {
		sqlitePath = filepath.Join(c.Storage.DataDir, "routes.db")
	}

	return storage.Config{
		Type:            storage.StorageType(c.Storage.Type),
		DataDir:         c.Storage.DataDir,
		SQLitePath:      sqlitePath,
		GCInterval:      time.Duration(c.Storage.GCIntervalMinutes) * time.Minute,
		CacheSize:       c.Storage.CacheSize,
		CacheExpiration: seconds(c.Storage.CacheExpirationSeconds),
	}
}

// ToNotifierConfig converts to notifier config
func (c *Config) ToNotifierConfig() notifier.Config {
	return notifier.Config{
		MaxIdleTime:            seconds(c.Notifier.MaxIdleTime),
		BroadcastBufferSize:    c.Notifier.BroadcastBufferSize,
		BroadcastFlushInterval: time.Duration(c.Notifier.BroadcastFlushIntervalMs) * time.Millisecond,
		ClientBufferSize:       c.Notifier.ClientBufferSize,
		HeartbeatInterval:      seconds(c.Notifier.HeartbeatInterval),
	}
}

// ToRPCServerConfig converts to the reference rpc server config
func (c *Config) ToRPCServerConfig() rpc.ServerConfig {
	return rpc.ServerConfig{
		Addr:         c.RPCServer.Addr,
		Path:         c.RPCServer.Path,
		MaxBodyBytes: c.RPCServer.MaxBodySize,
	}
}

// ToShellConfig converts to the reference rpc procedures config
func (c *Config) ToShellConfig() rpc.ShellConfig {
	return rpc.ShellConfig{
		Shell:            c.RPCServer.Shell,
		GeneratorCommand: c.RPCServer.GeneratorCommand,
		Timeout:          seconds(c.RPCServer.TimeoutSeconds),
	}
}

// ToLoggingConfig converts to logging config
func (c *Config) ToLoggingConfig() logging.Config {
	var level logging.LogLevel
	switch c.Logging.Level {
	case "debug":
		level = logging.LevelDebug
	case "warn":
		level = logging.LevelWarn
	case "error":
		level = logging.LevelError
	default:
		level = logging.LevelInfo
	}

	format := logging.FormatJSON
	if c.Logging.Format == "console" {
		format = logging.FormatConsole
	}

	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Format = format
	cfg.IncludeCaller = c.Logging.IncludeCaller
	cfg.GlobalFields = c.Logging.GlobalFields
	return cfg
}

// ToTelemetryConfig converts to telemetry config
func (c *Config) ToTelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:       c.Telemetry.Enabled,
		ServiceName:   c.Telemetry.ServiceName,
		Endpoint:      c.Telemetry.Endpoint,
		SamplingRatio: c.Telemetry.SamplingRatio,
		Timeout:       5 * time.Second,
		Attributes:    c.Telemetry.Attributes,
	}
}
