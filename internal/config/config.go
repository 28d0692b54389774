package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/nkkko/ruleflow/internal/adaptor"
	"github.com/nkkko/ruleflow/internal/distribution"
	"github.com/nkkko/ruleflow/pkg/proto"
)

// Config represents the complete application configuration
type Config struct {
	Server       ServerConfig         `yaml:"server"`
	Router       RouterConfig         `yaml:"router"`
	Adaptors     []adaptor.Config     `yaml:"adaptors"`
	Distribution DistributionConfig   `yaml:"distribution"`
	Storage      StorageConfig        `yaml:"storage"`
	Routes       []*proto.RouteRecord `yaml:"routes"`
	SystemRules  []proto.RuleSpec     `yaml:"system_rules"`
	Notifier     NotifierConfig       `yaml:"notifier"`
	RPCServer    RPCServerConfig      `yaml:"rpc_server"`
	Logging      LoggingConfig        `yaml:"logging"`
	Telemetry    TelemetryConfig      `yaml:"telemetry"`
	Metrics      MetricsConfig        `yaml:"metrics"`
}

// ServerConfig contains HTTP API settings. Timeouts are in seconds.
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	MaxBodySize    int64    `yaml:"max_body_size"`
	ReadTimeout    int      `yaml:"read_timeout"`
	WriteTimeout   int      `yaml:"write_timeout"`
	IdleTimeout    int      `yaml:"idle_timeout"`
	RequestTimeout int      `yaml:"request_timeout"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RouterConfig contains event router and timeout manager settings
type RouterConfig struct {
	MaxBufferSize   int `yaml:"max_buffer_size"`
	MaxLiveTimeouts int `yaml:"max_live_timeouts"`
}

// DistributionConfig contains file distribution settings
type DistributionConfig struct {
	Workers              int                    `yaml:"workers"`
	QueueSize            int                    `yaml:"queue_size"`
	ShutdownGraceSeconds int                    `yaml:"shutdown_grace_seconds"`
	FTPTimeoutSeconds    int                    `yaml:"ftp_timeout_seconds"`
	SSH                  distribution.SSHConfig `yaml:"ssh"`
}

// StorageConfig contains route store settings
type StorageConfig struct {
	Type                   string `yaml:"type"`
	DataDir                string `yaml:"data_dir"`
	SQLitePath             string `yaml:"sqlite_path"`
	GCIntervalMinutes      int    `yaml:"gc_interval_minutes"`
	CacheSize              int    `yaml:"cache_size"`
	CacheExpirationSeconds int    `yaml:"cache_expiration_seconds"`
}

// NotifierConfig contains outcome stream settings
type NotifierConfig struct {
	Enabled                  bool `yaml:"enabled"`
	MaxIdleTime              int  `yaml:"max_idle_time"`
	HeartbeatInterval        int  `yaml:"heartbeat_interval"`
	BroadcastBufferSize      int  `yaml:"broadcast_buffer_size"`
	BroadcastFlushIntervalMs int  `yaml:"broadcast_flush_interval_ms"`
	ClientBufferSize         int  `yaml:"client_buffer_size"`
}

// RPCServerConfig contains settings of the reference remote process
type RPCServerConfig struct {
	Addr             string `yaml:"addr"`
	Path             string `yaml:"path"`
	Shell            string `yaml:"shell"`
	GeneratorCommand string `yaml:"generator_command"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
	MaxBodySize      int64  `yaml:"max_body_size"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled"`
	ServiceName   string            `yaml:"service_name"`
	Endpoint      string            `yaml:"endpoint"`
	SamplingRatio float64           `yaml:"sampling_ratio"`
	Attributes    map[string]string `yaml:"attributes"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			MaxBodySize:    1048576, // 1MB
			ReadTimeout:    5,
			WriteTimeout:   10,
			IdleTimeout:    120,
			RequestTimeout: 30,
			AllowedOrigins: []string{"*"},
		},
		Router: RouterConfig{
			MaxBufferSize:   100,
			MaxLiveTimeouts: 10000,
		},
		Distribution: DistributionConfig{
			Workers:              4,
			QueueSize:            64,
			ShutdownGraceSeconds: 30,
			FTPTimeoutSeconds:    30,
		},
		Storage: StorageConfig{
			Type:                   "badger",
			DataDir:                "./data",
			GCIntervalMinutes:      10,
			CacheSize:              1000,
			CacheExpirationSeconds: 30,
		},
		Notifier: NotifierConfig{
			Enabled:                  true,
			MaxIdleTime:              300,
			HeartbeatInterval:        15,
			BroadcastBufferSize:      200,
			BroadcastFlushIntervalMs: 50,
			ClientBufferSize:         100,
		},
		RPCServer: RPCServerConfig{
			Addr:           ":8090",
			Path:           "/RPC2",
			Shell:          "sh",
			TimeoutSeconds: 600,
			MaxBodySize:    1048576,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			IncludeCaller: true,
			GlobalFields:  map[string]string{},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "ruleflow",
			Endpoint:      "localhost:4317",
			SamplingRatio: 0.1,
			Attributes:    map[string]string{},
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filePath string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration from file, environment variables, and flags
func LoadConfig(configFile string, dataDir string, serverAddr string, logLevel string) (*Config, error) {
	var config *Config
	var err error

	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	applyEnvOverrides(config)

	// Flags have the highest priority
	if dataDir != "" {
		absDataDir, err := filepath.Abs(dataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for data directory: %w", err)
		}
		config.Storage.DataDir = absDataDir
	}

	if serverAddr != "" {
		config.Server.Addr = serverAddr
	}

	if logLevel != "" {
		config.Logging.Level = logLevel
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks settings that would otherwise only fail at start-up
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Type {
	case "badger", "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.type: unknown store %q", c.Storage.Type))
	}

	if c.Distribution.Workers <= 0 {
		errs = append(errs, errors.New("distribution.workers must be positive"))
	}

	names := make(map[string]struct{}, len(c.Adaptors))
	for i, a := range c.Adaptors {
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("adaptors[%d]: name is required", i))
			continue
		}
		if _, dup := names[a.Name]; dup {
			errs = append(errs, fmt.Errorf("adaptors[%d]: duplicate name %q", i, a.Name))
		}
		names[a.Name] = struct{}{}
		if a.Type == adaptor.TypeNotifier && !c.Notifier.Enabled {
			errs = append(errs, fmt.Errorf("adaptors[%d]: %q needs the notifier enabled", i, a.Name))
		}
	}

	for i, rec := range c.Routes {
		if rec == nil || rec.Name == "" {
			errs = append(errs, fmt.Errorf("routes[%d]: name is required", i))
			continue
		}
		for _, r := range rec.Recipients {
			if _, ok := names[r]; !ok {
				errs = append(errs, fmt.Errorf("routes[%d]: route %q names unknown adaptor %q", i, rec.Name, r))
			}
		}
	}

	return errors.Join(errs...)
}

// applyEnvOverrides applies RULEFLOW_* environment variables
func applyEnvOverrides(config *Config) {
	if addr := os.Getenv("RULEFLOW_SERVER_ADDR"); addr != "" {
		config.Server.Addr = addr
	}

	if storageType := os.Getenv("RULEFLOW_STORAGE_TYPE"); storageType != "" {
		config.Storage.Type = storageType
	}
	if dataDir := os.Getenv("RULEFLOW_STORAGE_DATA_DIR"); dataDir != "" {
		config.Storage.DataDir = dataDir
	}

	if workers := os.Getenv("RULEFLOW_DISTRIBUTION_WORKERS"); workers != "" {
		if val, err := strconv.Atoi(workers); err == nil {
			config.Distribution.Workers = val
		}
	}
	if keyFile := os.Getenv("RULEFLOW_SSH_KEY_FILE"); keyFile != "" {
		config.Distribution.SSH.KeyFile = keyFile
	}

	if addr := os.Getenv("RULEFLOW_RPC_ADDR"); addr != "" {
		config.RPCServer.Addr = addr
	}

	if level := os.Getenv("RULEFLOW_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("RULEFLOW_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}

	if enabled := os.Getenv("RULEFLOW_TELEMETRY_ENABLED"); enabled != "" {
		if val, err := strconv.ParseBool(enabled); err == nil {
			config.Telemetry.Enabled = val
		}
	}
	if endpoint := os.Getenv("RULEFLOW_TELEMETRY_ENDPOINT"); endpoint != "" {
		config.Telemetry.Endpoint = endpoint
	}
}
