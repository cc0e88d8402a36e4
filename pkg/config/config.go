package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full chatmesh configuration, shared by the replica daemon and
// the client shell. Both sides need the same cluster table; only the daemon
// reads the replica/storage/timeout sections.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (CHATMESH_*)
//  2. Configuration file (YAML)
//  3. Default values
type Config struct {
	// Replica is the name of this node in the cluster table. Required by the
	// daemon, ignored by the client shell.
	Replica string `mapstructure:"replica" yaml:"replica"`

	// Cluster is the static replica table, identical on every node and every
	// client. Membership is fixed at configuration time.
	Cluster []ReplicaConfig `mapstructure:"cluster" validate:"required,min=1,dive" yaml:"cluster"`

	// Storage configures the durable operation log location.
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Timeouts groups every liveness and retry interval in the system.
	Timeouts TimeoutsConfig `mapstructure:"timeouts" yaml:"timeouts"`

	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Metrics configures the ops HTTP endpoint (Prometheus metrics, health,
	// status). Disabled by default.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Telemetry controls OpenTelemetry distributed tracing and Pyroscope
	// profiling. All off by default.
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Seed lists user ids created on first boot (progress zero), applied
	// through the normal op path so they are logged and replicated. Used by
	// demos and tests.
	Seed []string `mapstructure:"seed" yaml:"seed,omitempty"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// ReplicaConfig is one row of the static cluster table: a replica's name and
// its four TCP endpoints. The name doubles as the sort key that decides
// peer-mesh dial direction and leadership.
type ReplicaConfig struct {
	Name string `mapstructure:"name" validate:"required" yaml:"name"`
	Host string `mapstructure:"host" validate:"required" yaml:"host"`

	// InternalPort carries peer replication, ClientPort request/response,
	// HealthPort liveness probes, NotifPort real-time push.
	InternalPort int `mapstructure:"internal_port" validate:"required,min=1,max=65535" yaml:"internal_port"`
	ClientPort   int `mapstructure:"client_port" validate:"required,min=1,max=65535" yaml:"client_port"`
	HealthPort   int `mapstructure:"health_port" validate:"required,min=1,max=65535" yaml:"health_port"`
	NotifPort    int `mapstructure:"notif_port" validate:"required,min=1,max=65535" yaml:"notif_port"`
}

// StorageConfig configures durable state.
type StorageConfig struct {
	// DataDir is the directory holding the replica's operation log,
	// created on boot if missing. The log file is <data_dir>/<name>_log.out.
	DataDir string `mapstructure:"data_dir" validate:"required" yaml:"data_dir"`
}

// TimeoutsConfig groups the liveness and retry intervals. The defaults are
// the protocol's canonical values; tests shrink them for speed.
type TimeoutsConfig struct {
	// ProbeInterval is how often the health monitor probes each sibling.
	ProbeInterval time.Duration `mapstructure:"probe_interval" validate:"required,gt=0" yaml:"probe_interval"`

	// ProbeTimeout bounds one connect-send-receive health probe.
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" validate:"required,gt=0" yaml:"probe_timeout"`

	// QueuePoll is how long a notification delivery loop waits on an empty
	// undelivered queue before running a subscriber ping-check.
	QueuePoll time.Duration `mapstructure:"queue_poll" validate:"required,gt=0" yaml:"queue_poll"`

	// PingDeadline is how long a subscriber has to answer a ping before it
	// is declared dead and its registration released.
	PingDeadline time.Duration `mapstructure:"ping_deadline" validate:"required,gt=0" yaml:"ping_deadline"`

	// DialRetry is the pause between peer-mesh dial attempts.
	DialRetry time.Duration `mapstructure:"dial_retry" validate:"required,gt=0" yaml:"dial_retry"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN or ERROR.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is text (colored on terminals) or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// MetricsConfig configures the ops HTTP endpoint. When Enabled is false no
// metrics are collected and no HTTP listener is opened (zero overhead).
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port serving /metrics, /healthz and /status.
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// TelemetryConfig controls OpenTelemetry tracing export.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP gRPC collector endpoint (host:port).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure disables TLS toward the collector.
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate is the trace sampling rate, 0.0 to 1.0.
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	// Profiling contains Pyroscope continuous profiling configuration.
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the Pyroscope server URL.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// ProfileTypes selects which profiles to collect.
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// Load loads configuration from file, environment, and defaults.
// An empty configPath uses the default location.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		cfg := DefaultConfig()
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the file is
// missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s", configPath)
		}
	}
	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration to path in YAML form, creating parent
// directories as needed.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures environment variable support and the config file
// search path. Environment variables use the CHATMESH_ prefix with
// underscores: CHATMESH_LOGGING_LEVEL=DEBUG.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("CHATMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists; a missing file is
// not an error (defaults are used).
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks returns the decode hook for custom types, currently just
// time.Duration strings like "2s".
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(durationDecodeHook())
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory: $XDG_CONFIG_HOME/chatmesh
// or ~/.config/chatmesh.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "chatmesh")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "chatmesh")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the default
// location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
