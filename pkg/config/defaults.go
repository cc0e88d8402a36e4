package config

import (
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
// Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTimeoutsDefaults(&cfg.Timeouts)
	applyStorageDefaults(&cfg.Storage)
	applyMetricsDefaults(&cfg.Metrics)
	applyTelemetryDefaults(&cfg.Telemetry)
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if len(cfg.Cluster) == 0 {
		cfg.Cluster = DefaultCluster()
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyTimeoutsDefaults sets the protocol's canonical intervals: 2-second
// probes with a 2-second timeout, a 3-second queue poll, a 1-second ping
// deadline, and a 1-second dial retry pause.
func applyTimeoutsDefaults(cfg *TimeoutsConfig) {
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = 2 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.QueuePoll == 0 {
		cfg.QueuePoll = 3 * time.Second
	}
	if cfg.PingDeadline == 0 {
		cfg.PingDeadline = time.Second
	}
	if cfg.DialRetry == 0 {
		cfg.DialRetry = time.Second
	}
}

func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.DataDir == "" {
		cfg.DataDir = "/var/lib/chatmesh"
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	applyProfilingDefaults(&cfg.Profiling)
}

func applyProfilingDefaults(cfg *ProfilingConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:4040"
	}
	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = []string{
			"cpu",
			"alloc_objects",
			"alloc_space",
			"inuse_objects",
			"inuse_space",
			"goroutines",
		}
	}
}

// DefaultCluster returns the canonical three-replica localhost cluster used
// by demos, tests and generated sample configs.
func DefaultCluster() []ReplicaConfig {
	return []ReplicaConfig{
		{Name: "A", Host: "127.0.0.1", InternalPort: 50051, ClientPort: 50052, HealthPort: 50053, NotifPort: 50054},
		{Name: "B", Host: "127.0.0.1", InternalPort: 50061, ClientPort: 50062, HealthPort: 50063, NotifPort: 50064},
		{Name: "C", Host: "127.0.0.1", InternalPort: 50071, ClientPort: 50072, HealthPort: 50073, NotifPort: 50074},
	}
}

// DefaultConfig returns a Config with all default values applied: the
// three-replica localhost cluster with this node as replica A. Useful for
// generating sample configuration files and for tests.
func DefaultConfig() *Config {
	cfg := &Config{
		Replica: "A",
		Cluster: DefaultCluster(),
	}
	ApplyDefaults(cfg)
	return cfg
}
