package telemetry

// Config selects the OTLP trace pipeline settings.
type Config struct {
	// Enabled turns tracing on. When false, Init installs a no-op tracer
	// and every helper degrades silently.
	Enabled bool

	// ServiceName and ServiceVersion identify the daemon to the backend.
	ServiceName    string
	ServiceVersion string

	// Replica is this replica's name. It becomes the service instance id,
	// so traces from the replicas of one cluster are separable.
	Replica string

	// Endpoint is the OTLP gRPC collector address (host:port).
	Endpoint string

	// Insecure disables TLS toward the collector.
	Insecure bool

	// SampleRate is the fraction of gateway requests traced, 0.0 to 1.0.
	// The decision is made at the root span and inherited below it.
	SampleRate float64
}

// DefaultConfig returns the settings used when the config file has no
// telemetry section: disabled, local collector, every request sampled.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		ServiceName:    "chatmeshd",
		ServiceVersion: "dev",
		Endpoint:       "localhost:4317",
		Insecure:       true,
		SampleRate:     1.0,
	}
}
