package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration: struct tags first (required fields,
// ranges), then the cross-field rules the tags cannot express (unique names,
// distinct ports, replica membership).
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return validateCluster(cfg)
}

// validateCluster enforces the table-level rules: every replica name unique,
// every (host, port) endpoint distinct, the four ports of one replica
// distinct from each other, and — when a replica name is configured — the
// name present in the table.
func validateCluster(cfg *Config) error {
	names := make(map[string]bool, len(cfg.Cluster))
	endpoints := make(map[string]string)

	for _, r := range cfg.Cluster {
		if names[r.Name] {
			return fmt.Errorf("duplicate replica name %q in cluster table", r.Name)
		}
		names[r.Name] = true

		ports := map[string]int{
			"internal": r.InternalPort,
			"client":   r.ClientPort,
			"health":   r.HealthPort,
			"notif":    r.NotifPort,
		}
		seen := make(map[int]string, 4)
		for channel, port := range ports {
			if prev, dup := seen[port]; dup {
				return fmt.Errorf("replica %q: %s and %s share port %d", r.Name, prev, channel, port)
			}
			seen[port] = channel

			key := fmt.Sprintf("%s:%d", r.Host, port)
			if owner, taken := endpoints[key]; taken {
				return fmt.Errorf("endpoint %s assigned to both %s and %s", key, owner, r.Name)
			}
			endpoints[key] = r.Name
		}
	}

	if cfg.Replica != "" && !names[cfg.Replica] {
		return fmt.Errorf("replica name %q is not in the cluster table", cfg.Replica)
	}
	return nil
}
