package config

import (
	"fmt"

	"github.com/chatmesh/chatmesh/pkg/cluster"
)

// ReplicaSet converts the configured cluster table into the domain replica
// set, deriving the dial topology from name order.
func (c *Config) ReplicaSet() (*cluster.Set, error) {
	replicas := make([]cluster.Replica, len(c.Cluster))
	for i, r := range c.Cluster {
		replicas[i] = cluster.Replica{
			Name:         r.Name,
			Host:         r.Host,
			InternalPort: r.InternalPort,
			ClientPort:   r.ClientPort,
			HealthPort:   r.HealthPort,
			NotifPort:    r.NotifPort,
		}
	}
	set, err := cluster.NewSet(replicas)
	if err != nil {
		return nil, fmt.Errorf("config: build replica set: %w", err)
	}
	return set, nil
}

// Self returns this node's descriptor from the cluster table. It fails when
// the replica name is unset or not in the table.
func (c *Config) Self() (cluster.Replica, error) {
	if c.Replica == "" {
		return cluster.Replica{}, fmt.Errorf("config: replica name is not set")
	}
	set, err := c.ReplicaSet()
	if err != nil {
		return cluster.Replica{}, err
	}
	return set.Get(c.Replica)
}
