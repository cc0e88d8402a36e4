package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDefaults(t *testing.T) {
	assert.NoError(t, Validate(DefaultConfig()))
}

func TestValidateDuplicateName(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cluster[1].Name = cfg.Cluster[0].Name

	err := Validate(cfg)
	assert.ErrorContains(t, err, "duplicate replica name")
}

func TestValidateSharedEndpoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cluster[1].ClientPort = cfg.Cluster[0].ClientPort

	err := Validate(cfg)
	assert.ErrorContains(t, err, "assigned to both")
}

func TestValidatePortReuseWithinReplica(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cluster[0].NotifPort = cfg.Cluster[0].HealthPort

	err := Validate(cfg)
	assert.ErrorContains(t, err, "share port")
}

func TestValidateUnknownReplicaName(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Replica = "Z"

	err := Validate(cfg)
	assert.ErrorContains(t, err, "not in the cluster table")
}

func TestValidateEmptyReplicaNameAllowedForClients(t *testing.T) {
	// The client shell loads the same file without a replica identity.
	cfg := DefaultConfig()
	cfg.Replica = ""
	assert.NoError(t, Validate(cfg))
}

func TestValidateMissingFields(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cluster[0].Host = ""
	assert.Error(t, Validate(cfg))

	cfg = DefaultConfig()
	cfg.Cluster[2].InternalPort = 0
	assert.Error(t, Validate(cfg))

	cfg = DefaultConfig()
	cfg.Logging.Level = "LOUD"
	assert.Error(t, Validate(cfg))
}

func TestReplicaSetConversion(t *testing.T) {
	cfg := DefaultConfig()
	set, err := cfg.ReplicaSet()
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C"}, set.Names())

	self, err := cfg.Self()
	require.NoError(t, err)
	assert.Equal(t, "A", self.Name)
	assert.Equal(t, "127.0.0.1:50052", self.ClientAddr())

	cfg.Replica = ""
	_, err = cfg.Self()
	assert.Error(t, err)
}
