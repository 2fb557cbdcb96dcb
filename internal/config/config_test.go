package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"NODE_ID", "IS_LEADER", "LEADER_ID", "PORT", "PEERS", "TOTAL_NODES"} {
		os.Unsetenv(k)
	}
}

func TestLoad_RequiresNodeID(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_LeaderDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("NODE_ID", "n0")
	os.Setenv("IS_LEADER", "true")
	os.Setenv("PEERS", "n1@host1:9001,n2@host2:9001")
	defer clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "n0", cfg.LeaderID)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 10000, cfg.HTTPPort)
	assert.Equal(t, 3, cfg.TotalNodes)
	assert.Equal(t, []PeerAddr{{NodeID: "n1", Addr: "host1:9001"}, {NodeID: "n2", Addr: "host2:9001"}}, cfg.Peers)
}

func TestLoad_FollowerRequiresLeaderID(t *testing.T) {
	clearEnv(t)
	os.Setenv("NODE_ID", "n1")
	os.Setenv("PEERS", "n0@host0:9000")
	defer clearEnv(t)

	_, err := Load()
	assert.Error(t, err)

	os.Setenv("LEADER_ID", "n0")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "n0", cfg.LeaderID)
	assert.False(t, cfg.IsLeader)
}

func TestLoad_MalformedPeerEntry(t *testing.T) {
	clearEnv(t)
	os.Setenv("NODE_ID", "n0")
	os.Setenv("IS_LEADER", "true")
	os.Setenv("PEERS", "not-a-valid-entry")
	defer clearEnv(t)

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_ExplicitTotalNodesOverridesPeerCount(t *testing.T) {
	clearEnv(t)
	os.Setenv("NODE_ID", "n0")
	os.Setenv("IS_LEADER", "true")
	os.Setenv("PEERS", "n1@host1:9001")
	os.Setenv("TOTAL_NODES", "7")
	defer clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.TotalNodes)
}

func TestAddrHelpers(t *testing.T) {
	cfg := &Config{Port: 9000, HTTPPort: 10000}
	assert.Equal(t, ":9000", cfg.ListenAddr())
	assert.Equal(t, ":10000", cfg.HTTPAddr())
}
