// Package config loads a node's runtime configuration from the
// environment, per spec §6's config surface. Grounded on
// chainbft_demo/cmd/commands' use of the tendermint cfg.Config object as
// a plain struct handed to constructors; adapted here to spf13/viper's
// environment-variable binding since the spec has no config-file format
// of its own, only the NODE_ID/IS_LEADER/PORT/PEERS/TOTAL_NODES env vars.
package config

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// PeerAddr is one committee peer's identity and dial address, parsed from
// a "nodeId:host:port" (or "nodeId@host:port") entry in PEERS.
type PeerAddr struct {
	NodeID string
	Addr   string
}

// Config is one node's static identity and committee membership, read
// once at process start (spec §6).
type Config struct {
	NodeID     string
	IsLeader   bool
	LeaderID   string
	Port       int
	HTTPPort   int
	Peers      []PeerAddr
	TotalNodes int
}

// Load binds the NODE_ID/IS_LEADER/LEADER_ID/PORT/PEERS/TOTAL_NODES
// environment variables via viper, the way chainbft_demo's init command
// reads its config object rather than parsing flags by hand.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()
	v.SetDefault("PORT", 9000)
	v.SetDefault("IS_LEADER", false)

	nodeID := v.GetString("NODE_ID")
	if nodeID == "" {
		return nil, errors.New("config: NODE_ID is required")
	}

	port := v.GetInt("PORT")
	peersRaw := v.GetString("PEERS")
	peers, err := parsePeers(peersRaw)
	if err != nil {
		return nil, errors.Wrap(err, "config: PEERS")
	}

	isLeader := v.GetBool("IS_LEADER")
	leaderID := v.GetString("LEADER_ID")
	if leaderID == "" {
		if isLeader {
			leaderID = nodeID
		} else {
			return nil, errors.New("config: LEADER_ID is required on a non-leader node")
		}
	}

	totalNodes := v.GetInt("TOTAL_NODES")
	if totalNodes == 0 {
		totalNodes = len(peers) + 1
	}
	if totalNodes < 1 {
		return nil, errors.Errorf("config: TOTAL_NODES must be positive, got %d", totalNodes)
	}

	return &Config{
		NodeID:     nodeID,
		IsLeader:   isLeader,
		LeaderID:   leaderID,
		Port:       port,
		HTTPPort:   port + 1000,
		Peers:      peers,
		TotalNodes: totalNodes,
	}, nil
}

// parsePeers parses a comma-separated "nodeId:host:port,..." list; an
// entry may also be written "nodeId@host:port".
func parsePeers(raw string) ([]PeerAddr, error) {
	entries := splitAndTrimEmpty(raw, ",")
	peers := make([]PeerAddr, 0, len(entries))
	for _, entry := range entries {
		var nodeID, addr string
		if at := strings.Index(entry, "@"); at >= 0 {
			nodeID, addr = entry[:at], entry[at+1:]
		} else if colon := strings.Index(entry, ":"); colon >= 0 && strings.Contains(entry[colon+1:], ":") {
			nodeID, addr = entry[:colon], entry[colon+1:]
		}
		if nodeID == "" || addr == "" {
			return nil, fmt.Errorf("malformed peer entry %q, want nodeId:host:port or nodeId@host:port", entry)
		}
		peers = append(peers, PeerAddr{NodeID: nodeID, Addr: addr})
	}
	return peers, nil
}

// ListenAddr is the transport's bind address, derived from Port.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// HTTPAddr is the ingress router's bind address, derived from HTTPPort.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

func splitAndTrimEmpty(s, sep string) []string {
	if s == "" {
		return []string{}
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
