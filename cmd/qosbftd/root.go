package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tendermint/tendermint/libs/log"

	"qosbft/internal/config"
	"qosbft/internal/node"
	"qosbft/internal/signer"
)

// RootCmd is the qosbftd entrypoint, mirroring chainbft_demo/cmd/main.go's
// shape of a bare root command with subcommands attached rather than a
// single monolithic command.
var RootCmd = &cobra.Command{
	Use:   "qosbftd",
	Short: "Run a QoS-attestation PBFT committee member",
}

func init() {
	RootCmd.AddCommand(StartCmd, GenNodeKeyCmd)
}

// StartCmd reads a node's configuration from the environment, builds it,
// and blocks until SIGINT/SIGTERM, then stops it cleanly.
var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start this node and join the committee",
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := log.NewTMLogger(log.NewSyncWriter(os.Stdout))
	logger = log.NewFilter(logger, log.AllowInfo())

	n, err := node.New(cfg, logger)
	if err != nil {
		return err
	}

	if err := n.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	return n.Stop()
}

// GenNodeKeyCmd generates (or loads, idempotently) this node's signing key
// and prints its node ID, the qosbft analogue of chainbft_demo's
// cmd/commands/gen_node_key.go.
var GenNodeKeyCmd = &cobra.Command{
	Use:     "gen-node-key",
	Aliases: []string{"gen_node_key"},
	Short:   "Generate this node's signing key and print its node ID",
	RunE:    runGenNodeKey,
}

func runGenNodeKey(cmd *cobra.Command, args []string) error {
	nodeID, _ := cmd.Flags().GetString("node-id")
	keyFile, _ := cmd.Flags().GetString("key-file")
	if nodeID == "" {
		return fmt.Errorf("--node-id is required")
	}
	if keyFile == "" {
		keyFile = nodeID + "_key.json"
	}

	s, err := signer.LoadOrGenEd25519Signer(nodeID, keyFile)
	if err != nil {
		return err
	}
	fmt.Println(s.NodeID())
	return nil
}

func init() {
	GenNodeKeyCmd.Flags().String("node-id", "", "node ID to generate a key for")
	GenNodeKeyCmd.Flags().String("key-file", "", "path to write the key file (default <node-id>_key.json)")
}
