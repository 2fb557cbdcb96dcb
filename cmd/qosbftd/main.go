// Command qosbftd runs one committee member of the QoS-attestation
// consensus network. Grounded on chainbft_demo/cmd/main.go: a bare main
// that builds a cobra root command and hands it off, with cli.PrepareBaseCmd
// left behind in favor of plain cobra.Execute since there is no tendermint
// config-directory convention to bootstrap here.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
