// Command eqxd runs an Equinox Chain full node.
//
// Usage:
//
//	eqxd                                    Run node (mainnet)
//	eqxd --network=testnet                  Run node (testnet)
//	eqxd --mine --coinbase=<address>        Run node and mine blocks
//	eqxd --help                             Show help
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/equinox-chain/eqxd/config"
	klog "github.com/equinox-chain/eqxd/internal/log"
	"github.com/equinox-chain/eqxd/internal/node"
)

func main() {
	cfg, _, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	n, err := node.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := n.Start(); err != nil {
		klog.Logger.Fatal().Err(err).Msg("Failed to start node")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	statusTicker := time.NewTicker(30 * time.Second)
	defer statusTicker.Stop()

	for {
		select {
		case sig := <-sigCh:
			klog.Logger.Info().Str("signal", sig.String()).Msg("Shutting down")
			if err := n.Stop(); err != nil {
				klog.Logger.Error().Err(err).Msg("Error during shutdown")
			}
			return
		case <-statusTicker.C:
			klog.Logger.Info().
				Uint64("height", n.Height()).
				Int("peers", n.PeerCount()).
				Msg("Node status")
		}
	}
}
