// Package config handles application configuration.
//
// Configuration is split into two categories:
//   - Protocol rules: Defined in genesis, immutable, must match across all nodes
//   - Node settings: Runtime configuration, can vary per node
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// =============================================================================
// Node Configuration (runtime, per-node settings)
// =============================================================================

// Config holds node-specific runtime configuration. These settings can vary
// between nodes without breaking consensus.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	// P2P networking
	P2P P2PConfig

	// Mining
	Mining MiningConfig

	// Logging
	Log LogConfig

	// Maintenance (not persisted in config file)
	RebuildIndexes bool
}

// P2PConfig holds peer-to-peer network settings for the raw framed-TCP
// transport (spec.md §4.6). There is no DHT or peer discovery beyond seeds,
// anchors, and GetPeers exchange.
type P2PConfig struct {
	Enabled             bool     `conf:"p2p.enabled"`
	ListenAddr          string   `conf:"p2p.listen"`
	Port                int      `conf:"p2p.port"`
	Seeds               []string `conf:"p2p.seeds"`
	MaxPeers            int      `conf:"p2p.maxpeers"`
	MaxOutboundPeers    int      `conf:"p2p.maxoutbound"`
	PeerExchangeSeconds int      `conf:"p2p.peerexchange"`
	MaxAnchors          int      `conf:"p2p.maxanchors"`
	BanThreshold        int      `conf:"p2p.banthreshold"`
	BanDurationSeconds  int      `conf:"p2p.banduration"`
	ClearBans           bool     // Clear all peer bans on startup (not persisted in config file).
}

// MiningConfig holds block production settings.
type MiningConfig struct {
	Enabled  bool   `conf:"mining.enabled"`
	Coinbase string `conf:"mining.coinbase"` // Miner's reward address.
	Threads  int    `conf:"mining.threads"`  // Parallel nonce-search workers.
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.eqxd
//	macOS:   ~/Library/Application Support/Equinox
//	Windows: %APPDATA%\Equinox
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".eqxd"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Equinox")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Equinox")
		}
		return filepath.Join(home, "AppData", "Roaming", "Equinox")
	default:
		return filepath.Join(home, ".eqxd")
	}
}

// ChainDataDir returns the chain-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// BlocksDir returns the blocks storage directory.
func (c *Config) BlocksDir() string {
	return filepath.Join(c.ChainDataDir(), "blocks")
}

// UTXODir returns the UTXO database directory.
func (c *Config) UTXODir() string {
	return filepath.Join(c.ChainDataDir(), "utxo")
}

// KeystoreDir returns the keystore directory.
func (c *Config) KeystoreDir() string {
	return filepath.Join(c.ChainDataDir(), "keystore")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// AnchorsFile returns the path to the peer-anchors file (spec.md §6.3).
func (c *Config) AnchorsFile() string {
	return filepath.Join(c.ChainDataDir(), "anchors.txt")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "eqxd.conf")
}
