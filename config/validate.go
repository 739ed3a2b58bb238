package config

import "fmt"

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.P2P.Port < 0 || cfg.P2P.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}
	if cfg.P2P.MaxPeers < 0 {
		return fmt.Errorf("p2p.maxpeers must be non-negative")
	}
	if cfg.P2P.MaxOutboundPeers < 0 {
		return fmt.Errorf("p2p.maxoutbound must be non-negative")
	}
	if cfg.P2P.MaxOutboundPeers > cfg.P2P.MaxPeers && cfg.P2P.MaxPeers > 0 {
		return fmt.Errorf("p2p.maxoutbound cannot exceed p2p.maxpeers")
	}
	if cfg.P2P.MaxAnchors < 0 {
		return fmt.Errorf("p2p.maxanchors must be non-negative")
	}
	if cfg.P2P.BanThreshold < 0 {
		return fmt.Errorf("p2p.banthreshold must be non-negative")
	}
	if cfg.P2P.BanDurationSeconds < 0 {
		return fmt.Errorf("p2p.banduration must be non-negative")
	}
	if cfg.Mining.Threads < 0 {
		return fmt.Errorf("mining.threads must be non-negative")
	}
	if cfg.Mining.Enabled && cfg.Mining.Coinbase == "" {
		return fmt.Errorf("mining.coinbase is required when mining.enabled is true")
	}

	return nil
}
