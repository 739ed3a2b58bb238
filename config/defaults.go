package config

// DefaultMainnet returns the default node configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		P2P: P2PConfig{
			Enabled:             true,
			ListenAddr:          "0.0.0.0",
			Port:                30303,
			MaxPeers:            50,
			MaxOutboundPeers:    8,
			PeerExchangeSeconds: 300,
			MaxAnchors:          64,
			BanThreshold:        20,
			BanDurationSeconds:  30 * 60,
			// Seeds are dialed on startup and whenever the peer count drops
			// to zero. Real addresses will be filled when seed servers are
			// provisioned.
			Seeds: []string{},
		},
		Mining: MiningConfig{
			Enabled: false,
			Threads: 1,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default node configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.P2P.Port = 30304
	return cfg
}

// Default returns the default node configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
