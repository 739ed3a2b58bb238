package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help    bool
	Version bool

	// Core
	Network string
	DataDir string
	Config  string

	// P2P
	P2P          bool
	P2PPort      int
	Seeds        string
	MaxPeers     int
	MaxOutbound  int
	BanThreshold int
	ClearBans    bool

	// Mining
	Mine     bool
	Coinbase string
	Threads  int

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Remaining args
	Args []string

	// Explicitly-set bool flags (for true/false overrides).
	SetP2P      bool
	SetMine     bool
	SetLogJSON  bool
	SetClearBan bool
}

// ParseFlags parses command-line flags.
func ParseFlags() *Flags {
	f := &Flags{}
	fs := flag.NewFlagSet("eqxd", flag.ContinueOnError)

	// Commands
	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	// Core
	fs.StringVar(&f.Network, "network", "", "Network type (mainnet or testnet)")
	fs.Bool("testnet", false, "Use testnet (shorthand for --network=testnet)")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")

	// P2P
	fs.BoolVar(&f.P2P, "p2p", true, "Enable P2P networking")
	fs.IntVar(&f.P2PPort, "p2p-port", 0, "P2P listen port")
	fs.StringVar(&f.Seeds, "seeds", "", "Seed nodes as comma-separated host:port addresses")
	fs.IntVar(&f.MaxPeers, "maxpeers", 0, "Maximum number of peers")
	fs.IntVar(&f.MaxOutbound, "maxoutbound", 0, "Maximum number of outbound peer connections")
	fs.IntVar(&f.BanThreshold, "ban-threshold", 0, "Strike score at which a peer is banned")
	fs.BoolVar(&f.ClearBans, "clear-bans", false, "Clear all peer bans on startup")

	// Mining
	fs.BoolVar(&f.Mine, "mine", false, "Enable block production")
	fs.StringVar(&f.Coinbase, "coinbase", "", "Address to receive block rewards")
	fs.IntVar(&f.Threads, "threads", 0, "Parallel nonce-search worker threads")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	// Custom usage
	fs.Usage = func() {
		printUsage()
	}

	// Parse
	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	// Handle --testnet shorthand
	if isFlagSet(fs, "testnet") {
		f.Network = "testnet"
	}
	f.SetP2P = isFlagSet(fs, "p2p")
	f.SetMine = isFlagSet(fs, "mine")
	f.SetLogJSON = isFlagSet(fs, "log-json")
	f.SetClearBan = isFlagSet(fs, "clear-bans")

	f.Args = fs.Args()

	// Detect unparsed flags caused by positional arguments stopping the parser.
	// This catches mistakes like "--mine foo --coinbase=x" where "foo" is not
	// a flag value (--mine is a bool) and stops all further parsing.
	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			fmt.Fprintf(os.Stderr, "Error: flag %q was not parsed (positional argument stopped parsing)\n", arg)
			fmt.Fprintf(os.Stderr, "Hint: --mine is a boolean flag. Use --mine (not --mine <value>)\n")
			os.Exit(1)
		}
	}

	return f
}

// ApplyFlags applies command-line flags to a Config struct.
func ApplyFlags(cfg *Config, f *Flags) {
	// Core
	if f.Network != "" {
		cfg.Network = NetworkType(f.Network)
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}

	// P2P
	if f.SetP2P {
		cfg.P2P.Enabled = f.P2P
	}
	if f.P2PPort != 0 {
		cfg.P2P.Port = f.P2PPort
	}
	if f.Seeds != "" {
		cfg.P2P.Seeds = parseStringList(f.Seeds)
	}
	if f.MaxPeers != 0 {
		cfg.P2P.MaxPeers = f.MaxPeers
	}
	if f.MaxOutbound != 0 {
		cfg.P2P.MaxOutboundPeers = f.MaxOutbound
	}
	if f.BanThreshold != 0 {
		cfg.P2P.BanThreshold = f.BanThreshold
	}
	if f.SetClearBan {
		cfg.P2P.ClearBans = f.ClearBans
	}

	// Mining
	if f.SetMine {
		cfg.Mining.Enabled = f.Mine
	}
	if f.Coinbase != "" {
		cfg.Mining.Coinbase = f.Coinbase
	}
	if f.Threads != 0 {
		cfg.Mining.Threads = f.Threads
	}

	// Logging
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
}

// isFlagSet checks if a flag was explicitly set.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func printUsage() {
	usage := `Equinox Chain - UTXO proof-of-work blockchain node

Usage:
  eqxd [options]
  eqxd --help

Commands:
  --help, -h      Show this help message
  --version, -v   Show version information

Core Options:
  --network       Network type: mainnet (default) or testnet
  --testnet       Shorthand for --network=testnet
  --datadir       Data directory (default: ~/.eqxd)
  --config, -c    Config file path (default: <datadir>/eqxd.conf)

P2P Options:
  --p2p           Enable P2P networking (default: true)
  --p2p-port      P2P listen port (mainnet: 30303, testnet: 30304)
  --seeds         Seed nodes as comma-separated host:port addresses
  --maxpeers      Maximum number of peers (default: 50)
  --maxoutbound   Maximum number of outbound peer connections (default: 8)
  --ban-threshold Strike score at which a peer is banned (default: 20)
  --clear-bans    Clear all peer bans on startup

Mining Options:
  --mine          Enable block production
  --coinbase      Address to receive block rewards
  --threads       Parallel nonce-search worker threads (default: 1)

Logging Options:
  --log-level     Log level: debug, info, warn, error (default: info)
  --log-file      Log file path (default: <datadir>/logs/eqxd.log, also echoed to stdout)
  --log-json      Output logs as JSON

Examples:
  # Start mainnet node
  eqxd

  # Start testnet node
  eqxd --network=testnet

  # Start mining with 4 worker threads
  eqxd --mine --coinbase=<address> --threads=4

  # Start with custom data directory
  eqxd --datadir=/path/to/data

Note:
  Consensus rules (difficulty parameters, reward schedule, block/tx limits)
  are hardcoded in the genesis configuration and cannot be changed at
  runtime. Data directories are created automatically on first start.
`
	fmt.Print(usage)
}

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Command-line flags
func Load() (*Config, *Flags, error) {
	flags := ParseFlags()

	// Handle help/version
	if flags.Help {
		printUsage()
		os.Exit(0)
	}
	if flags.Version {
		fmt.Println("eqxd version 0.1.0")
		os.Exit(0)
	}

	// Determine network first (needed for defaults)
	network := Mainnet
	if strings.ToLower(flags.Network) == "testnet" {
		network = Testnet
	}

	// Start with defaults
	cfg := Default(network)

	// Override datadir if specified
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}

	// Auto-create data directories and default config on first start.
	if err := EnsureDataDirs(cfg); err != nil {
		return nil, nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	// Determine config file path
	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}

	// Load config file
	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config file: %w", err)
	}

	// Apply file config
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, nil, fmt.Errorf("applying config file: %w", err)
	}

	// Apply flags (highest precedence)
	ApplyFlags(cfg, flags)
	if err := Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, flags, nil
}

// EnsureDataDirs creates the data directory structure and a default config
// file if they don't already exist. This is idempotent — safe to call on
// every startup.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.ChainDataDir(),
		cfg.BlocksDir(),
		cfg.UTXODir(),
		cfg.KeystoreDir(),
		cfg.LogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	// Create default config if it doesn't exist.
	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}

	return nil
}
