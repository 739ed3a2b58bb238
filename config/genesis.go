package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/equinox-chain/eqxd/pkg/crypto"
	"github.com/equinox-chain/eqxd/pkg/types"
)

// =============================================================================
// Protocol Rules (immutable, defined in genesis)
// These MUST match across all nodes or consensus breaks.
// =============================================================================

// Denomination constants.
// 1 coin = 10^12 base units. All on-chain values are in base units.
const (
	Decimals  = 12
	Coin      = 1_000_000_000_000 // 10^12 base units per coin
	MilliCoin = 1_000_000_000     // 10^9
	MicroCoin = 1_000_000         // 10^6
)

// Block and transaction size limits (consensus-critical).
const (
	MaxBlockSize  = 2_000_000 // 2 MB max block size (header + all tx signing bytes)
	MaxBlockTxs   = 500       // Max transactions per block (including coinbase)
	MaxTxInputs   = 2500      // Max inputs per transaction
	MaxTxOutputs  = 2500      // Max outputs per transaction
	MaxScriptData = 65_536    // 64 KB max script data per output
)

// CommunityFundPubKeyHash is the recipient of the genesis block's community
// fund share: the pubkey-hash made of 0xCF repeated (spec.md §6.4).
var CommunityFundPubKeyHash = func() types.Address {
	var a types.Address
	for i := range a {
		a[i] = 0xCF
	}
	return a
}()

// Genesis holds the genesis block configuration and protocol rules. This is
// immutable after chain launch — changes require a hard fork.
type Genesis struct {
	// Chain identity.
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
	Symbol    string `json:"symbol,omitempty"`

	// Genesis block.
	Timestamp uint64 `json:"timestamp"`
	ExtraData string `json:"extra_data,omitempty"`

	// Protocol rules.
	Protocol ProtocolConfig `json:"protocol"`
}

// ForkSchedule defines block heights at which protocol upgrades activate.
// A zero value means the fork is not scheduled.
type ForkSchedule struct {
}

// IsActive returns true if a fork at forkHeight has activated at currentHeight.
// Returns false if forkHeight is 0 (not scheduled).
func (f *ForkSchedule) IsActive(forkHeight, currentHeight uint64) bool {
	return forkHeight > 0 && currentHeight >= forkHeight
}

// ProtocolConfig holds consensus-critical rules. All nodes MUST agree on
// these values.
type ProtocolConfig struct {
	Consensus ConsensusRules `json:"consensus"`
	Forks     ForkSchedule   `json:"forks,omitempty"`
}

// ConsensusRules bakes in the pure proof-of-work consensus parameters
// (spec.md §6.4). These are fixed at genesis and must match across every
// node on the network.
type ConsensusRules struct {
	// LWMA difficulty engine (§4.2).
	TargetBlockTime       int64   `json:"target_block_time"`       // Seconds.
	DifficultyWindow      int     `json:"difficulty_window"`       // Sliding window size.
	MaxAdjustmentPerBlock float64 `json:"max_adjustment_per_block"`
	InitialDifficulty     float64 `json:"initial_difficulty"`
	MinDifficulty         float64 `json:"min_difficulty"`
	MaxDifficulty         float64 `json:"max_difficulty"`

	// Reward schedule.
	InitialBlockReward uint64 `json:"initial_block_reward"` // Base units, before any halving.
	HalvingInterval    uint64 `json:"halving_interval"`     // Blocks between halvings (0 = no halving).
	MaxSupply          uint64 `json:"max_supply"`           // 0 = unlimited.

	// Community fund: the genesis coinbase pays this fraction of the
	// initial reward to CommunityFundPubKeyHash and the rest to the miner.
	// Coinbases built by the miner pay the whole reward to the miner, and
	// block validation does not check for a fund output.
	CommunityFundPercent float64 `json:"community_fund_percent"`

	// Fees and maturity.
	MinTxFee         uint64 `json:"min_tx_fee"`        // Base units, flat minimum per transaction.
	CoinbaseMaturity uint64 `json:"coinbase_maturity"` // Blocks before a coinbase output is spendable.

	// Network identity (handshake, §4.6.3).
	NetworkMagic       uint32 `json:"network_magic"`
	MinProtocolVersion uint32 `json:"min_protocol_version"`
}

// RewardAt computes the block subsidy at the given height, halving every
// HalvingInterval blocks (0 = no halving, constant reward).
func (r *ConsensusRules) RewardAt(height uint64) uint64 {
	if r.HalvingInterval == 0 {
		return r.InitialBlockReward
	}
	halvings := height / r.HalvingInterval
	if halvings >= 64 {
		return 0
	}
	return r.InitialBlockReward >> halvings
}

// CommunityFundShare splits a block reward into the community fund's cut
// and the miner's remainder. The miner always receives the remainder, so
// rounding favors the miner over the fund.
func (r *ConsensusRules) CommunityFundShare(reward uint64) (fund, miner uint64) {
	fund = uint64(float64(reward) * r.CommunityFundPercent)
	if fund > reward {
		fund = reward
	}
	return fund, reward - fund
}

// =============================================================================
// Pre-defined genesis configurations
// =============================================================================

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:   "equinox-mainnet-1",
		ChainName: "Equinox Mainnet",
		Symbol:    "EQX",
		Timestamp: 1770734103, // 2026-02-10
		ExtraData: "Equinox Chain Genesis",
		Protocol: ProtocolConfig{
			Consensus: ConsensusRules{
				TargetBlockTime:       90,
				DifficultyWindow:      60,
				MaxAdjustmentPerBlock: 50,
				InitialDifficulty:     8,
				MinDifficulty:         4,
				MaxDifficulty:         200,
				InitialBlockReward:    50 * Coin,
				HalvingInterval:       2_102_400, // ~6 years at 90s blocks
				MaxSupply:             21_000_000 * Coin,
				CommunityFundPercent:  0.05,
				MinTxFee:              1_000,
				CoinbaseMaturity:      100,
				NetworkMagic:          0xE9100001,
				MinProtocolVersion:    2,
			},
		},
	}
}

// TestnetGenesis returns the testnet genesis configuration: the same
// consensus shape as mainnet but with relaxed maturity/fee settings so
// a local devnet can iterate quickly.
func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.ChainID = "equinox-testnet-1"
	g.ChainName = "Equinox Testnet"
	g.ExtraData = "Equinox Chain Testnet Genesis"

	g.Protocol.Consensus.CoinbaseMaturity = 10
	g.Protocol.Consensus.MinTxFee = 1
	g.Protocol.Consensus.NetworkMagic = 0xE9100002
	return g
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	default:
		return MainnetGenesis()
	}
}

// =============================================================================
// Genesis file I/O
// =============================================================================

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}

	return nil
}

// Validate checks that the genesis configuration is internally consistent.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}

	c := g.Protocol.Consensus
	if c.TargetBlockTime <= 0 {
		return fmt.Errorf("target_block_time must be positive")
	}
	if c.DifficultyWindow <= 0 {
		return fmt.Errorf("difficulty_window must be positive")
	}
	if c.InitialDifficulty <= 0 {
		return fmt.Errorf("initial_difficulty must be positive")
	}
	if c.MinDifficulty <= 0 || c.MaxDifficulty < c.MinDifficulty {
		return fmt.Errorf("min_difficulty/max_difficulty out of order")
	}
	if c.InitialDifficulty < c.MinDifficulty || c.InitialDifficulty > c.MaxDifficulty {
		return fmt.Errorf("initial_difficulty outside [min_difficulty, max_difficulty]")
	}
	if c.InitialBlockReward == 0 {
		return fmt.Errorf("initial_block_reward must be positive")
	}
	if c.CommunityFundPercent < 0 || c.CommunityFundPercent > 1 {
		return fmt.Errorf("community_fund_percent must be in [0, 1]")
	}
	if c.NetworkMagic == 0 {
		return fmt.Errorf("network_magic is required")
	}
	if g.Timestamp == 0 {
		return fmt.Errorf("genesis timestamp is required")
	}

	return nil
}

// Hash returns a BLAKE3 hash of the JSON-encoded genesis configuration. The
// P2P handshake does not use it; it compares genesis block hashes instead.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}
