package node

import (
	"fmt"

	"github.com/equinox-chain/eqxd/config"
	"github.com/equinox-chain/eqxd/internal/consensus"
	"github.com/equinox-chain/eqxd/pkg/types"
)

// resolveCoinbase parses the --coinbase flag into an address. Mining
// requires an explicit address: a pure PoW miner has no signing identity
// to derive a reward destination from.
func resolveCoinbase(coinbaseStr string) (types.Address, error) {
	if coinbaseStr == "" {
		return types.Address{}, fmt.Errorf("--mine requires --coinbase address")
	}
	addr, err := types.ParseAddress(coinbaseStr)
	if err != nil {
		return types.Address{}, fmt.Errorf("invalid coinbase address: %w", err)
	}
	return addr, nil
}

// createEngine builds the chain's proof-of-work consensus engine from the
// genesis-defined LWMA constants (spec.md §4.2).
func createEngine(rules config.ConsensusRules) (*consensus.PoW, error) {
	engine, err := consensus.NewPoW(
		rules.InitialDifficulty,
		rules.TargetBlockTime,
		rules.DifficultyWindow,
		rules.MaxAdjustmentPerBlock,
		rules.MinDifficulty,
		rules.MaxDifficulty,
	)
	if err != nil {
		return nil, fmt.Errorf("create pow engine: %w", err)
	}
	return engine, nil
}

// formatDifficulty returns a human-readable difficulty string (e.g. "1.05M").
func formatDifficulty(d uint64) string {
	switch {
	case d >= 1_000_000_000_000:
		return fmt.Sprintf("%.2fT", float64(d)/1_000_000_000_000)
	case d >= 1_000_000_000:
		return fmt.Sprintf("%.2fG", float64(d)/1_000_000_000)
	case d >= 1_000_000:
		return fmt.Sprintf("%.2fM", float64(d)/1_000_000)
	case d >= 1_000:
		return fmt.Sprintf("%.2fK", float64(d)/1_000)
	default:
		return fmt.Sprintf("%d", d)
	}
}
