package chain

import "github.com/equinox-chain/eqxd/pkg/types"

// State holds the current chain tip state.
type State struct {
	Height               uint64
	TipHash              types.Hash
	Supply               uint64  // Total coins in circulation (genesis issuance + cumulative rewards).
	CumulativeDifficulty float64 // Sum of 2^difficulty_bits over the active chain (PoW fork choice, spec.md §4.3.2).
	TipTimestamp         uint64  // Timestamp of the current tip block.
	FractionalDifficulty float64 // Tip's pre-rounding LWMA difficulty, the retarget starting point.
}

// IsGenesis returns true if no blocks have been processed yet.
func (s *State) IsGenesis() bool {
	return s.Height == 0 && s.TipHash.IsZero()
}
