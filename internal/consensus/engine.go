// Package consensus defines consensus engine interfaces.
package consensus

import "github.com/equinox-chain/eqxd/pkg/block"

// Engine is the interface for the chain's consensus implementation. The
// chain is pure proof-of-work (spec.md §4.1/§4.2); PoW is the only
// implementation. The miner depends on this interface rather than *PoW
// directly so tests can substitute a fake engine; the chain holds *PoW.
type Engine interface {
	VerifyHeader(header *block.Header) error
	Prepare(header *block.Header, fractionalDifficulty float64)
	Seal(blk *block.Block) error
}
