package chain

import (
	"fmt"

	"github.com/equinox-chain/eqxd/internal/utxo"
	"github.com/equinox-chain/eqxd/pkg/block"
	"github.com/equinox-chain/eqxd/pkg/tx"
	"github.com/equinox-chain/eqxd/pkg/types"
)

// ErrReorgTooDeep is returned when a reorg would revert more blocks than
// MaxReorgDepth.
var ErrReorgTooDeep = fmt.Errorf("reorg too deep")

// ErrGenesisReorg is returned when the candidate chain does not share the
// active chain's genesis block.
var ErrGenesisReorg = fmt.Errorf("reorg would replace genesis block")

// MaxReorgDepth is the maximum number of blocks a reorg may revert.
const MaxReorgDepth = 1000

// Reorg switches the active chain to the one ending at newTipHash, following
// spec.md §4.3.2: find the fork point, rebuild the UTXO set from scratch by
// replaying the new chain from genesis, rebuild the height index, recompute
// the difficulty-retarget state at the new tip, and move the tip pointer.
//
// Callers (ProcessBlock's side-chain branch) are expected to have already
// compared cumulative work before calling this — Reorg itself does not
// re-check that the new chain is heavier.
func (c *Chain) Reorg(newTipHash types.Hash) error {
	newTip, err := c.blocks.GetBlock(newTipHash)
	if err != nil {
		return fmt.Errorf("load new tip: %w", err)
	}

	// Step 1: walk both chains back to genesis.
	newChain, err := c.ancestryBlocks(newTipHash)
	if err != nil {
		return fmt.Errorf("collect new chain: %w", err)
	}
	oldChain, err := c.ancestryBlocks(c.state.TipHash)
	if err != nil {
		return fmt.Errorf("collect old chain: %w", err)
	}
	if len(newChain) == 0 || len(oldChain) == 0 {
		return fmt.Errorf("empty chain during reorg")
	}
	if newChain[0].Hash() != oldChain[0].Hash() {
		return ErrGenesisReorg
	}

	// Step 2: find the fork point (last height at which both chains agree).
	forkHeight := uint64(0)
	shorter := len(newChain)
	if len(oldChain) < shorter {
		shorter = len(oldChain)
	}
	for int(forkHeight)+1 < shorter && newChain[forkHeight+1].Hash() == oldChain[forkHeight+1].Hash() {
		forkHeight++
	}

	if c.state.Height-forkHeight > MaxReorgDepth {
		return fmt.Errorf("%w: %d blocks", ErrReorgTooDeep, c.state.Height-forkHeight)
	}

	if err := c.blocks.PutReorgCheckpoint(forkHeight); err != nil {
		return fmt.Errorf("write reorg checkpoint: %w", err)
	}

	// Step 3: rebuild the UTXO set from scratch, replaying the new chain
	// from genesis forward. Side-chain blocks never touched the UTXO set
	// while pending (spec.md §4.3), so every new-chain block above the fork
	// must be applied here for the first time.
	store, ok := c.utxos.(*utxo.Store)
	if !ok {
		return fmt.Errorf("UTXO set does not support ClearAll (not *utxo.Store)")
	}
	if err := store.ClearAll(); err != nil {
		return fmt.Errorf("clear utxo set: %w", err)
	}

	var supply uint64
	for _, blk := range newChain {
		coinbaseTotal, err := blk.Transactions[0].TotalOutputValue()
		if err != nil {
			return fmt.Errorf("coinbase overflow at height %d: %w", blk.Header.Height, err)
		}
		if err := c.applyBlock(blk); err != nil {
			return fmt.Errorf("replay block at height %d: %w", blk.Header.Height, err)
		}
		supply += coinbaseTotal
	}

	// Step 4: rewrite the height index and tx index for the new chain. Drop
	// stale tx-index entries from abandoned old-chain blocks first so a
	// transaction that only existed on the old branch is no longer
	// reachable by hash.
	for _, blk := range oldChain[forkHeight+1:] {
		for _, t := range blk.Transactions {
			if err := c.blocks.DeleteTxIndex(t.Hash()); err != nil {
				return fmt.Errorf("delete stale tx index: %w", err)
			}
		}
	}
	for _, blk := range newChain {
		if err := c.blocks.PutBlock(blk); err != nil {
			return fmt.Errorf("index block at height %d: %w", blk.Header.Height, err)
		}
	}

	// Step 5: the retarget timestamps window and fractional difficulty at
	// the new tip. Every side-chain block records its own chainWorkState at
	// acceptance time (spec.md §4.3), computed by replaying the LWMA engine
	// from its parent — so the new tip's recorded state already IS the
	// result step 5 asks for; no separate replay is needed here.
	work, frac, timestamps, ok := c.blocks.GetChainState(newTipHash)
	if !ok {
		return fmt.Errorf("no recorded chain state for new tip %s", newTipHash)
	}

	// Step 6: move the tip.
	c.state.TipHash = newTipHash
	c.state.Height = newTip.Header.Height
	c.state.Supply = supply
	c.state.CumulativeDifficulty = work
	c.state.FractionalDifficulty = frac
	c.state.TipTimestamp = newTip.Header.Timestamp
	c.timestamps = timestamps

	if err := c.blocks.SetTip(newTipHash, newTip.Header.Height, supply); err != nil {
		return fmt.Errorf("set tip: %w", err)
	}
	if err := c.blocks.DeleteReorgCheckpoint(); err != nil {
		return fmt.Errorf("delete reorg checkpoint: %w", err)
	}

	c.returnAbandonedTransactions(oldChain[forkHeight+1:], newChain[forkHeight+1:])

	return nil
}

// ancestryBlocks walks parent links from tipHash back to genesis and returns
// the chain in ascending height order.
func (c *Chain) ancestryBlocks(tipHash types.Hash) ([]*block.Block, error) {
	var chain []*block.Block
	hash := tipHash
	for {
		blk, err := c.blocks.GetBlock(hash)
		if err != nil {
			return nil, fmt.Errorf("load block %s: %w", hash, err)
		}
		chain = append(chain, blk)
		if blk.Header.Height == 0 {
			break
		}
		hash = blk.Header.PrevHash
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// returnAbandonedTransactions hands non-coinbase transactions from the
// abandoned branch back to the mempool via revertedTxHandler, excluding any
// that also appear on the new branch (spec.md §4.3.2, S5).
//
// Re-validating these transactions' signatures against the new chain state
// before re-admission is intentionally not done here — spec.md §9 leaves
// reorg-time transaction re-validation as an open question and this
// implementation takes the simpler default (the mempool re-validates on
// next use, same as any other pending transaction).
func (c *Chain) returnAbandonedTransactions(oldBranch, newBranch []*block.Block) {
	if c.revertedTxHandler == nil {
		return
	}

	newTxs := make(map[types.Hash]bool)
	for _, blk := range newBranch {
		for _, t := range blk.Transactions {
			newTxs[t.Hash()] = true
		}
	}

	var reverted []*tx.Transaction
	for _, blk := range oldBranch {
		for _, t := range blk.Transactions[1:] { // Skip coinbase.
			if !newTxs[t.Hash()] {
				reverted = append(reverted, t)
			}
		}
	}
	if len(reverted) > 0 {
		c.revertedTxHandler(reverted)
	}
}
