// Package chain implements the UTXO blockchain state machine: block
// acceptance, the active chain tip, and reorganization (spec.md §4.3).
package chain

import (
	"fmt"
	"sync"

	"github.com/equinox-chain/eqxd/config"
	"github.com/equinox-chain/eqxd/internal/consensus"
	"github.com/equinox-chain/eqxd/internal/storage"
	"github.com/equinox-chain/eqxd/internal/utxo"
	"github.com/equinox-chain/eqxd/pkg/block"
	"github.com/equinox-chain/eqxd/pkg/tx"
	"github.com/equinox-chain/eqxd/pkg/types"
)

// RevertedTxHandler is called after a reorg with transactions from reverted
// blocks that are not present in the new branch, so the mempool can
// re-admit whichever of them are still valid (spec.md §4.3.2, S5).
type RevertedTxHandler func(txs []*tx.Transaction)

// Chain represents a blockchain instance with state, storage, and consensus.
type Chain struct {
	mu        sync.Mutex // Protects all state mutations (ProcessBlock, Reorg).
	ID        types.ChainID
	state     *State
	blocks    *BlockStore
	utxos     utxo.Set
	engine    *consensus.PoW

	rules       config.ConsensusRules
	genesisHash types.Hash // Hash of the genesis block (immutable).

	// timestamps is the recent-timestamps retarget window ending at the
	// current tip, bounded to rules.DifficultyWindow+1 entries.
	timestamps []uint64

	revertedTxHandler RevertedTxHandler
}

// New creates a new chain with the given components. rules must be the same
// consensus rules the chain was (or will be) initialized with — RebuildUTXOs
// recovery below depends on them, so unlike SetConsensusRules this is not
// optional for a chain resuming existing block data.
func New(id types.ChainID, db storage.DB, utxoSet utxo.Set, engine *consensus.PoW, rules config.ConsensusRules) (*Chain, error) {
	if db == nil {
		return nil, fmt.Errorf("storage db is nil")
	}
	if utxoSet == nil {
		return nil, fmt.Errorf("utxo set is nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("consensus engine is nil")
	}

	blocks := NewBlockStore(db)

	// Recover state from the block store.
	tipHash, height, supply, err := blocks.GetTip()
	if err != nil {
		return nil, fmt.Errorf("recover tip: %w", err)
	}

	work, frac, timestamps, _ := blocks.GetChainState(tipHash)

	// Recover genesis hash for reorg protection.
	var genesisHash types.Hash
	genBlk, err := blocks.GetBlockByHeight(0)
	if err == nil {
		genesisHash = genBlk.Hash()
	}

	ch := &Chain{
		ID: id,
		state: &State{
			TipHash:              tipHash,
			Height:               height,
			Supply:               supply,
			CumulativeDifficulty: work,
			FractionalDifficulty: frac,
		},
		blocks:      blocks,
		utxos:       utxoSet,
		engine:      engine,
		rules:       rules,
		genesisHash: genesisHash,
		timestamps:  timestamps,
	}

	// Check for incomplete reorg — if the node crashed mid-reorg, the UTXO
	// set may be inconsistent. Rebuild from blocks.
	if _, found := blocks.GetReorgCheckpoint(); found {
		if err := ch.RebuildUTXOs(); err != nil {
			return nil, fmt.Errorf("recover from interrupted reorg: %w", err)
		}
	}

	return ch, nil
}

// InitFromGenesis initializes a fresh chain from genesis configuration.
// Returns an error if the chain already has blocks.
func (c *Chain) InitFromGenesis(gen *config.Genesis) error {
	if !c.state.IsGenesis() {
		return fmt.Errorf("chain already initialized at height %d", c.state.Height)
	}

	c.rules = gen.Protocol.Consensus

	blk, err := CreateGenesisBlock(gen)
	if err != nil {
		return fmt.Errorf("create genesis: %w", err)
	}

	// Genesis bypasses consensus validation entirely: apply directly, store
	// the block, and seed the retarget window.
	if err := c.applyBlock(blk); err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}
	if err := c.blocks.PutBlock(blk); err != nil {
		return fmt.Errorf("store genesis: %w", err)
	}

	hash := blk.Hash()
	supply, err := blk.Transactions[0].TotalOutputValue()
	if err != nil {
		return fmt.Errorf("genesis coinbase output overflow: %w", err)
	}
	work := difficultyWork(blk.Header.DifficultyBits)

	c.state.TipHash = hash
	c.state.Height = 0
	c.state.Supply = supply
	c.state.CumulativeDifficulty = work
	c.state.FractionalDifficulty = c.rules.InitialDifficulty
	c.state.TipTimestamp = blk.Header.Timestamp
	c.genesisHash = hash
	c.timestamps = []uint64{blk.Header.Timestamp}

	if err := c.blocks.SetTip(hash, 0, supply); err != nil {
		return fmt.Errorf("set genesis tip: %w", err)
	}
	if err := c.blocks.PutChainState(hash, work, c.state.FractionalDifficulty, c.timestamps); err != nil {
		return fmt.Errorf("set genesis chain state: %w", err)
	}

	return nil
}

// SetConsensusRules configures consensus economic limits for runtime validation.
// Call this on startup for both fresh and resumed chains.
func (c *Chain) SetConsensusRules(r config.ConsensusRules) {
	c.rules = r
}

// State returns a copy of the current chain state.
func (c *Chain) State() State {
	return *c.state
}

// GetBlock retrieves a block by its hash.
func (c *Chain) GetBlock(hash types.Hash) (*block.Block, error) {
	return c.blocks.GetBlock(hash)
}

// GetBlockByHeight retrieves a block by its height.
func (c *Chain) GetBlockByHeight(height uint64) (*block.Block, error) {
	return c.blocks.GetBlockByHeight(height)
}

// Height returns the current chain height.
func (c *Chain) Height() uint64 {
	return c.state.Height
}

// TipHash returns the hash of the current chain tip.
func (c *Chain) TipHash() types.Hash {
	return c.state.TipHash
}

// GenesisHash returns the hash of this chain's genesis block, used by the
// P2P handshake to reject peers on a different chain (spec.md §4.6.3).
func (c *Chain) GenesisHash() types.Hash {
	return c.genesisHash
}

// Supply returns the total coins in circulation.
func (c *Chain) Supply() uint64 {
	return c.state.Supply
}

// TipTimestamp returns the timestamp of the current chain tip.
func (c *Chain) TipTimestamp() uint64 {
	return c.state.TipTimestamp
}

// NextFractionalDifficulty returns the fractional difficulty a block
// extending the current tip must round to under the LWMA retarget
// (spec.md §4.2), for the miner to pass to the consensus engine's Prepare.
func (c *Chain) NextFractionalDifficulty() float64 {
	return c.engine.NextFractionalDifficulty(c.timestamps, c.state.FractionalDifficulty)
}

// SetRevertedTxHandler sets the callback for transactions reverted during a
// reorg. These transactions should be re-added to the mempool if they are
// still valid.
func (c *Chain) SetRevertedTxHandler(fn RevertedTxHandler) {
	c.revertedTxHandler = fn
}

// difficultyWork converts difficulty-bits into the work contribution used
// for cumulative-work fork choice: 2^difficulty_bits (spec.md §4.3.2, §9).
func difficultyWork(bits uint32) float64 {
	work := 1.0
	for i := uint32(0); i < bits; i++ {
		work *= 2
	}
	return work
}

// expectedDifficultyBitsForParent computes the difficulty_bits the LWMA
// engine expects for a block extending parentHash (spec.md §4.3 step 6). If
// parentHash is the current tip, this uses the in-memory retarget window
// (O(1)); otherwise it uses the parent's recorded chain state, which holds
// exactly what a replay of the engine over the side-chain ancestry would
// produce.
func (c *Chain) expectedDifficultyBitsForParent(parentHash types.Hash) (uint32, error) {
	var parentFrac float64
	var parentTimestamps []uint64

	if parentHash == c.state.TipHash {
		parentFrac = c.state.FractionalDifficulty
		parentTimestamps = c.timestamps
	} else {
		_, frac, timestamps, ok := c.blocks.GetChainState(parentHash)
		if !ok {
			return 0, fmt.Errorf("no recorded chain state for parent %s", parentHash)
		}
		parentFrac, parentTimestamps = frac, timestamps
	}

	nextFrac := c.engine.NextFractionalDifficulty(parentTimestamps, parentFrac)
	return consensus.DifficultyBits(nextFrac, c.rules.MinDifficulty, c.rules.MaxDifficulty), nil
}

// nextChainStateForParent computes the (work, fractional difficulty,
// timestamps window) a block extending parentHash would produce, without
// mutating any chain state. Used both to advance the tip and to record
// state for newly accepted side-chain blocks.
func (c *Chain) nextChainStateForParent(parentHash types.Hash, blk *block.Block) (work, fractional float64, timestamps []uint64, err error) {
	var parentWork float64
	var parentTimestamps []uint64

	if parentHash == c.state.TipHash {
		parentWork = c.state.CumulativeDifficulty
		fractional = c.state.FractionalDifficulty
		parentTimestamps = c.timestamps
	} else {
		var ok bool
		parentWork, fractional, parentTimestamps, ok = c.blocks.GetChainState(parentHash)
		if !ok {
			return 0, 0, nil, fmt.Errorf("no recorded chain state for parent %s", parentHash)
		}
	}

	nextFrac := c.engine.NextFractionalDifficulty(parentTimestamps, fractional)
	nextTimestamps := append(append([]uint64(nil), parentTimestamps...), blk.Header.Timestamp)
	if max := c.rules.DifficultyWindow + 1; len(nextTimestamps) > max {
		nextTimestamps = nextTimestamps[len(nextTimestamps)-max:]
	}
	nextWork := parentWork + difficultyWork(blk.Header.DifficultyBits)

	return nextWork, nextFrac, nextTimestamps, nil
}

// advanceDifficultyState extends the in-memory retarget window and
// fractional difficulty to account for the newly-accepted tip block, and
// persists the resulting chain state under the block's own hash.
func (c *Chain) advanceDifficultyState(blk *block.Block) error {
	nextWork, nextFrac, nextTimestamps, err := c.nextChainStateForParent(blk.Header.PrevHash, blk)
	if err != nil {
		return err
	}

	c.state.CumulativeDifficulty = nextWork
	c.state.FractionalDifficulty = nextFrac
	c.timestamps = nextTimestamps

	if err := c.blocks.PutChainState(blk.Hash(), nextWork, nextFrac, nextTimestamps); err != nil {
		return fmt.Errorf("persist chain state: %w", err)
	}
	return nil
}

// RebuildUTXOs clears the UTXO set and replays all blocks from genesis to the
// current tip, reconstructing UTXO state, cumulative work, and the
// difficulty-retarget window. Used to recover from a crash during reorg
// where the UTXO set may be inconsistent (spec.md §7).
func (c *Chain) RebuildUTXOs() error {
	store, ok := c.utxos.(*utxo.Store)
	if !ok {
		return fmt.Errorf("UTXO set does not support ClearAll (not *utxo.Store)")
	}

	if err := store.ClearAll(); err != nil {
		return fmt.Errorf("clear utxo set: %w", err)
	}

	var supply uint64
	var work float64
	frac := c.rules.InitialDifficulty
	var timestamps []uint64

	for h := uint64(0); h <= c.state.Height; h++ {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("load block at height %d: %w", h, err)
		}

		if err := c.applyBlock(blk); err != nil {
			return fmt.Errorf("replay block at height %d: %w", h, err)
		}

		coinbaseTotal, err := blk.Transactions[0].TotalOutputValue()
		if err != nil {
			return fmt.Errorf("coinbase overflow at height %d: %w", h, err)
		}
		supply += coinbaseTotal
		work += difficultyWork(blk.Header.DifficultyBits)

		if h > 0 {
			frac = c.engine.NextFractionalDifficulty(timestamps, frac)
		}
		timestamps = append(timestamps, blk.Header.Timestamp)
		if max := c.rules.DifficultyWindow + 1; len(timestamps) > max {
			timestamps = timestamps[len(timestamps)-max:]
		}

		if err := c.blocks.PutChainState(blk.Hash(), work, frac, timestamps); err != nil {
			return fmt.Errorf("persist chain state at height %d: %w", h, err)
		}
	}

	c.state.Supply = supply
	c.state.CumulativeDifficulty = work
	c.state.FractionalDifficulty = frac
	c.timestamps = timestamps

	if err := c.blocks.SetTip(c.state.TipHash, c.state.Height, supply); err != nil {
		return fmt.Errorf("set tip after rebuild: %w", err)
	}

	// Clear the checkpoint — recovery complete.
	if err := c.blocks.DeleteReorgCheckpoint(); err != nil {
		return fmt.Errorf("delete reorg checkpoint: %w", err)
	}

	return nil
}
