package chain

import (
	"errors"
	"fmt"
	"time"

	"github.com/equinox-chain/eqxd/internal/utxo"
	"github.com/equinox-chain/eqxd/pkg/block"
	"github.com/equinox-chain/eqxd/pkg/tx"
	"github.com/equinox-chain/eqxd/pkg/types"
)

// MaxFutureDrift bounds how far a block's timestamp may sit ahead of the
// local clock before it is rejected (spec.md §4.3 step 5).
const MaxFutureDrift = 2 * time.Hour

// Block acceptance errors (spec.md §4.3, the ten-step contract).
var (
	ErrDuplicateBlock        = errors.New("block already known")
	ErrOrphanBlock           = errors.New("parent block not known")
	ErrInvalidHeight         = errors.New("block height does not follow parent")
	ErrInvalidTimestamp      = errors.New("block timestamp not after parent")
	ErrTimestampTooFarFuture = errors.New("block timestamp too far in the future")
	ErrInsufficientPoW       = errors.New("header does not meet its claimed difficulty")
	ErrInvalidCoinbaseAmount = errors.New("coinbase output exceeds block reward plus fees")
)

// ErrInvalidDifficulty reports a mismatch between a block's claimed
// difficulty_bits and the value the LWMA engine expects for its parent.
type ErrInvalidDifficulty struct {
	Expected uint32
	Got      uint32
}

func (e *ErrInvalidDifficulty) Error() string {
	return fmt.Sprintf("invalid difficulty: expected %d, got %d", e.Expected, e.Got)
}

// ProcessBlock runs the ten-step acceptance contract (spec.md §4.3) against a
// candidate block and, if it passes, either extends the active chain or
// files it as a side-chain candidate (triggering a reorg if it now carries
// more cumulative work than the tip).
func (c *Chain) ProcessBlock(blk *block.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block or header")
	}
	hash := blk.Hash()

	// Step 1: DuplicateBlock.
	known, err := c.blocks.HasBlock(hash)
	if err != nil {
		return fmt.Errorf("check duplicate: %w", err)
	}
	if known {
		return ErrDuplicateBlock
	}

	// Step 2: OrphanBlock — the parent header must already be known.
	parentHeader, err := c.blocks.GetHeader(blk.Header.PrevHash)
	if err != nil {
		return ErrOrphanBlock
	}

	// Step 3: InvalidHeight.
	if blk.Header.Height != parentHeader.Height+1 {
		return fmt.Errorf("%w: parent height %d implies %d, got %d",
			ErrInvalidHeight, parentHeader.Height, parentHeader.Height+1, blk.Header.Height)
	}

	// Step 4: InvalidTimestamp — strictly after the parent.
	if blk.Header.Timestamp <= parentHeader.Timestamp {
		return fmt.Errorf("%w: %d <= parent %d", ErrInvalidTimestamp, blk.Header.Timestamp, parentHeader.Timestamp)
	}

	// Step 5: TimestampTooFarInFuture, except the minimal-timestamp exemption
	// (a block exactly one second after its parent is always accepted,
	// so a chain stalled near the future-drift boundary can still progress).
	maxTime := uint64(time.Now().Add(MaxFutureDrift).Unix())
	isMinimalTimestamp := blk.Header.Timestamp == parentHeader.Timestamp+1
	if blk.Header.Timestamp > maxTime && !isMinimalTimestamp {
		return fmt.Errorf("%w: %d > %d", ErrTimestampTooFarFuture, blk.Header.Timestamp, maxTime)
	}

	// Step 6: InvalidDifficulty — O(1) if parent is the tip, else resolved
	// from the parent's recorded chain state (equivalent to replaying the
	// engine over the side-chain ancestry; see chainWorkState in store.go).
	expectedBits, err := c.expectedDifficultyBitsForParent(blk.Header.PrevHash)
	if err != nil {
		return fmt.Errorf("resolve expected difficulty: %w", err)
	}
	if blk.Header.DifficultyBits != expectedBits {
		return &ErrInvalidDifficulty{Expected: expectedBits, Got: blk.Header.DifficultyBits}
	}

	// Step 7: InsufficientPoW.
	if err := c.engine.VerifyHeader(blk.Header); err != nil {
		return fmt.Errorf("%w: %v", ErrInsufficientPoW, err)
	}

	// Steps 8-10: InvalidMerkleRoot, BlockTooLarge, NoTransactions/NoCoinbase,
	// plus per-tx structural validation and duplicate-input detection.
	if err := blk.Validate(); err != nil {
		return fmt.Errorf("structural validation: %w", err)
	}

	isForkCandidate := blk.Header.PrevHash != c.state.TipHash

	if !isForkCandidate {
		return c.acceptTipExtension(blk, hash)
	}
	return c.acceptSideChainBlock(blk, hash)
}

// acceptTipExtension validates a block against the live UTXO set and, on
// success, applies it directly to become the new tip (spec.md §4.3 fast
// path).
func (c *Chain) acceptTipExtension(blk *block.Block, hash types.Hash) error {
	reward := c.rules.RewardAt(blk.Header.Height)
	totalFees, err := c.validateTransactions(blk, blk.Header.Height)
	if err != nil {
		return err
	}

	coinbaseTotal, err := blk.Transactions[0].TotalOutputValue()
	if err != nil {
		return fmt.Errorf("coinbase output overflow: %w", err)
	}
	if coinbaseTotal > reward+totalFees {
		return fmt.Errorf("%w: coinbase=%d reward=%d fees=%d", ErrInvalidCoinbaseAmount, coinbaseTotal, reward, totalFees)
	}

	if err := c.applyBlock(blk); err != nil {
		return fmt.Errorf("apply block: %w", err)
	}
	if err := c.blocks.PutBlock(blk); err != nil {
		return fmt.Errorf("store block: %w", err)
	}

	c.state.Supply += coinbaseTotal
	c.state.TipHash = hash
	c.state.Height = blk.Header.Height
	c.state.TipTimestamp = blk.Header.Timestamp

	if err := c.blocks.SetTip(hash, blk.Header.Height, c.state.Supply); err != nil {
		return fmt.Errorf("set tip: %w", err)
	}
	if err := c.advanceDifficultyState(blk); err != nil {
		return fmt.Errorf("advance difficulty state: %w", err)
	}

	return nil
}

// acceptSideChainBlock stores a block that extends a branch other than the
// active tip, without touching the UTXO set, then reorgs onto it if its
// chain now carries more cumulative work than the active tip (spec.md
// §4.3's side-chain branch, §4.3.2).
func (c *Chain) acceptSideChainBlock(blk *block.Block, hash types.Hash) error {
	if err := c.blocks.StoreBlock(blk); err != nil {
		return fmt.Errorf("store side-chain block: %w", err)
	}

	newWork, newFrac, newTimestamps, err := c.nextChainStateForParent(blk.Header.PrevHash, blk)
	if err != nil {
		return fmt.Errorf("compute side-chain state: %w", err)
	}
	if err := c.blocks.PutChainState(hash, newWork, newFrac, newTimestamps); err != nil {
		return fmt.Errorf("persist side-chain state: %w", err)
	}

	if newWork > c.state.CumulativeDifficulty {
		if err := c.Reorg(hash); err != nil {
			return fmt.Errorf("reorg: %w", err)
		}
	}
	return nil
}

// validateTransactions runs §4.3.1 contextual validation (ownership,
// signature, coinbase maturity, minimum fee) over every non-coinbase
// transaction in the block and returns the sum of their fees.
func (c *Chain) validateTransactions(blk *block.Block, targetHeight uint64) (uint64, error) {
	provider := utxo.NewProvider(c.utxos)

	var totalFees uint64
	for i, transaction := range blk.Transactions {
		if i == 0 {
			continue // Coinbase: validated structurally by blk.Validate().
		}
		fee, err := transaction.ValidateWithUTXOs(provider, targetHeight, c.rules.CoinbaseMaturity, c.rules.MinTxFee)
		if err != nil {
			return 0, fmt.Errorf("tx %d: %w", i, err)
		}
		totalFees += fee
	}
	return totalFees, nil
}

// applyBlock updates the UTXO set: spends inputs and creates outputs.
// Coinbase inputs (the zero outpoint) are skipped when spending.
func (c *Chain) applyBlock(blk *block.Block) error {
	for txIdx, transaction := range blk.Transactions {
		txHash := transaction.Hash()
		isCoinbase := txIdx == 0

		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			if err := c.utxos.Delete(in.PrevOut); err != nil {
				return fmt.Errorf("spend %s: %w", in.PrevOut, err)
			}
		}

		for i, out := range transaction.Outputs {
			u := &utxo.UTXO{
				Outpoint: types.Outpoint{TxID: txHash, Index: uint32(i)},
				Value:    out.Value,
				Script:   out.Script,
				Height:   blk.Header.Height,
				Coinbase: isCoinbase,
			}
			if err := c.utxos.Put(u); err != nil {
				return fmt.Errorf("create output %s:%d: %w", txHash, i, err)
			}
		}
	}
	return nil
}

// GetTransaction looks up a confirmed transaction by hash via the tx index.
func (c *Chain) GetTransaction(hash types.Hash) (*tx.Transaction, error) {
	_, blockHash, err := c.blocks.GetTxLocation(hash)
	if err != nil {
		return nil, err
	}
	blk, err := c.blocks.GetBlock(blockHash)
	if err != nil {
		return nil, fmt.Errorf("load block for tx: %w", err)
	}
	for _, t := range blk.Transactions {
		if t.Hash() == hash {
			return t, nil
		}
	}
	return nil, fmt.Errorf("tx %s not found in block %s (index corrupt)", hash, blockHash)
}
