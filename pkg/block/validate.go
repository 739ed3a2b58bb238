package block

import (
	"errors"
	"fmt"

	"github.com/equinox-chain/eqxd/config"
	"github.com/equinox-chain/eqxd/pkg/tx"
	"github.com/equinox-chain/eqxd/pkg/types"
)

// Validation errors. These cover the structural invariants a block must
// satisfy regardless of chain state; the chain engine's acceptance contract
// (internal/chain) layers its own ten-step, state-dependent checks (parent
// linkage, difficulty, PoW, merkle root, size, NoTransactions/NoCoinbase) on
// top of these before a block is committed.
var (
	ErrNilHeader           = errors.New("block has nil header")
	ErrNoTransactions      = errors.New("block has no transactions")
	ErrBadMerkleRoot       = errors.New("merkle root mismatch")
	ErrBadVersion          = errors.New("unsupported block version")
	ErrZeroTimestamp       = errors.New("block timestamp is zero")
	ErrNoCoinbase          = errors.New("first transaction must be coinbase")
	ErrTooManyTxs          = errors.New("too many transactions in block")
	ErrBlockTooLarge       = errors.New("block too large")
	ErrDuplicateBlockInput = errors.New("duplicate input across transactions in block")
	ErrMultipleCoinbase    = errors.New("multiple coinbase transactions in block")
)

// Block version constants.
const (
	CurrentVersion = 1 // The current block version produced by this software.
	MaxVersion     = 1 // Bump when a future version introduces a new block format.
)

// Validate checks block structure and internal consistency. This does NOT
// verify consensus rules (parent linkage, difficulty, PoW) — those live in
// internal/chain's acceptance contract.
func (b *Block) Validate() error {
	if b.Header == nil {
		return ErrNilHeader
	}

	if b.Header.Version < 1 || b.Header.Version > MaxVersion {
		return fmt.Errorf("%w: got %d, want 1..%d", ErrBadVersion, b.Header.Version, MaxVersion)
	}

	if b.Header.Timestamp == 0 {
		return ErrZeroTimestamp
	}

	if len(b.Transactions) == 0 {
		return ErrNoTransactions
	}

	if len(b.Transactions) > config.MaxBlockTxs {
		return fmt.Errorf("%w: %d txs, max %d", ErrTooManyTxs, len(b.Transactions), config.MaxBlockTxs)
	}

	blockSize := len(b.Header.SigningBytes())
	for _, t := range b.Transactions {
		blockSize += len(t.SigningBytes())
	}
	if blockSize > config.MaxBlockSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrBlockTooLarge, blockSize, config.MaxBlockSize)
	}

	if !isCoinbase(b.Transactions[0]) {
		return ErrNoCoinbase
	}
	for i, t := range b.Transactions[1:] {
		for _, in := range t.Inputs {
			if in.PrevOut.IsZero() {
				return fmt.Errorf("tx %d: %w", i+1, ErrMultipleCoinbase)
			}
		}
	}

	txHashes := make([]types.Hash, len(b.Transactions))
	for i, t := range b.Transactions {
		txHashes[i] = t.Hash()
	}
	expectedRoot := ComputeMerkleRoot(txHashes)
	if b.Header.MerkleRoot != expectedRoot {
		return fmt.Errorf("%w: header=%s computed=%s", ErrBadMerkleRoot, b.Header.MerkleRoot, expectedRoot)
	}

	for i, t := range b.Transactions {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
	}

	allInputs := make(map[types.Outpoint]int)
	for i, t := range b.Transactions {
		for _, in := range t.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			if prevTx, exists := allInputs[in.PrevOut]; exists {
				return fmt.Errorf("tx %d: %w: outpoint %s also spent in tx %d",
					i, ErrDuplicateBlockInput, in.PrevOut, prevTx)
			}
			allInputs[in.PrevOut] = i
		}
	}

	return nil
}

// isCoinbase returns true if the transaction has a single zero-outpoint
// input (coinbase marker).
func isCoinbase(t *tx.Transaction) bool {
	return len(t.Inputs) == 1 && t.Inputs[0].PrevOut.IsZero()
}

// Hash returns the block header's proof-of-work hash.
func (b *Block) Hash() types.Hash {
	if b.Header == nil {
		return types.Hash{}
	}
	return b.Header.Hash()
}
