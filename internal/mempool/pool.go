// Package mempool manages pending transactions waiting for block inclusion.
package mempool

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/equinox-chain/eqxd/pkg/tx"
	"github.com/equinox-chain/eqxd/pkg/types"
)

// Mempool errors.
var (
	ErrAlreadyExists = errors.New("transaction already in mempool")
	ErrConflict      = errors.New("transaction conflicts with existing mempool entry")
	ErrPoolFull      = errors.New("mempool is full")
	ErrValidation    = errors.New("transaction failed validation")
	ErrFeeTooLow     = errors.New("transaction fee below minimum")
)

// entry wraps a transaction with its fee and metadata.
type entry struct {
	tx      *tx.Transaction
	txHash  types.Hash
	fee     uint64
	feeRate float64 // fee per byte of SigningBytes.
}

// Pool holds unconfirmed transactions, ordered for block assembly by
// descending fee rate (spec §4.4, "transaction selection").
type Pool struct {
	mu         sync.RWMutex
	txs        map[types.Hash]*entry         // txHash -> entry
	spends     map[types.Outpoint]types.Hash // outpoint -> txHash (conflict index)
	maxSize    int
	minFeeRate uint64 // Minimum fee rate in base units per byte (0 = no minimum).

	utxos            tx.UTXOProvider
	heightFn         func() uint64 // Current chain height, for coinbase maturity checks.
	coinbaseMaturity uint64        // Confirmations required for a coinbase input to be spendable.
	minFee           uint64        // Consensus-minimum absolute fee (config.ConsensusRules.MinTxFee).
}

// New creates a new mempool. heightFn reports the current chain tip height
// and coinbaseMaturity/minFee are the consensus rules ValidateWithUTXOs
// enforces contextually for every candidate transaction.
func New(utxos tx.UTXOProvider, heightFn func() uint64, coinbaseMaturity, minFee uint64, maxSize int) *Pool {
	if maxSize <= 0 {
		maxSize = 5000
	}
	return &Pool{
		txs:              make(map[types.Hash]*entry),
		spends:           make(map[types.Outpoint]types.Hash),
		maxSize:          maxSize,
		utxos:            utxos,
		heightFn:         heightFn,
		coinbaseMaturity: coinbaseMaturity,
		minFee:           minFee,
	}
}

// SetMinFeeRate sets the minimum fee rate (base units per byte) for transaction acceptance.
func (p *Pool) SetMinFeeRate(rate uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minFeeRate = rate
}

// MinFeeRate returns the current minimum fee rate (base units per byte).
func (p *Pool) MinFeeRate() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.minFeeRate
}

// Add validates and adds a transaction to the mempool.
// Returns the computed fee. Rejects duplicates and double-spend conflicts.
func (p *Pool) Add(transaction *tx.Transaction) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addLocked(transaction)
}

func (p *Pool) addLocked(transaction *tx.Transaction) (uint64, error) {
	txHash := transaction.Hash()

	// Reject duplicates.
	if _, exists := p.txs[txHash]; exists {
		return 0, ErrAlreadyExists
	}

	// Check for double-spend conflicts.
	for _, in := range transaction.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		if conflictHash, exists := p.spends[in.PrevOut]; exists {
			return 0, fmt.Errorf("%w: input %s already spent by %s", ErrConflict, in.PrevOut, conflictHash)
		}
	}

	// UTXO-aware validation: coinbase maturity, ownership, EQF_TXSIG_V1
	// signature verification, and the consensus minimum fee (spec §4.3.1).
	targetHeight := uint64(0)
	if p.heightFn != nil {
		targetHeight = p.heightFn() + 1
	}
	fee, err := transaction.ValidateWithUTXOs(p.utxos, targetHeight, p.coinbaseMaturity, p.minFee)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	// Compute fee rate for minimum check and eviction comparison.
	sigBytes := len(transaction.SigningBytes())
	var feeRate float64
	if sigBytes > 0 {
		feeRate = float64(fee) / float64(sigBytes)
	}

	// Enforce the node's local minimum fee rate (fee per byte of SigningBytes),
	// a relay policy distinct from the consensus-minimum absolute fee above.
	if p.minFeeRate > 0 {
		requiredFee := p.minFeeRate * uint64(sigBytes)
		if fee < requiredFee {
			return 0, fmt.Errorf("%w: got %d, need %d (%d bytes x %d rate)", ErrFeeTooLow, fee, requiredFee, sigBytes, p.minFeeRate)
		}
	}

	// Check pool capacity — evict lowest fee-rate if new tx pays more.
	if len(p.txs) >= p.maxSize {
		lowestHash, lowestRate := p.findLowestFeeRate()
		if feeRate <= lowestRate {
			return 0, ErrPoolFull
		}
		p.removeLocked(lowestHash)
	}

	e := &entry{
		tx:      transaction,
		txHash:  txHash,
		fee:     fee,
		feeRate: feeRate,
	}

	// Add to pool and conflict index.
	p.txs[txHash] = e
	for _, in := range transaction.Inputs {
		if !in.PrevOut.IsZero() {
			p.spends[in.PrevOut] = txHash
		}
	}

	return fee, nil
}

// Remove removes a transaction from the mempool by hash.
func (p *Pool) Remove(txHash types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(txHash)
}

func (p *Pool) removeLocked(txHash types.Hash) {
	e, exists := p.txs[txHash]
	if !exists {
		return
	}
	// Clean up spend index.
	for _, in := range e.tx.Inputs {
		if !in.PrevOut.IsZero() {
			delete(p.spends, in.PrevOut)
		}
	}
	delete(p.txs, txHash)
}

// RemoveConfirmed removes all transactions that were included in a block,
// and evicts any pooled transaction that spends an outpoint they spent.
func (p *Pool) RemoveConfirmed(transactions []*tx.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range transactions {
		p.removeLocked(t.Hash())
		for _, in := range t.Inputs {
			if conflictHash, exists := p.spends[in.PrevOut]; exists {
				p.removeLocked(conflictHash)
			}
		}
	}
}

// ReconsiderReverted re-admits transactions handed back by a chain reorg
// (spec §4.3.2, step 6: abandoned-branch transactions return to the
// mempool). Each transaction is re-validated against the post-reorg UTXO
// set; one that no longer validates (its inputs were spent again on the
// new best chain) is dropped rather than re-added. Wired from
// Chain.SetRevertedTxHandler by the node.
func (p *Pool) ReconsiderReverted(transactions []*tx.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range transactions {
		p.addLocked(t) // Best-effort: a tx that no longer validates is simply dropped.
	}
}

// Has checks if a transaction exists in the mempool.
func (p *Pool) Has(txHash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.txs[txHash]
	return exists
}

// Get retrieves a transaction from the mempool.
func (p *Pool) Get(txHash types.Hash) *tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return nil
	}
	return e.tx
}

// GetFee returns the fee for a transaction in the mempool (0 if not found).
func (p *Pool) GetFee(txHash types.Hash) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return 0
	}
	return e.fee
}

// Count returns the number of transactions in the mempool.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// Hashes returns the hashes of all transactions in the mempool.
func (p *Pool) Hashes() []types.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	hashes := make([]types.Hash, 0, len(p.txs))
	for h := range p.txs {
		hashes = append(hashes, h)
	}
	return hashes
}

// findLowestFeeRate returns the hash and fee rate of the lowest fee-rate entry.
// Must be called with p.mu held.
func (p *Pool) findLowestFeeRate() (types.Hash, float64) {
	var lowestHash types.Hash
	lowestRate := math.MaxFloat64
	for h, e := range p.txs {
		if e.feeRate < lowestRate {
			lowestRate = e.feeRate
			lowestHash = h
		}
	}
	return lowestHash, lowestRate
}

// SelectForBlock returns transactions ordered by fee rate (highest first),
// up to the given limit.
func (p *Pool) SelectForBlock(limit int) []*tx.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := make([]*entry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}

	// Sort by fee rate descending.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].feeRate > entries[j].feeRate
	})

	if limit > len(entries) {
		limit = len(entries)
	}

	result := make([]*tx.Transaction, limit)
	for i := 0; i < limit; i++ {
		result[i] = entries[i].tx
	}
	return result
}
