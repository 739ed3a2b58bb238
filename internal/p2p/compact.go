package p2p

import (
	"sync"
	"time"

	"github.com/equinox-chain/eqxd/pkg/block"
	"github.com/equinox-chain/eqxd/pkg/tx"
	"github.com/equinox-chain/eqxd/pkg/types"
)

const (
	maxPendingCompact   = 50
	pendingCompactTTL   = 30 * time.Second
	compactStrikeBadPoW = StrikeInvalidBlock * 2
)

type pendingCompact struct {
	header    *block.Header
	buffer    []*tx.Transaction
	indexOf   map[types.Hash]int // witness-txid -> buffer index
	missing   map[types.Hash]struct{}
	createdAt time.Time
	from      *Peer
}

type pendingCompactTable struct {
	mu      sync.Mutex
	entries map[types.Hash]*pendingCompact // header hash -> entry
	order   []types.Hash                   // insertion order, for oldest-first eviction
}

func newPendingCompactTable() *pendingCompactTable {
	return &pendingCompactTable{entries: make(map[types.Hash]*pendingCompact)}
}

func (t *pendingCompactTable) put(hash types.Hash, e *pendingCompact) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[hash]; !exists {
		t.order = append(t.order, hash)
	}
	t.entries[hash] = e
	for len(t.entries) > maxPendingCompact {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.entries, oldest)
	}
}

func (t *pendingCompactTable) get(hash types.Hash) (*pendingCompact, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[hash]
	return e, ok
}

func (t *pendingCompactTable) delete(hash types.Hash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, hash)
}

func (t *pendingCompactTable) evictExpired() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for hash, e := range t.entries {
		if now.Sub(e.createdAt) > pendingCompactTTL {
			delete(t.entries, hash)
		}
	}
}

// forEachMissing invokes fn for every pending entry that is still waiting
// on witnessHash, so a TransactionBatch reply can fill in all entries at
// once rather than just the one that originally triggered the request.
func (t *pendingCompactTable) forEachMissing(witnessHash types.Hash, fn func(hash types.Hash, e *pendingCompact)) {
	t.mu.Lock()
	type hit struct {
		hash types.Hash
		e    *pendingCompact
	}
	var hits []hit
	for hash, e := range t.entries {
		if _, ok := e.missing[witnessHash]; ok {
			hits = append(hits, hit{hash, e})
		}
	}
	t.mu.Unlock()
	for _, h := range hits {
		fn(h.hash, h.e)
	}
}

// sendCompactBlock relays an accepted block as a CompactBlock (spec.md
// §4.6.5): all transactions but the coinbase are referenced by witness-txid.
func (n *Node) sendCompactBlock(p *Peer, blk *block.Block) {
	var shortIDs []types.Hash
	for _, t := range blk.Transactions[1:] {
		shortIDs = append(shortIDs, t.WitnessHash())
	}
	p.send(n.cfg.NetworkMagic, MsgCompactBlock, CompactBlockPayload{
		Header:     blk.Header,
		ShortTxIDs: shortIDs,
		Coinbase:   blk.Transactions[0],
	})
}

func (n *Node) handleCompactBlock(p *Peer, msg Message) {
	payload, err := decodePayload[CompactBlockPayload](msg)
	if err != nil || payload.Header == nil || payload.Coinbase == nil {
		n.strike(p, StrikeMalformedMessage, "bad CompactBlock")
		return
	}
	if n.chain == nil {
		return
	}
	headerHash := payload.Header.Hash()
	if _, err := n.chain.GetBlock(headerHash); err == nil {
		return // Already have it.
	}
	if !payload.Header.MeetsDifficulty() {
		n.strike(p, compactStrikeBadPoW, "compact block header fails PoW")
		return
	}

	buffer := make([]*tx.Transaction, 1+len(payload.ShortTxIDs))
	buffer[0] = payload.Coinbase
	indexOf := make(map[types.Hash]int, len(payload.ShortTxIDs))
	missing := make(map[types.Hash]struct{})

	for i, shortID := range payload.ShortTxIDs {
		idx := i + 1
		indexOf[shortID] = idx
		if found := n.lookupMempoolByWitness(shortID); found != nil {
			buffer[idx] = found
		} else {
			missing[shortID] = struct{}{}
		}
	}

	if len(missing) == 0 {
		n.assembleAndAccept(p, payload.Header, buffer)
		return
	}

	entry := &pendingCompact{
		header:    payload.Header,
		buffer:    buffer,
		indexOf:   indexOf,
		missing:   missing,
		createdAt: time.Now(),
		from:      p,
	}
	n.pending.put(headerHash, entry)

	need := make([]types.Hash, 0, len(missing))
	for h := range missing {
		need = append(need, h)
	}
	p.send(n.cfg.NetworkMagic, MsgGetTransactions, GetTransactionsPayload{WitnessTxIDs: need})
}

func (n *Node) lookupMempoolByWitness(witnessHash types.Hash) *tx.Transaction {
	if n.mempool == nil {
		return nil
	}
	for _, h := range n.mempool.Hashes() {
		t := n.mempool.Get(h)
		if t != nil && t.WitnessHash() == witnessHash {
			return t
		}
	}
	return nil
}

func (n *Node) assembleAndAccept(p *Peer, header *block.Header, txs []*tx.Transaction) {
	blk := block.NewBlock(header, txs)
	n.acceptRelayedBlock(p, blk)
}

func (n *Node) handleGetTransactions(p *Peer, msg Message) {
	payload, err := decodePayload[GetTransactionsPayload](msg)
	if err != nil {
		n.strike(p, StrikeMalformedMessage, "bad GetTransactions")
		return
	}
	var found []*tx.Transaction
	for _, witnessHash := range payload.WitnessTxIDs {
		if t := n.lookupMempoolByWitness(witnessHash); t != nil {
			found = append(found, t)
		}
	}
	p.send(n.cfg.NetworkMagic, MsgTransactionBatch, TransactionBatchPayload{Txs: found})
}

func (n *Node) handleTransactionBatch(p *Peer, msg Message) {
	payload, err := decodePayload[TransactionBatchPayload](msg)
	if err != nil {
		n.strike(p, StrikeMalformedMessage, "bad TransactionBatch")
		return
	}
	deliver(p.pendingTxBatch, payload.Txs)

	for _, t := range payload.Txs {
		if n.mempool != nil {
			n.mempool.Add(t) // Best-effort; already-admitted or invalid txs are ignored.
		}
		witnessHash := t.WitnessHash()
		n.pending.forEachMissing(witnessHash, func(hash types.Hash, e *pendingCompact) {
			idx, ok := e.indexOf[witnessHash]
			if !ok {
				return
			}
			e.buffer[idx] = t
			delete(e.missing, witnessHash)
			if len(e.missing) == 0 {
				n.pending.delete(hash)
				n.assembleAndAccept(e.from, e.header, e.buffer)
			}
		})
	}
}
