package p2p

import (
	"errors"

	"github.com/equinox-chain/eqxd/internal/chain"
	"github.com/equinox-chain/eqxd/pkg/block"
	"github.com/equinox-chain/eqxd/pkg/tx"
)

func (n *Node) handleNewBlock(p *Peer, msg Message) {
	payload, err := decodePayload[NewBlockPayload](msg)
	if err != nil || payload.Block == nil || payload.Block.Header == nil {
		n.strike(p, StrikeMalformedMessage, "bad NewBlock")
		return
	}
	if h := payload.Block.Header.Height; h > p.BestHeight() {
		p.bestHeight.Store(h)
	}
	n.acceptRelayedBlock(p, payload.Block)
}

// acceptRelayedBlock submits blk to the chain and applies the harmless/
// penalized scoreboard split from spec.md §4.6.8, then relays a compact
// block onward and triggers a locator sync on an unknown parent.
func (n *Node) acceptRelayedBlock(p *Peer, blk *block.Block) {
	if n.chain == nil {
		return
	}
	if _, err := n.chain.GetBlock(blk.Hash()); err == nil {
		return // Already known; duplicate is harmless, no relay.
	}
	err := n.chain.ProcessBlock(blk)
	if err != nil {
		if errors.Is(err, chain.ErrOrphanBlock) {
			go n.syncWithPeer(p)
			return
		}
		if !classifyBlockErr(err) {
			n.strike(p, StrikeInvalidBlock, err.Error())
		}
		return
	}

	if n.mempool != nil {
		n.mempool.RemoveConfirmed(blk.Transactions)
	}
	if n.blockHandler != nil {
		n.blockHandler(p, blk)
	}
	n.broadcastBlockExcept(blk, p)
}

func (n *Node) handleNewTransaction(p *Peer, msg Message) {
	payload, err := decodePayload[NewTransactionPayload](msg)
	if err != nil || payload.Tx == nil {
		n.strike(p, StrikeMalformedMessage, "bad NewTransaction")
		return
	}
	n.admitRelayedTx(p, payload.Tx)
}

func (n *Node) admitRelayedTx(p *Peer, t *tx.Transaction) bool {
	if n.mempool == nil {
		return false
	}
	if _, err := n.mempool.Add(t); err != nil {
		n.strike(p, StrikeInvalidTx, err.Error())
		return false
	}
	if n.txHandler != nil {
		n.txHandler(p, t)
	}
	n.broadcastTxExcept(t, p)
	return true
}

func (n *Node) handleGetPeers(p *Peer) {
	p.send(n.cfg.NetworkMagic, MsgPeers, PeersPayload{Addrs: n.anchors.Known()})
}
