package p2p

import (
	"context"
	"time"

	"github.com/equinox-chain/eqxd/pkg/block"
	"github.com/equinox-chain/eqxd/pkg/types"
)

const (
	headersPerRequest  = 2000
	blockDataChunkSize = 100
	syncRequestTimeout = 30 * time.Second
)

// locator walks the active chain from the tip backward (spec.md §4.6.4):
// the first 8 entries advance one block at a time, then the step doubles
// (capped at 1024) until height 0; genesis is always appended last.
func (n *Node) locator() []types.Hash {
	if n.chain == nil {
		return nil
	}
	height := n.chain.Height()
	var hashes []types.Hash
	step := uint64(1)
	taken := 0
	h := height
	for {
		blk, err := n.chain.GetBlockByHeight(h)
		if err == nil {
			hashes = append(hashes, blk.Hash())
		}
		if h == 0 {
			break
		}
		taken++
		if taken >= 8 {
			step *= 2
			if step > 1024 {
				step = 1024
			}
		}
		if h < step {
			h = 0
		} else {
			h -= step
		}
	}
	if len(hashes) == 0 || hashes[len(hashes)-1] != n.genesisHashAt0() {
		if genesisBlk, err := n.chain.GetBlockByHeight(0); err == nil {
			hashes = append(hashes, genesisBlk.Hash())
		}
	}
	return hashes
}

func (n *Node) genesisHashAt0() types.Hash {
	if n.chain == nil {
		return types.Hash{}
	}
	blk, err := n.chain.GetBlockByHeight(0)
	if err != nil {
		return types.Hash{}
	}
	return blk.Hash()
}

// syncWithPeer runs one locator-based headers-first sync round against p,
// continuing with fresh locators as long as new blocks are still being
// accepted (spec.md §4.6.4).
func (n *Node) syncWithPeer(p *Peer) {
	n.syncMu.Lock()
	defer n.syncMu.Unlock()
	if n.chain == nil {
		return
	}

	for rounds := 0; rounds < 10_000; rounds++ {
		select {
		case <-n.ctx.Done():
			return
		case <-p.done:
			return
		default:
		}

		loc := n.locator()
		if err := p.send(n.cfg.NetworkMagic, MsgGetHeadersFrom, GetHeadersFromPayload{
			Locator: loc, Count: headersPerRequest,
		}); err != nil {
			return
		}

		var headers []*block.Header
		select {
		case headers = <-p.pendingHeaders:
		case <-time.After(syncRequestTimeout):
			return
		case <-n.ctx.Done():
			return
		}
		if len(headers) == 0 {
			return // Peer has nothing new; sync round complete.
		}

		validHashes := n.validateHeaderChain(headers)
		if len(validHashes) == 0 {
			n.strike(p, StrikeInvalidBlock, "header chain failed validation")
			return
		}

		var need []types.Hash
		for _, h := range validHashes {
			if _, err := n.chain.GetBlock(h); err != nil {
				need = append(need, h)
			}
		}

		accepted := 0
		for i := 0; i < len(need); i += blockDataChunkSize {
			end := i + blockDataChunkSize
			if end > len(need) {
				end = len(need)
			}
			chunk := need[i:end]
			if err := p.send(n.cfg.NetworkMagic, MsgGetBlockData, GetBlockDataPayload{Hashes: chunk}); err != nil {
				return
			}
			var blocks []*block.Block
			select {
			case blocks = <-p.pendingBlockData:
			case <-time.After(syncRequestTimeout):
				return
			case <-n.ctx.Done():
				return
			}
			for _, blk := range blocks {
				if err := n.chain.ProcessBlock(blk); err == nil {
					accepted++
				}
			}
			// Yield between chunks so the miner and other connections
			// can make progress (spec.md §4.6.4, §5 backpressure).
			time.Sleep(time.Millisecond)
		}

		if accepted == 0 && len(need) > 0 {
			return // All-rejected batch; stop rather than loop forever.
		}
		if p.BestHeight() <= n.safeHeight() {
			return
		}
	}
}

// validateHeaderChain validates headers in order (spec.md §4.6.4.a):
// a known header is accepted as-is; otherwise its parent must be known
// or equal the previous header's hash, and its PoW must meet its own
// declared difficulty. Returns the prefix of hashes that validated.
func (n *Node) validateHeaderChain(headers []*block.Header) []types.Hash {
	var valid []types.Hash
	var prevHash types.Hash
	havePrev := false

	for _, h := range headers {
		hash := h.Hash()
		if _, err := n.chain.GetBlock(hash); err == nil {
			valid = append(valid, hash)
			prevHash = hash
			havePrev = true
			continue
		}
		parentKnown := false
		if havePrev && h.PrevHash == prevHash {
			parentKnown = true
		} else if _, err := n.chain.GetBlock(h.PrevHash); err == nil {
			parentKnown = true
		}
		if !parentKnown {
			break
		}
		if !h.MeetsDifficulty() {
			break
		}
		valid = append(valid, hash)
		prevHash = hash
		havePrev = true
	}
	return valid
}

func (n *Node) handleGetHeadersFrom(p *Peer, msg Message) {
	payload, err := decodePayload[GetHeadersFromPayload](msg)
	if err != nil || n.chain == nil {
		n.strike(p, StrikeMalformedMessage, "bad GetHeadersFrom")
		return
	}
	forkHeight := uint64(0)
	found := false
	for _, hash := range payload.Locator {
		if blk, err := n.chain.GetBlock(hash); err == nil {
			forkHeight = blk.Header.Height
			found = true
			break
		}
	}
	if !found {
		p.send(n.cfg.NetworkMagic, MsgHeaders, HeadersPayload{})
		return
	}
	count := payload.Count
	if count == 0 || count > headersPerRequest {
		count = headersPerRequest
	}
	var headers []*block.Header
	for h := forkHeight + 1; uint32(len(headers)) < count; h++ {
		blk, err := n.chain.GetBlockByHeight(h)
		if err != nil {
			break
		}
		headers = append(headers, blk.Header)
	}
	p.send(n.cfg.NetworkMagic, MsgHeaders, HeadersPayload{Headers: headers})
}

func (n *Node) handleGetBlockData(p *Peer, msg Message) {
	payload, err := decodePayload[GetBlockDataPayload](msg)
	if err != nil || n.chain == nil {
		n.strike(p, StrikeMalformedMessage, "bad GetBlockData")
		return
	}
	var blocks []*block.Block
	for _, hash := range payload.Hashes {
		if blk, err := n.chain.GetBlock(hash); err == nil {
			blocks = append(blocks, blk)
		}
	}
	p.send(n.cfg.NetworkMagic, MsgBlockData, BlockDataPayload{Blocks: blocks})
}

func (n *Node) handleGetBlock(p *Peer, msg Message) {
	payload, err := decodePayload[GetBlockPayload](msg)
	if err != nil || n.chain == nil {
		n.strike(p, StrikeMalformedMessage, "bad GetBlock")
		return
	}
	blk, err := n.chain.GetBlock(payload.Hash)
	if err != nil {
		return
	}
	p.send(n.cfg.NetworkMagic, MsgBlockData, BlockDataPayload{Blocks: []*block.Block{blk}})
}

func (n *Node) handleGetBlocks(p *Peer, msg Message) {
	payload, err := decodePayload[GetBlocksPayload](msg)
	if err != nil || n.chain == nil {
		n.strike(p, StrikeMalformedMessage, "bad GetBlocks")
		return
	}
	count := payload.Count
	if count == 0 || count > 500 {
		count = 500
	}
	var blocks []*block.Block
	for h := payload.StartHeight; uint32(len(blocks)) < count; h++ {
		blk, err := n.chain.GetBlockByHeight(h)
		if err != nil {
			break
		}
		blocks = append(blocks, blk)
	}
	p.send(n.cfg.NetworkMagic, MsgBlocks, BlocksPayload{Blocks: blocks})
}

// RequestBlocks fetches a legacy contiguous range from a specific peer,
// used by callers that already know which peer is authoritative (e.g. a
// fork-resolution walk) rather than driving the general sync loop.
func (n *Node) RequestBlocks(ctx context.Context, p *Peer, startHeight uint64, count uint32) ([]*block.Block, error) {
	if err := p.send(n.cfg.NetworkMagic, MsgGetBlocks, GetBlocksPayload{StartHeight: startHeight, Count: count}); err != nil {
		return nil, err
	}
	select {
	case blocks := <-p.pendingBlocks:
		return blocks, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(syncRequestTimeout):
		return nil, context.DeadlineExceeded
	}
}
