package p2p

import (
	"errors"

	"github.com/equinox-chain/eqxd/pkg/block"
	"github.com/equinox-chain/eqxd/pkg/types"
)

// fakeChain is a minimal in-memory ChainProvider used to test the sync
// and relay logic without a real internal/chain.Chain.
type fakeChain struct {
	byHeight []*block.Block
	byHash   map[types.Hash]*block.Block
	accept   func(blk *block.Block) error
}

func newFakeChain() *fakeChain {
	return &fakeChain{byHash: make(map[types.Hash]*block.Block)}
}

func (c *fakeChain) append(blk *block.Block) {
	c.byHeight = append(c.byHeight, blk)
	c.byHash[blk.Header.Hash()] = blk
}

func (c *fakeChain) Height() uint64 {
	if len(c.byHeight) == 0 {
		return 0
	}
	return c.byHeight[len(c.byHeight)-1].Header.Height
}

func (c *fakeChain) TipHash() types.Hash {
	if len(c.byHeight) == 0 {
		return types.Hash{}
	}
	return c.byHeight[len(c.byHeight)-1].Header.Hash()
}

func (c *fakeChain) GetBlock(hash types.Hash) (*block.Block, error) {
	blk, ok := c.byHash[hash]
	if !ok {
		return nil, errors.New("not found")
	}
	return blk, nil
}

func (c *fakeChain) GetBlockByHeight(height uint64) (*block.Block, error) {
	for _, blk := range c.byHeight {
		if blk.Header.Height == height {
			return blk, nil
		}
	}
	return nil, errors.New("not found")
}

func (c *fakeChain) ProcessBlock(blk *block.Block) error {
	if c.accept != nil {
		return c.accept(blk)
	}
	if _, ok := c.byHash[blk.Header.Hash()]; ok {
		return errors.New("duplicate")
	}
	c.append(blk)
	return nil
}

func mkHeader(height uint64, prev types.Hash, nonce uint64) *block.Header {
	return &block.Header{
		Version:        1,
		PrevHash:       prev,
		Timestamp:      uint64(height) + 1,
		Height:         height,
		DifficultyBits: 0,
		Nonce:          nonce,
	}
}

func mkChain(n int) *fakeChain {
	c := newFakeChain()
	var prev types.Hash
	for h := 0; h < n; h++ {
		hdr := mkHeader(uint64(h), prev, uint64(h))
		blk := block.NewBlock(hdr, nil)
		c.append(blk)
		prev = hdr.Hash()
	}
	return c
}
