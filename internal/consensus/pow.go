package consensus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/equinox-chain/eqxd/pkg/block"
	"github.com/equinox-chain/eqxd/pkg/powhash"
	"golang.org/x/sync/errgroup"
)

// errNonceFound signals a winning nonce from a sealParallel worker; it is
// not a real failure, just errgroup's mechanism for cancelling siblings.
var errNonceFound = errors.New("nonce found")

// PoW errors.
var (
	ErrInsufficientWork = errors.New("hash does not meet difficulty target")
	ErrZeroDifficulty   = errors.New("difficulty must be > 0")
	ErrBadDifficulty    = errors.New("block difficulty does not match expected")
)

// PoW implements the chain's proof-of-work consensus engine: a memory-hard
// PoW hash (pkg/powhash) checked against an integer difficulty-bits
// threshold, with next-difficulty computed by an LWMA-style sliding-window
// retarget over recent block timestamps (spec.md §4.2).
//
// Difficulty-bits are consensus state carried in the header; the fractional
// difficulty that produces them is chain state the caller supplies on every
// call so the engine itself stays replayable and holds no chain history.
type PoW struct {
	InitialDifficulty     float64 // Starting fractional difficulty at genesis.
	TargetBlockTime        int64   // Target seconds between blocks.
	WindowSize             int     // Sliding window of timestamps (spec: 60).
	MaxAdjustmentPerBlock  float64 // Max |adjustment| to fractional difficulty per block at full warmup.
	MinDifficulty          float64 // Clamp floor.
	MaxDifficulty          float64 // Clamp ceiling.

	// Threads controls the number of parallel mining goroutines.
	// 0 or 1 = single-threaded (default). Each goroutine searches a
	// strided partition of the nonce space.
	Threads int
}

// NewPoW creates a new PoW engine with the given LWMA constants. These are
// consensus-critical and must be fixed at genesis.
func NewPoW(initialDifficulty float64, targetBlockTime int64, windowSize int, maxAdjustmentPerBlock, minDifficulty, maxDifficulty float64) (*PoW, error) {
	if initialDifficulty <= 0 {
		return nil, ErrZeroDifficulty
	}
	return &PoW{
		InitialDifficulty:     initialDifficulty,
		TargetBlockTime:       targetBlockTime,
		WindowSize:            windowSize,
		MaxAdjustmentPerBlock: maxAdjustmentPerBlock,
		MinDifficulty:         minDifficulty,
		MaxDifficulty:         maxDifficulty,
	}, nil
}

// VerifyHeader checks that the header's PoW hash meets its own claimed
// difficulty-bits (spec.md §4.1: "a header meets difficulty iff the count
// of leading zero bits in its PoW hash is >= difficulty_bits").
func (p *PoW) VerifyHeader(header *block.Header) error {
	if header.DifficultyBits == 0 {
		return ErrZeroDifficulty
	}
	if !header.MeetsDifficulty() {
		return ErrInsufficientWork
	}
	return nil
}

// Prepare sets the block header's difficulty-bits for mining to the integer
// clamp of fractionalDifficulty.
func (p *PoW) Prepare(header *block.Header, fractionalDifficulty float64) {
	header.DifficultyBits = DifficultyBits(fractionalDifficulty, p.MinDifficulty, p.MaxDifficulty)
}

// Seal mines the block by iterating the nonce until the header hash meets
// its claimed difficulty-bits.
func (p *PoW) Seal(blk *block.Block) error {
	return p.SealWithCancel(context.Background(), blk)
}

// SealWithCancel mines the block with cancellation support. When the
// context is cancelled, mining stops and ctx.Err() is returned. If
// Threads > 1, mining runs in parallel goroutines with strided nonce
// partitioning (spec.md's "parallel nonce search").
func (p *PoW) SealWithCancel(ctx context.Context, blk *block.Block) error {
	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block or header")
	}
	if blk.Header.DifficultyBits == 0 {
		return ErrZeroDifficulty
	}

	threads := p.Threads
	if threads <= 1 {
		return p.sealSingle(ctx, blk)
	}
	return p.sealParallel(ctx, blk, threads)
}

// signingPrefix returns the header's signing bytes WITHOUT the trailing
// nonce, so each mining goroutine pre-computes the fixed prefix once and
// only appends+hashes the 8-byte nonce per iteration.
func signingPrefix(h *block.Header) []byte {
	buf := make([]byte, 0, 88)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = binary.LittleEndian.AppendUint32(buf, h.DifficultyBits)
	return buf
}

// sealSingle mines with a single goroutine.
func (p *PoW) sealSingle(ctx context.Context, blk *block.Block) error {
	bits := int(blk.Header.DifficultyBits)
	prefix := signingPrefix(blk.Header)
	buf := make([]byte, len(prefix)+8)
	copy(buf, prefix)

	for nonce := uint64(0); ; nonce++ {
		// Check cancellation every 1024 iterations; each iteration is a
		// full memory-hard hash, so this stays responsive.
		if nonce&0x3FF == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		binary.LittleEndian.PutUint64(buf[len(prefix):], nonce)
		hash := powhash.Hash(buf)
		if powhash.MeetsDifficulty(hash, bits) {
			blk.Header.Nonce = nonce
			return nil
		}
		if nonce == ^uint64(0) {
			return fmt.Errorf("nonce space exhausted")
		}
	}
}

// sealParallel mines with multiple goroutines, each searching a strided
// partition of the nonce space (goroutine i starts at nonce=i, step=threads).
func (p *PoW) sealParallel(ctx context.Context, blk *block.Block, threads int) error {
	bits := int(blk.Header.DifficultyBits)
	prefix := signingPrefix(blk.Header)

	g, gctx := errgroup.WithContext(ctx)
	var foundNonce atomic.Uint64
	var found atomic.Bool

	for i := 0; i < threads; i++ {
		startNonce := uint64(i)
		stride := uint64(threads)
		g.Go(func() error {
			buf := make([]byte, len(prefix)+8)
			copy(buf, prefix)

			for nonce := startNonce; ; nonce += stride {
				if (nonce/stride)&0x3FF == 0 && nonce > 0 {
					select {
					case <-gctx.Done():
						return gctx.Err()
					default:
					}
				}

				binary.LittleEndian.PutUint64(buf[len(prefix):], nonce)
				hash := powhash.Hash(buf)
				if powhash.MeetsDifficulty(hash, bits) {
					foundNonce.Store(nonce)
					found.Store(true)
					return errNonceFound
				}

				if nonce > ^uint64(0)-stride {
					return fmt.Errorf("nonce space exhausted")
				}
			}
		})
	}

	err := g.Wait()
	if found.Load() {
		blk.Header.Nonce = foundNonce.Load()
		return nil
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("nonce space exhausted")
}

// NextFractionalDifficulty computes the next-block fractional difficulty
// from a sliding window of recent timestamps (spec.md §4.2).
//
// timestamps is the ordered list of active-chain timestamps ending at the
// candidate parent, already bounded to at most WindowSize+1 entries by the
// caller (recent_timestamps). current is the fractional difficulty at the
// parent. With fewer than 2 timestamps there is nothing to retarget from,
// so current is returned unchanged.
func (p *PoW) NextFractionalDifficulty(timestamps []uint64, current float64) float64 {
	n := len(timestamps)
	if n < 2 {
		return current
	}

	w := p.WindowSize
	if n-1 < w {
		w = n - 1
	}
	start := n - 1 - w

	maxSolve := int64(6) * p.TargetBlockTime
	var weightedSum, weightTotal float64
	for i := 1; i <= w; i++ {
		t1 := timestamps[start+i]
		t0 := timestamps[start+i-1]
		solve := int64(t1) - int64(t0)
		if solve < 1 {
			solve = 1
		}
		if solve > maxSolve {
			solve = maxSolve
		}
		weight := float64(i)
		weightedSum += float64(solve) * weight
		weightTotal += weight
	}

	avg := weightedSum / weightTotal
	ratio := avg / float64(p.TargetBlockTime)
	rawAdjustment := -math.Log2(ratio)

	warmup := float64(w-1) / float64(p.WindowSize)
	if warmup > 1 {
		warmup = 1
	}
	if warmup < 0 {
		warmup = 0
	}
	maxAdj := p.MaxAdjustmentPerBlock * warmup

	adjustment := rawAdjustment
	if adjustment > maxAdj {
		adjustment = maxAdj
	}
	if adjustment < -maxAdj {
		adjustment = -maxAdj
	}

	next := current + adjustment
	if next < p.MinDifficulty {
		next = p.MinDifficulty
	}
	if next > p.MaxDifficulty {
		next = p.MaxDifficulty
	}
	return next
}

// DifficultyBits rounds a fractional difficulty to the integer difficulty-
// bits threshold, clamped to [min, max].
func DifficultyBits(fractional, min, max float64) uint32 {
	if fractional < min {
		fractional = min
	}
	if fractional > max {
		fractional = max
	}
	return uint32(math.Round(fractional))
}

// VerifyDifficulty checks that a block header's stated difficulty-bits
// matches the expected value computed by replaying the difficulty engine
// over the given timestamp window and parent fractional difficulty.
func (p *PoW) VerifyDifficulty(header *block.Header, timestamps []uint64, parentFractional float64) error {
	nextFrac := p.NextFractionalDifficulty(timestamps, parentFractional)
	expected := DifficultyBits(nextFrac, p.MinDifficulty, p.MaxDifficulty)
	if header.DifficultyBits != expected {
		return fmt.Errorf("%w: height %d has difficulty_bits %d, want %d",
			ErrBadDifficulty, header.Height, header.DifficultyBits, expected)
	}
	return nil
}
