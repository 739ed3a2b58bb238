// Package powhash implements the chain's memory-hard proof-of-work hash
// function: a deterministic function of arbitrary bytes to a 32-byte digest,
// built to be memory-latency-bound rather than ALU-bound so that dedicated
// hashing hardware gains little advantage over a commodity CPU.
package powhash

import (
	"encoding/binary"
	"math/bits"

	"github.com/equinox-chain/eqxd/pkg/crypto"
	"github.com/equinox-chain/eqxd/pkg/types"
)

const (
	// ChunkSize is the size in bytes of one scratchpad chunk.
	ChunkSize = 64
	// NumChunks is the number of chunks in the scratchpad (4 MiB total).
	NumChunks = 65536
	// ScratchpadSize is the total scratchpad size in bytes (4 MiB).
	ScratchpadSize = ChunkSize * NumChunks
	// Rounds is the number of mix-phase rounds.
	Rounds = 64
)

// scratchpad holds the 4 MiB working memory for one hash computation. It is
// intentionally a fixed-size flat byte slice rather than [][]byte so a single
// allocation backs the whole fill/mix pass.
type scratchpad []byte

func newScratchpad() scratchpad {
	return make(scratchpad, ScratchpadSize)
}

func (s scratchpad) chunk(i uint64) []byte {
	off := (i % NumChunks) * ChunkSize
	return s[off : off+ChunkSize]
}

// Hash computes the memory-hard proof-of-work hash of data. It is
// deterministic, memory-latency-bound, and produces an avalanche of roughly
// half the output bits on a one-bit change of the input.
func Hash(data []byte) types.Hash {
	seed := crypto.Hash(data)
	stdSeed := crypto.StandardHash(data)

	pad := newScratchpad()
	fill(pad, seed)

	state := initState(seed, stdSeed)
	mix(pad, &state)

	return squeeze(state)
}

// fill derives the scratchpad from the seed. Each chunk is the concatenation
// of two successive hashes keyed by (seed, chunk_index), computed in index
// order so the fill pass is sequential and memory-bandwidth-bound.
func fill(pad scratchpad, seed types.Hash) {
	var keyed [40]byte
	copy(keyed[:32], seed[:])

	for i := uint64(0); i < NumChunks; i++ {
		binary.LittleEndian.PutUint64(keyed[32:], i)
		h1 := crypto.Hash(keyed[:])
		h2 := crypto.Hash(h1[:])

		c := pad.chunk(i)
		copy(c[:32], h1[:])
		copy(c[32:], h2[:])
	}
}

// state is the 64-byte mix-phase accumulator, addressed as eight 64-bit
// lanes: the low half (lanes 0-3) seeded from the fast hash, the high half
// (lanes 4-7) seeded from the standard hash of the input.
type state [8]uint64

func initState(seed, stdHash types.Hash) state {
	var st state
	for j := 0; j < 4; j++ {
		st[j] = binary.LittleEndian.Uint64(seed[j*8 : j*8+8])
		st[4+j] = binary.LittleEndian.Uint64(stdHash[j*8 : j*8+8])
	}
	return st
}

func (st state) bytes() []byte {
	buf := make([]byte, ChunkSize)
	for j, lane := range st {
		binary.LittleEndian.PutUint64(buf[j*8:j*8+8], lane)
	}
	return buf
}

func readChunkLanes(chunk []byte) [8]uint64 {
	var lanes [8]uint64
	for j := range lanes {
		lanes[j] = binary.LittleEndian.Uint64(chunk[j*8 : j*8+8])
	}
	return lanes
}

// mix runs the 64-round memory-hard mixing pass over the scratchpad,
// mutating state in place.
func mix(pad scratchpad, st *state) {
	for round := 0; round < Rounds; round++ {
		readIdx := (st[0] + st[round%8]) % NumChunks
		chunkLanes := readChunkLanes(pad.chunk(readIdx))

		var folded [8]uint64
		for j := 0; j < 8; j++ {
			folded[j] = st[j] ^ chunkLanes[j]
		}
		for j := 0; j < 8; j++ {
			next := folded[(j+1)%8]
			shift := uint(round+j) % 64
			st[j] = bits.RotateLeft64(folded[j]+next, int(shift))
		}

		if (round+1)%8 == 0 {
			digest := crypto.StandardHash(st.bytes())
			for j := 0; j < 4; j++ {
				st[j] ^= binary.LittleEndian.Uint64(digest[j*8 : j*8+8])
			}
		}
		if (round+1)%16 == 0 {
			digest := crypto.Hash(st.bytes())
			for j := 0; j < 4; j++ {
				st[4+j] ^= binary.LittleEndian.Uint64(digest[j*8 : j*8+8])
			}
		}

		writeIdx := (st[1] * st[3]) % NumChunks
		copy(pad.chunk(writeIdx), st.bytes())
	}
}

// squeeze serializes the final state and double-standard-hashes it to the
// 32-byte digest.
func squeeze(st state) types.Hash {
	return crypto.DoubleStandardHash(st.bytes())
}

// LeadingZeroBits returns the number of leading zero bits in h, read
// most-significant byte first.
func LeadingZeroBits(h types.Hash) int {
	count := 0
	for _, b := range h {
		if b == 0 {
			count += 8
			continue
		}
		count += bits.LeadingZeros8(b)
		break
	}
	return count
}

// MeetsDifficulty reports whether h meets the given difficulty-bits
// threshold: the count of its leading zero bits must be >= difficultyBits.
func MeetsDifficulty(h types.Hash, difficultyBits int) bool {
	return LeadingZeroBits(h) >= difficultyBits
}
