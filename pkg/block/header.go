package block

import (
	"encoding/binary"

	"github.com/equinox-chain/eqxd/pkg/powhash"
	"github.com/equinox-chain/eqxd/pkg/types"
)

// Header contains block metadata. The chain is pure proof-of-work: there is
// no validator signature, and DifficultyBits is the leading-zero-bits
// threshold the header's PoW hash must meet (spec.md §4.1/§4.2), not a
// target divisor.
type Header struct {
	Version        uint32     `json:"version"`
	PrevHash       types.Hash `json:"prev_hash"`
	MerkleRoot     types.Hash `json:"merkle_root"`
	Timestamp      uint64     `json:"timestamp"`
	Height         uint64     `json:"height"`
	DifficultyBits uint32     `json:"difficulty_bits"`
	Nonce          uint64     `json:"nonce"`
}

// Hash computes the header's proof-of-work hash via the memory-hard
// powhash function (spec.md §4.1). This IS the block identity: two headers
// that differ in any field produce different hashes.
func (h *Header) Hash() types.Hash {
	return powhash.Hash(h.SigningBytes())
}

// MeetsDifficulty reports whether this header's PoW hash satisfies its own
// claimed DifficultyBits.
func (h *Header) MeetsDifficulty() bool {
	return powhash.MeetsDifficulty(h.Hash(), int(h.DifficultyBits))
}

// SigningBytes returns the canonical encoding that is hashed to derive the
// header's identity.
// Format: version(4) | prev_hash(32) | merkle_root(32) | timestamp(8) |
// height(8) | difficulty_bits(4) | nonce(8)
func (h *Header) SigningBytes() []byte {
	buf := make([]byte, 0, 96)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = binary.LittleEndian.AppendUint32(buf, h.DifficultyBits)
	buf = binary.LittleEndian.AppendUint64(buf, h.Nonce)
	return buf
}
