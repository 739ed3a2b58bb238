// Package crypto provides cryptographic primitives for the Equinox chain:
// the fast/standard hash building blocks, pubkey-hash derivation, and the
// EdDSA signing scheme.
package crypto

import (
	"github.com/equinox-chain/eqxd/pkg/types"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

// Hash computes the fast cryptographic hash (BLAKE3-256) of the input data.
// Used for txid/witness-txid, merkle nodes, and the PoW function's fill phase.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// DoubleHash computes Hash(Hash(data)) using the fast hash. Used to derive
// a pubkey-hash from a public key.
func DoubleHash(data []byte) types.Hash {
	first := Hash(data)
	return Hash(first[:])
}

// StandardHash computes the standard cryptographic hash (BLAKE2b-256) of the
// input data. Used by the PoW function's mix/squeeze phases and by the
// transaction signing-hash scheme.
func StandardHash(data []byte) types.Hash {
	return blake2b.Sum256(data)
}

// DoubleStandardHash computes StandardHash(StandardHash(data)).
func DoubleStandardHash(data []byte) types.Hash {
	first := StandardHash(data)
	return StandardHash(first[:])
}

// AddressFromPubKey derives a pubkey-hash from a public key.
// pubkey_hash = DoubleHash(pubkey)[:20].
func AddressFromPubKey(pubKey []byte) types.Address {
	h := DoubleHash(pubKey)
	var addr types.Address
	copy(addr[:], h[:types.AddressSize])
	return addr
}

// HashConcat hashes the concatenation of two hashes. Used for merkle trees.
func HashConcat(a, b types.Hash) types.Hash {
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return Hash(buf[:])
}
