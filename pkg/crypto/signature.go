package crypto

import (
	"crypto/rand"
	"fmt"

	"github.com/EXCCoin/exccd/dcrec/edwards/v2"
)

// Signer signs messages with an EdDSA (Ed25519-family) private key.
type Signer interface {
	// Sign produces an EdDSA signature over a 32-byte hash.
	Sign(hash []byte) ([]byte, error)
	// PublicKey returns the 32-byte public key.
	PublicKey() []byte
}

// Verifier verifies EdDSA signatures.
type Verifier interface {
	// Verify checks an EdDSA signature against a hash and public key.
	Verify(hash, signature, publicKey []byte) bool
}

// eddsaCurve is the fixed curve for every key and signature in the chain.
// The chain uses exactly one signature scheme (spec.md §1 Non-goals).
func eddsaCurve() *edwards.TwistedEdwardsCurve {
	return edwards.Edwards()
}

// PrivateKey wraps an Ed25519-family private key for EdDSA signing. The
// 32-byte seed is kept alongside the derived edwards key so Serialize/Zero
// behave independently of the underlying library's internal representation.
type PrivateKey struct {
	key  *edwards.PrivateKey
	seed [32]byte
}

// GenerateKey creates a new random EdDSA private key.
func GenerateKey() (*PrivateKey, error) {
	seed, _, _, err := edwards.GenerateKey(eddsaCurve(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return PrivateKeyFromBytes(seed)
}

// PrivateKeyFromBytes creates a PrivateKey from a 32-byte seed.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(b))
	}
	pk := &PrivateKey{key: edwards.NewPrivateKey(eddsaCurve(), b)}
	copy(pk.seed[:], b)
	return pk, nil
}

// Sign produces an EdDSA signature over a 32-byte hash.
func (pk *PrivateKey) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	r, s, err := edwards.Sign(pk.key, hash)
	if err != nil {
		return nil, fmt.Errorf("eddsa sign: %w", err)
	}
	sig := edwards.NewSignature(r, s)
	return sig.Serialize(), nil
}

// PublicKey returns the 32-byte public key.
func (pk *PrivateKey) PublicKey() []byte {
	return pk.key.PublicKey.Serialize()
}

// Serialize returns the 32-byte private key seed.
func (pk *PrivateKey) Serialize() []byte {
	out := make([]byte, 32)
	copy(out, pk.seed[:])
	return out
}

// Zero securely zeroes the private key memory.
func (pk *PrivateKey) Zero() {
	for i := range pk.seed {
		pk.seed[i] = 0
	}
	if pk.key != nil && pk.key.D != nil {
		pk.key.D.SetInt64(0)
	}
}

// VerifySignature checks an EdDSA signature against a 32-byte hash and a
// public key. Returns false on any error.
func VerifySignature(hash, signature, publicKey []byte) bool {
	pubKey, err := edwards.ParsePubKey(publicKey, eddsaCurve())
	if err != nil {
		return false
	}
	sig, err := edwards.ParseSignature(signature, eddsaCurve())
	if err != nil {
		return false
	}
	return edwards.Verify(pubKey, hash, sig.R, sig.S)
}

// EdDSAVerifier implements the Verifier interface.
type EdDSAVerifier struct{}

// Verify checks an EdDSA signature against a hash and public key.
func (v EdDSAVerifier) Verify(hash, signature, publicKey []byte) bool {
	return VerifySignature(hash, signature, publicKey)
}
