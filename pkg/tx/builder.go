package tx

import (
	"fmt"

	"github.com/equinox-chain/eqxd/pkg/crypto"
	"github.com/equinox-chain/eqxd/pkg/types"
)

// SpentOutput describes the UTXO an input spends, as needed to compute its
// EQF_TXSIG_V1 signing hash: the amount and the owner pubkey-hash that were
// locked by the output now being spent.
type SpentOutput struct {
	Value     uint64
	PubKeyHash types.Address
}

// Builder constructs transactions incrementally.
type Builder struct {
	tx *Transaction
}

// NewBuilder creates a new transaction builder.
func NewBuilder() *Builder {
	return &Builder{
		tx: &Transaction{Version: 1},
	}
}

// AddInput adds an input referencing a previous output.
func (b *Builder) AddInput(prevOut types.Outpoint) *Builder {
	b.tx.Inputs = append(b.tx.Inputs, Input{PrevOut: prevOut, Sequence: 0xFFFFFFFF})
	return b
}

// AddOutput adds an output with a value and script.
func (b *Builder) AddOutput(value uint64, script types.Script) *Builder {
	b.tx.Outputs = append(b.tx.Outputs, Output{Value: value, Script: script})
	return b
}

// SetLockTime sets the transaction lock time.
func (b *Builder) SetLockTime(lockTime uint64) *Builder {
	b.tx.LockTime = lockTime
	return b
}

// Sign signs every non-coinbase input with key, using spent to look up each
// input's spent value and owner pubkey-hash for its EQF_TXSIG_V1 signing
// hash (spec §4.3.1.a). Every input must own the same key (single-key
// spending); use SignMulti when inputs are owned by different keys.
func (b *Builder) Sign(key *crypto.PrivateKey, spent map[types.Outpoint]SpentOutput) error {
	pubKey := key.PublicKey()
	for i, in := range b.tx.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		so, ok := spent[in.PrevOut]
		if !ok {
			return fmt.Errorf("no spent-output info for input %d outpoint %s", i, in.PrevOut)
		}
		hash := b.tx.SigningHash(i, so.Value, so.PubKeyHash)
		sig, err := key.Sign(hash[:])
		if err != nil {
			return fmt.Errorf("sign input %d: %w", i, err)
		}
		b.tx.Inputs[i].Signature = sig
		b.tx.Inputs[i].PubKey = pubKey
	}
	return nil
}

// SignMulti signs each input with the key that owns its outpoint, using
// spent to source the per-input EQF_TXSIG_V1 signing hash material.
// outpointAddr maps each input's outpoint to the address that owns it;
// signers maps each address to the private key that can spend from it.
func (b *Builder) SignMulti(
	signers map[types.Address]*crypto.PrivateKey,
	outpointAddr map[types.Outpoint]types.Address,
	spent map[types.Outpoint]SpentOutput,
) error {
	for i, in := range b.tx.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}

		addr, ok := outpointAddr[in.PrevOut]
		if !ok {
			return fmt.Errorf("no address mapping for input %d outpoint", i)
		}
		key, ok := signers[addr]
		if !ok {
			return fmt.Errorf("no signer for address %s (input %d)", addr, i)
		}
		so, ok := spent[in.PrevOut]
		if !ok {
			return fmt.Errorf("no spent-output info for input %d outpoint %s", i, in.PrevOut)
		}

		hash := b.tx.SigningHash(i, so.Value, so.PubKeyHash)
		sig, err := key.Sign(hash[:])
		if err != nil {
			return fmt.Errorf("sign input %d: %w", i, err)
		}
		b.tx.Inputs[i].Signature = sig
		b.tx.Inputs[i].PubKey = key.PublicKey()
	}
	return nil
}

// Build returns the constructed transaction.
// Does NOT validate - call tx.Validate() separately.
func (b *Builder) Build() *Transaction {
	return b.tx
}
