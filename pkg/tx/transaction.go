// Package tx defines transaction types, the EQF_TXSIG_V1 signing scheme,
// and structural/UTXO-aware validation.
package tx

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/equinox-chain/eqxd/pkg/crypto"
	"github.com/equinox-chain/eqxd/pkg/types"
)

// signingTag prefixes every EQF_TXSIG_V1 signing hash, binding signatures to
// this chain's signing scheme version so a future scheme change cannot be
// replayed against it.
const signingTag = "EQF_TXSIG_V1"

// Transaction represents a blockchain transaction.
type Transaction struct {
	Version  uint32   `json:"version"`
	Inputs   []Input  `json:"inputs"`
	Outputs  []Output `json:"outputs"`
	LockTime uint64   `json:"locktime"`
}

// Input references a UTXO being spent. A coinbase input has PrevOut equal to
// the zero outpoint and carries the block height in its Signature field.
type Input struct {
	PrevOut   types.Outpoint `json:"prevout"`
	Signature []byte         `json:"signature"`
	PubKey    []byte         `json:"pubkey"`
	Sequence  uint32         `json:"sequence"`
}

// inputJSON is the JSON representation of Input with hex-encoded byte fields.
type inputJSON struct {
	PrevOut   types.Outpoint `json:"prevout"`
	Signature *string        `json:"signature"`
	PubKey    *string        `json:"pubkey"`
	Sequence  uint32         `json:"sequence"`
}

// MarshalJSON encodes the input with hex-encoded signature and pubkey.
func (in Input) MarshalJSON() ([]byte, error) {
	j := inputJSON{PrevOut: in.PrevOut, Sequence: in.Sequence}
	if in.Signature != nil {
		s := hex.EncodeToString(in.Signature)
		j.Signature = &s
	}
	if in.PubKey != nil {
		p := hex.EncodeToString(in.PubKey)
		j.PubKey = &p
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes an input with hex-encoded signature and pubkey.
func (in *Input) UnmarshalJSON(data []byte) error {
	var j inputJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	in.PrevOut = j.PrevOut
	in.Sequence = j.Sequence
	if j.Signature != nil {
		b, err := hex.DecodeString(*j.Signature)
		if err != nil {
			return err
		}
		in.Signature = b
	}
	if j.PubKey != nil {
		b, err := hex.DecodeString(*j.PubKey)
		if err != nil {
			return err
		}
		in.PubKey = b
	}
	return nil
}

// Output defines a new UTXO: an amount and an owner pubkey-hash, carried as
// a locking script (P2PKH in the common case, Unspendable for provably
// burned/data-carrier outputs).
type Output struct {
	Value  uint64       `json:"value"`
	Script types.Script `json:"script"`
}

// PubKeyHash returns the owner pubkey-hash for a P2PKH output.
func (o Output) PubKeyHash() types.Address {
	var a types.Address
	copy(a[:], o.Script.Data)
	return a
}

// Hash computes the txid: the hash of the transaction's canonical encoding
// EXCLUDING unlocking data (signatures and public keys). Stable across any
// future change to the unlocking-data format.
func (tx *Transaction) Hash() types.Hash {
	return crypto.Hash(tx.encode(false))
}

// WitnessHash computes the witness-txid: the hash of the transaction's
// canonical encoding INCLUDING unlocking data. Used for relay uniqueness
// and compact-block short-ids.
func (tx *Transaction) WitnessHash() types.Hash {
	return crypto.Hash(tx.encode(true))
}

// SigningBytes returns the txid encoding (the historical name used
// elsewhere for size accounting); it excludes unlocking data.
func (tx *Transaction) SigningBytes() []byte {
	return tx.encode(false)
}

// encode returns the canonical byte representation of the transaction.
// When includeUnlock is true, each input's signature and public key are
// included (witness-txid); otherwise they are omitted (txid).
func (tx *Transaction) encode(includeUnlock bool) []byte {
	var buf []byte

	buf = binary.LittleEndian.AppendUint32(buf, tx.Version)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf = append(buf, in.PrevOut.TxID[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, in.PrevOut.Index)
		buf = binary.LittleEndian.AppendUint32(buf, in.Sequence)
		if includeUnlock {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(in.Signature)))
			buf = append(buf, in.Signature...)
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(in.PubKey)))
			buf = append(buf, in.PubKey...)
		}
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		buf = binary.LittleEndian.AppendUint64(buf, out.Value)
		buf = append(buf, byte(out.Script.Type))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(out.Script.Data)))
		buf = append(buf, out.Script.Data...)
	}

	buf = binary.LittleEndian.AppendUint64(buf, tx.LockTime)

	return buf
}

// SigningHash computes the EQF_TXSIG_V1 signing hash (spec §4.3.1.a) for the
// input at signIdx. The hash binds the spent UTXO's value and pubkey-hash
// into the signed input, so a signature cannot be replayed against a
// different UTXO or amount.
func (tx *Transaction) SigningHash(signIdx int, spentValue uint64, spentPubKeyHash types.Address) types.Hash {
	var buf []byte
	buf = append(buf, signingTag...)
	buf = binary.LittleEndian.AppendUint32(buf, tx.Version)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Inputs)))
	for i, in := range tx.Inputs {
		buf = append(buf, in.PrevOut.TxID[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, in.PrevOut.Index)
		buf = binary.LittleEndian.AppendUint32(buf, in.Sequence)
		if i == signIdx {
			buf = binary.LittleEndian.AppendUint64(buf, spentValue)
			buf = append(buf, spentPubKeyHash[:]...)
		}
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		buf = binary.LittleEndian.AppendUint64(buf, out.Value)
		buf = append(buf, out.PubKeyHash()[:]...)
	}

	buf = binary.LittleEndian.AppendUint64(buf, tx.LockTime)

	return crypto.DoubleStandardHash(buf)
}

// TotalOutputValue returns the sum of all output values.
// Returns an error if the sum overflows uint64.
func (tx *Transaction) TotalOutputValue() (uint64, error) {
	var total uint64
	for _, out := range tx.Outputs {
		if total > math.MaxUint64-out.Value {
			return 0, fmt.Errorf("output value overflow")
		}
		total += out.Value
	}
	return total, nil
}
