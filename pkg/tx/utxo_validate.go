package tx

import (
	"errors"
	"fmt"
	"math"

	"github.com/equinox-chain/eqxd/pkg/crypto"
	"github.com/equinox-chain/eqxd/pkg/types"
)

// UTXO-aware validation errors.
var (
	ErrInputNotFound     = errors.New("input UTXO not found")
	ErrInsufficientFee   = errors.New("insufficient fee")
	ErrBelowMinFee       = errors.New("fee below minimum fee rule")
	ErrInputOverflow     = errors.New("input values overflow")
	ErrScriptMismatch    = errors.New("pubkey does not match UTXO owner")
	ErrUnspendableOutput = errors.New("output is unspendable")
	ErrImmatureCoinbase  = errors.New("coinbase output not yet mature")
)

// UTXOEntry is the UTXO-set record a spent outpoint resolves to: the output
// itself, plus the height it was created at and whether it came from a
// coinbase (spec §3 "UTXO entry").
type UTXOEntry struct {
	Value      uint64
	Script     types.Script
	Height     uint64
	IsCoinbase bool
}

// UTXOProvider provides read-only access to the active UTXO set for
// contextual transaction validation.
type UTXOProvider interface {
	GetUTXO(outpoint types.Outpoint) (UTXOEntry, error)
	HasUTXO(outpoint types.Outpoint) bool
}

// ValidateWithUTXOs performs spec §4.3.1's contextual validation of a
// non-coinbase transaction being considered for inclusion at targetHeight:
// every input's UTXO must exist and (if coinbase) be mature, every input's
// pubkey must double-hash to the UTXO's owner and its signature must verify
// under EQF_TXSIG_V1, and the fee (inputs - outputs) must be at least minFee.
// Returns the fee.
func (tx *Transaction) ValidateWithUTXOs(provider UTXOProvider, targetHeight, coinbaseMaturity, minFee uint64) (uint64, error) {
	if err := tx.Validate(); err != nil {
		return 0, err
	}

	var totalInput uint64
	for i, in := range tx.Inputs {
		if in.PrevOut.IsZero() {
			return 0, fmt.Errorf("input %d: coinbase input in non-coinbase transaction", i)
		}

		if !provider.HasUTXO(in.PrevOut) {
			return 0, fmt.Errorf("input %d (%s): %w", i, in.PrevOut, ErrInputNotFound)
		}
		entry, err := provider.GetUTXO(in.PrevOut)
		if err != nil {
			return 0, fmt.Errorf("input %d: %w", i, err)
		}

		if entry.IsCoinbase && targetHeight-entry.Height < coinbaseMaturity {
			return 0, fmt.Errorf("input %d (%s): %w: %d confirmations, need %d",
				i, in.PrevOut, ErrImmatureCoinbase, targetHeight-entry.Height, coinbaseMaturity)
		}

		if entry.Script.Type == types.ScriptTypeUnspendable {
			return 0, fmt.Errorf("input %d (%s): %w", i, in.PrevOut, ErrUnspendableOutput)
		}

		var ownerHash types.Address
		copy(ownerHash[:], entry.Script.Data)
		if err := verifyOwnership(tx, i, in, entry.Value, ownerHash); err != nil {
			return 0, fmt.Errorf("input %d: %w", i, err)
		}

		if totalInput > math.MaxUint64-entry.Value {
			return 0, fmt.Errorf("input %d: %w", i, ErrInputOverflow)
		}
		totalInput += entry.Value
	}

	totalOutput, ovfErr := tx.TotalOutputValue()
	if ovfErr != nil {
		return 0, fmt.Errorf("output overflow: %w", ovfErr)
	}
	if totalInput < totalOutput {
		return 0, fmt.Errorf("%w: inputs=%d outputs=%d", ErrInsufficientFee, totalInput, totalOutput)
	}

	fee := totalInput - totalOutput
	if fee < minFee {
		return 0, fmt.Errorf("%w: fee=%d, min=%d", ErrBelowMinFee, fee, minFee)
	}
	return fee, nil
}

// verifyOwnership checks that an input's public key double-hashes to the
// spent UTXO's owner pubkey-hash and that its signature verifies over the
// EQF_TXSIG_V1 signing hash for that input.
func verifyOwnership(tx *Transaction, idx int, in Input, spentValue uint64, ownerHash types.Address) error {
	if len(in.PubKey) != 32 {
		return fmt.Errorf("%w: got %d bytes", ErrBadPubKeyLength, len(in.PubKey))
	}
	derived := crypto.AddressFromPubKey(in.PubKey)
	if derived != ownerHash {
		return fmt.Errorf("%w: expected %s, got %s", ErrScriptMismatch, ownerHash, derived)
	}

	hash := tx.SigningHash(idx, spentValue, ownerHash)
	if !crypto.VerifySignature(hash[:], in.Signature, in.PubKey) {
		return ErrInvalidSig
	}
	return nil
}
