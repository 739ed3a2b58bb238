package tx

import (
	"errors"
	"fmt"
	"math"

	"github.com/equinox-chain/eqxd/config"
	"github.com/equinox-chain/eqxd/pkg/types"
)

// Validation errors.
var (
	ErrNoInputs           = errors.New("transaction has no inputs")
	ErrNoOutputs          = errors.New("transaction has no outputs")
	ErrDuplicateInput     = errors.New("duplicate input")
	ErrOutputOverflow     = errors.New("output values overflow")
	ErrZeroOutput         = errors.New("output value is zero")
	ErrMissingPubKey      = errors.New("input missing public key")
	ErrBadPubKeyLength    = errors.New("public key must be 32 bytes")
	ErrMissingSig         = errors.New("input missing signature")
	ErrInvalidSig         = errors.New("invalid signature")
	ErrTooManyInputs      = errors.New("too many inputs")
	ErrTooManyOutputs     = errors.New("too many outputs")
	ErrScriptDataTooLarge = errors.New("script data too large")
)

// Validate checks transaction structure and basic rules.
// This does NOT check UTXO existence (that requires the UTXO set; see
// ValidateWithUTXOs).
func (tx *Transaction) Validate() error {
	if len(tx.Inputs) == 0 {
		return ErrNoInputs
	}
	if len(tx.Outputs) == 0 {
		return ErrNoOutputs
	}
	if len(tx.Inputs) > config.MaxTxInputs {
		return fmt.Errorf("%w: %d inputs, max %d", ErrTooManyInputs, len(tx.Inputs), config.MaxTxInputs)
	}
	if len(tx.Outputs) > config.MaxTxOutputs {
		return fmt.Errorf("%w: %d outputs, max %d", ErrTooManyOutputs, len(tx.Outputs), config.MaxTxOutputs)
	}

	seen := make(map[types.Outpoint]bool, len(tx.Inputs))
	for i, in := range tx.Inputs {
		if seen[in.PrevOut] {
			return fmt.Errorf("input %d: %w", i, ErrDuplicateInput)
		}
		seen[in.PrevOut] = true
	}

	// Coinbase inputs (zero outpoint) carry the block height in Signature
	// and are exempt from the pubkey/signature requirement.
	for i, in := range tx.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		if len(in.PubKey) == 0 {
			return fmt.Errorf("input %d: %w", i, ErrMissingPubKey)
		}
		if len(in.PubKey) != 32 {
			return fmt.Errorf("input %d: %w: got %d bytes", i, ErrBadPubKeyLength, len(in.PubKey))
		}
		if len(in.Signature) == 0 {
			return fmt.Errorf("input %d: %w", i, ErrMissingSig)
		}
	}

	var totalOutput uint64
	for i, out := range tx.Outputs {
		if out.Value == 0 {
			return fmt.Errorf("output %d: %w", i, ErrZeroOutput)
		}
		if len(out.Script.Data) > config.MaxScriptData {
			return fmt.Errorf("output %d: %w: %d bytes, max %d", i, ErrScriptDataTooLarge, len(out.Script.Data), config.MaxScriptData)
		}
		if totalOutput > math.MaxUint64-out.Value {
			return fmt.Errorf("output %d: %w", i, ErrOutputOverflow)
		}
		totalOutput += out.Value
	}

	return nil
}
