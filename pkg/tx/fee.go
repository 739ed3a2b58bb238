package tx

import "github.com/equinox-chain/eqxd/pkg/types"

// EstimateTxFee returns the minimum fee for a transaction with the given
// number of inputs and outputs at the given fee rate (base units per byte).
//
// The estimate is based on the txid encoding (see Transaction.encode),
// which excludes unlocking data (signature and pubkey):
//
//	version(4) + inputCount(4) + inputs(40*n) + outputCount(4) + outputs(perOut*n) + locktime(8)
//
// perOutput defaults to 33 (8 value + 1 script type + 4 data-len + 20 P2PKH
// pubkey-hash). Pass extraOutputBytes to budget for larger script data.
func EstimateTxFee(numInputs, numOutputs int, feeRate uint64, extraOutputBytes ...int) uint64 {
	const overhead = 4 + 4 + 4 + 8                  // version + inputCount + outputCount + locktime
	const perInput = 32 + 4 + 4                     // txID + index + sequence
	const perOutput = 8 + 1 + 4 + types.AddressSize // value + scriptType + scriptDataLen + P2PKH hash

	extra := 0
	if len(extraOutputBytes) > 0 {
		extra = extraOutputBytes[0]
	}

	size := overhead + perInput*numInputs + (perOutput+extra)*numOutputs
	return uint64(size) * feeRate
}

// RequiredFee returns the exact minimum fee for a fully built transaction at
// the given fee rate (base units per byte of the on-wire, unlock-included
// encoding, which is what actually occupies block space).
func RequiredFee(transaction *Transaction, feeRate uint64) uint64 {
	return uint64(len(transaction.encode(true))) * feeRate
}
