// Package utxo manages the active UTXO set: the authoritative record of
// every unspent output the chain currently recognizes as spendable.
package utxo

import "github.com/equinox-chain/eqxd/pkg/types"

// UTXO represents an unspent transaction output.
type UTXO struct {
	Outpoint types.Outpoint `json:"outpoint"`
	Value    uint64         `json:"value"`
	Script   types.Script   `json:"script"`
	Height   uint64         `json:"height"`
	Coinbase bool           `json:"coinbase"`
}

// Set is the interface for UTXO storage.
type Set interface {
	Get(outpoint types.Outpoint) (*UTXO, error)
	Put(utxo *UTXO) error
	Delete(outpoint types.Outpoint) error
	Has(outpoint types.Outpoint) (bool, error)
}
