package utxo

import (
	"github.com/equinox-chain/eqxd/pkg/tx"
	"github.com/equinox-chain/eqxd/pkg/types"
)

// Provider adapts a Set to tx.UTXOProvider so transactions can be validated
// against the active UTXO set without pkg/tx depending on this package.
type Provider struct {
	set Set
}

// NewProvider wraps a Set for use as a tx.UTXOProvider.
func NewProvider(set Set) *Provider {
	return &Provider{set: set}
}

// GetUTXO implements tx.UTXOProvider.
func (p *Provider) GetUTXO(outpoint types.Outpoint) (tx.UTXOEntry, error) {
	u, err := p.set.Get(outpoint)
	if err != nil {
		return tx.UTXOEntry{}, err
	}
	return tx.UTXOEntry{
		Value:      u.Value,
		Script:     u.Script,
		Height:     u.Height,
		IsCoinbase: u.Coinbase,
	}, nil
}

// HasUTXO implements tx.UTXOProvider.
func (p *Provider) HasUTXO(outpoint types.Outpoint) bool {
	ok, err := p.set.Has(outpoint)
	return err == nil && ok
}
