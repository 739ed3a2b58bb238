package tx

import (
	"errors"
	"fmt"
	"testing"

	"github.com/equinox-chain/eqxd/pkg/crypto"
	"github.com/equinox-chain/eqxd/pkg/types"
)

// mockUTXOProvider is a simple in-memory UTXO provider for testing.
type mockUTXOProvider struct {
	utxos map[types.Outpoint]UTXOEntry
}

func newMockProvider() *mockUTXOProvider {
	return &mockUTXOProvider{utxos: make(map[types.Outpoint]UTXOEntry)}
}

func (m *mockUTXOProvider) add(op types.Outpoint, value uint64, script types.Script, height uint64, isCoinbase bool) {
	m.utxos[op] = UTXOEntry{Value: value, Script: script, Height: height, IsCoinbase: isCoinbase}
}

func (m *mockUTXOProvider) GetUTXO(op types.Outpoint) (UTXOEntry, error) {
	u, ok := m.utxos[op]
	if !ok {
		return UTXOEntry{}, fmt.Errorf("not found")
	}
	return u, nil
}

func (m *mockUTXOProvider) HasUTXO(op types.Outpoint) bool {
	_, ok := m.utxos[op]
	return ok
}

func addressFromKey(key *crypto.PrivateKey) types.Address {
	return crypto.AddressFromPubKey(key.PublicKey())
}

func signedInput(key *crypto.PrivateKey, prevOut types.Outpoint, spentValue uint64, spentPubKeyHash types.Address, outputs []Output) *Transaction {
	transaction := &Transaction{
		Version: 1,
		Inputs:  []Input{{PrevOut: prevOut, Sequence: 0xFFFFFFFF}},
		Outputs: outputs,
	}
	hash := transaction.SigningHash(0, spentValue, spentPubKeyHash)
	sig, _ := key.Sign(hash[:])
	transaction.Inputs[0].Signature = sig
	transaction.Inputs[0].PubKey = key.PublicKey()
	return transaction
}

func TestValidateWithUTXOs_Valid(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := addressFromKey(key)

	prevOut := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	provider := newMockProvider()
	provider.add(prevOut, 5000, testP2PKHScript(addr), 0, false)

	outputs := []Output{{Value: 4000, Script: testP2PKHScript(types.Address{0x09})}}
	transaction := signedInput(key, prevOut, 5000, addr, outputs)

	fee, err := transaction.ValidateWithUTXOs(provider, 1, 0, 0)
	if err != nil {
		t.Fatalf("ValidateWithUTXOs: %v", err)
	}
	if fee != 1000 {
		t.Errorf("fee = %d, want 1000", fee)
	}
}

func TestValidateWithUTXOs_ZeroFee(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := addressFromKey(key)

	prevOut := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	provider := newMockProvider()
	provider.add(prevOut, 3000, testP2PKHScript(addr), 0, false)

	outputs := []Output{{Value: 3000, Script: testP2PKHScript(types.Address{0x09})}}
	transaction := signedInput(key, prevOut, 3000, addr, outputs)

	fee, err := transaction.ValidateWithUTXOs(provider, 1, 0, 0)
	if err != nil {
		t.Fatalf("ValidateWithUTXOs: %v", err)
	}
	if fee != 0 {
		t.Errorf("fee = %d, want 0", fee)
	}
}

func TestValidateWithUTXOs_InputNotFound(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := addressFromKey(key)

	prevOut := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	provider := newMockProvider() // Empty — no UTXOs.

	outputs := []Output{{Value: 1000, Script: testP2PKHScript(types.Address{0x09})}}
	transaction := signedInput(key, prevOut, 1000, addr, outputs)

	_, err := transaction.ValidateWithUTXOs(provider, 1, 0, 0)
	if !errors.Is(err, ErrInputNotFound) {
		t.Errorf("expected ErrInputNotFound, got: %v", err)
	}
}

func TestValidateWithUTXOs_InsufficientFunds(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := addressFromKey(key)

	prevOut := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	provider := newMockProvider()
	provider.add(prevOut, 1000, testP2PKHScript(addr), 0, false)

	outputs := []Output{{Value: 2000, Script: testP2PKHScript(types.Address{0x09})}}
	transaction := signedInput(key, prevOut, 1000, addr, outputs)

	_, err := transaction.ValidateWithUTXOs(provider, 1, 0, 0)
	if !errors.Is(err, ErrInsufficientFee) {
		t.Errorf("expected ErrInsufficientFee, got: %v", err)
	}
}

func TestValidateWithUTXOs_BelowMinFee(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := addressFromKey(key)

	prevOut := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	provider := newMockProvider()
	provider.add(prevOut, 5000, testP2PKHScript(addr), 0, false)

	outputs := []Output{{Value: 4900, Script: testP2PKHScript(types.Address{0x09})}}
	transaction := signedInput(key, prevOut, 5000, addr, outputs)

	_, err := transaction.ValidateWithUTXOs(provider, 1, 0, 500)
	if !errors.Is(err, ErrBelowMinFee) {
		t.Errorf("expected ErrBelowMinFee, got: %v", err)
	}
}

func TestValidateWithUTXOs_ScriptMismatch(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := addressFromKey(key)
	wrongAddr := types.Address{0xff}

	prevOut := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	provider := newMockProvider()
	provider.add(prevOut, 5000, testP2PKHScript(wrongAddr), 0, false)

	outputs := []Output{{Value: 4000, Script: testP2PKHScript(types.Address{0x09})}}
	// Signed as if spending wrongAddr, but the key actually derives addr.
	transaction := signedInput(key, prevOut, 5000, wrongAddr, outputs)
	_ = addr

	_, err := transaction.ValidateWithUTXOs(provider, 1, 0, 0)
	if !errors.Is(err, ErrScriptMismatch) {
		t.Errorf("expected ErrScriptMismatch, got: %v", err)
	}
}

func TestValidateWithUTXOs_MultipleInputs(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := addressFromKey(key)

	prevOut1 := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	prevOut2 := types.Outpoint{TxID: types.Hash{0x02}, Index: 0}
	provider := newMockProvider()
	provider.add(prevOut1, 3000, testP2PKHScript(addr), 0, false)
	provider.add(prevOut2, 2000, testP2PKHScript(addr), 0, false)

	transaction := &Transaction{
		Version: 1,
		Inputs: []Input{
			{PrevOut: prevOut1, Sequence: 0xFFFFFFFF},
			{PrevOut: prevOut2, Sequence: 0xFFFFFFFF},
		},
		Outputs: []Output{{Value: 4500, Script: testP2PKHScript(types.Address{0x09})}},
	}
	h0 := transaction.SigningHash(0, 3000, addr)
	sig0, _ := key.Sign(h0[:])
	transaction.Inputs[0].Signature = sig0
	transaction.Inputs[0].PubKey = key.PublicKey()
	h1 := transaction.SigningHash(1, 2000, addr)
	sig1, _ := key.Sign(h1[:])
	transaction.Inputs[1].Signature = sig1
	transaction.Inputs[1].PubKey = key.PublicKey()

	fee, err := transaction.ValidateWithUTXOs(provider, 1, 0, 0)
	if err != nil {
		t.Fatalf("ValidateWithUTXOs: %v", err)
	}
	if fee != 500 {
		t.Errorf("fee = %d, want 500", fee)
	}
}

func TestValidateWithUTXOs_SignedWithOtherKey(t *testing.T) {
	key1, _ := crypto.GenerateKey()
	key2, _ := crypto.GenerateKey()
	addr2 := addressFromKey(key2)

	prevOut := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	provider := newMockProvider()
	// UTXO is locked to key2's address...
	provider.add(prevOut, 5000, testP2PKHScript(addr2), 0, false)

	outputs := []Output{{Value: 4000, Script: testP2PKHScript(types.Address{0x09})}}
	// ...but signed with key1. The ownership check will catch the mismatch.
	transaction := signedInput(key1, prevOut, 5000, addr2, outputs)

	_, err := transaction.ValidateWithUTXOs(provider, 1, 0, 0)
	if !errors.Is(err, ErrScriptMismatch) {
		t.Errorf("expected ErrScriptMismatch, got: %v", err)
	}
}

func TestValidateWithUTXOs_StructuralFailure(t *testing.T) {
	// Transaction with no inputs should fail structural validation.
	transaction := &Transaction{
		Version: 1,
		Outputs: []Output{{Value: 1000, Script: types.Script{Type: types.ScriptTypeP2PKH}}},
	}
	provider := newMockProvider()

	_, err := transaction.ValidateWithUTXOs(provider, 1, 0, 0)
	if !errors.Is(err, ErrNoInputs) {
		t.Errorf("expected ErrNoInputs, got: %v", err)
	}
}

func TestValidateWithUTXOs_ImmatureCoinbase(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := addressFromKey(key)

	prevOut := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	provider := newMockProvider()
	provider.add(prevOut, 5000, testP2PKHScript(addr), 10, true)

	outputs := []Output{{Value: 4000, Script: testP2PKHScript(types.Address{0x09})}}
	transaction := signedInput(key, prevOut, 5000, addr, outputs)

	// Target height 11: only 1 confirmation, need 100.
	_, err := transaction.ValidateWithUTXOs(provider, 11, 100, 0)
	if !errors.Is(err, ErrImmatureCoinbase) {
		t.Errorf("expected ErrImmatureCoinbase, got: %v", err)
	}

	// Target height 110: 100 confirmations, mature.
	fee, err := transaction.ValidateWithUTXOs(provider, 110, 100, 0)
	if err != nil {
		t.Fatalf("mature coinbase spend should pass: %v", err)
	}
	if fee != 1000 {
		t.Errorf("fee = %d, want 1000", fee)
	}
}

func TestValidateWithUTXOs_UnspendableOutput(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := addressFromKey(key)

	prevOut := types.Outpoint{TxID: types.Hash{0x01}, Index: 0}
	provider := newMockProvider()
	provider.add(prevOut, 5000, types.Script{Type: types.ScriptTypeUnspendable, Data: addr[:]}, 0, false)

	outputs := []Output{{Value: 4000, Script: testP2PKHScript(types.Address{0x09})}}
	transaction := signedInput(key, prevOut, 5000, addr, outputs)

	_, err := transaction.ValidateWithUTXOs(provider, 1, 0, 0)
	if !errors.Is(err, ErrUnspendableOutput) {
		t.Errorf("expected ErrUnspendableOutput, got: %v", err)
	}
}
