package chain

import (
	"testing"

	"github.com/equinox-chain/eqxd/config"
	"github.com/equinox-chain/eqxd/internal/consensus"
	"github.com/equinox-chain/eqxd/internal/storage"
	"github.com/equinox-chain/eqxd/internal/utxo"
	"github.com/equinox-chain/eqxd/pkg/block"
	"github.com/equinox-chain/eqxd/pkg/crypto"
	"github.com/equinox-chain/eqxd/pkg/tx"
	"github.com/equinox-chain/eqxd/pkg/types"
)

// testRules returns a small, fast-to-mine consensus configuration: a
// difficulty of 1 bit means Seal finds a nonce in a couple of tries on
// average, keeping the memory-hard powhash affordable in tests.
func testRules() config.ConsensusRules {
	return config.ConsensusRules{
		TargetBlockTime:       10,
		DifficultyWindow:      5,
		MaxAdjustmentPerBlock: 2,
		InitialDifficulty:     1,
		MinDifficulty:         1,
		MaxDifficulty:         8,
		InitialBlockReward:    1000,
		HalvingInterval:       0,
		MaxSupply:             0,
		CommunityFundPercent:  0.1,
		MinTxFee:              1,
		CoinbaseMaturity:      2,
		NetworkMagic:          0xE9100099,
		MinProtocolVersion:    1,
	}
}

func testGenesisConfig(rules config.ConsensusRules) *config.Genesis {
	return &config.Genesis{
		ChainID:   "test-chain-1",
		ChainName: "Test Chain",
		Timestamp: 1700000000,
		Protocol: config.ProtocolConfig{
			Consensus: rules,
		},
	}
}

// testChain builds a fresh chain initialized from genesis, along with its
// PoW engine and consensus rules, ready for ProcessBlock calls.
func testChain(t *testing.T) (*Chain, *consensus.PoW, config.ConsensusRules) {
	t.Helper()

	rules := testRules()
	engine, err := consensus.NewPoW(rules.InitialDifficulty, rules.TargetBlockTime, rules.DifficultyWindow,
		rules.MaxAdjustmentPerBlock, rules.MinDifficulty, rules.MaxDifficulty)
	if err != nil {
		t.Fatalf("NewPoW: %v", err)
	}

	db := storage.NewMemory()
	utxoStore := utxo.NewStore(db)

	ch, err := New(types.ChainID{}, db, utxoStore, engine, rules)
	if err != nil {
		t.Fatalf("New chain: %v", err)
	}

	gen := testGenesisConfig(rules)
	if err := ch.InitFromGenesis(gen); err != nil {
		t.Fatalf("InitFromGenesis: %v", err)
	}

	return ch, engine, rules
}

// testKey generates a fresh keypair and its derived address.
func testKey(t *testing.T) (*crypto.PrivateKey, types.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key, crypto.AddressFromPubKey(key.PublicKey())
}

// p2pkhScript builds a P2PKH locking script paying the given address.
func p2pkhScript(addr types.Address) types.Script {
	return types.Script{Type: types.ScriptTypeP2PKH, Data: append([]byte(nil), addr[:]...)}
}

// signInput signs input idx of t so it spends an output of value spentValue
// owned by key, under EQF_TXSIG_V1.
func signInput(t *testing.T, transaction *tx.Transaction, idx int, key *crypto.PrivateKey, spentValue uint64, ownerAddr types.Address) {
	t.Helper()
	hash := transaction.SigningHash(idx, spentValue, ownerAddr)
	sig, err := key.Sign(hash[:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	transaction.Inputs[idx].Signature = sig
	transaction.Inputs[idx].PubKey = key.PublicKey()
}

// buildCoinbase builds a coinbase transaction paying reward to minerAddr.
func buildCoinbase(reward uint64, minerAddr types.Address) *tx.Transaction {
	return &tx.Transaction{
		Version: 1,
		Inputs:  []tx.Input{{PrevOut: types.Outpoint{Index: types.CoinbaseIndex}}},
		Outputs: []tx.Output{{Value: reward, Script: p2pkhScript(minerAddr)}},
	}
}

// mineBlock assembles a candidate block extending parent, with the given
// non-coinbase transactions, and mines it to satisfy the engine's claimed
// difficulty for that parent.
func mineBlock(t *testing.T, ch *Chain, engine *consensus.PoW, parent *block.Header, minerAddr types.Address, txs []*tx.Transaction, reward uint64, timestamp uint64) *block.Block {
	t.Helper()

	expectedBits, err := ch.expectedDifficultyBitsForParent(parent.Hash())
	if err != nil {
		t.Fatalf("expectedDifficultyBitsForParent: %v", err)
	}

	coinbase := buildCoinbase(reward, minerAddr)
	all := append([]*tx.Transaction{coinbase}, txs...)

	txHashes := make([]types.Hash, len(all))
	for i, tr := range all {
		txHashes[i] = tr.Hash()
	}

	header := &block.Header{
		Version:        block.CurrentVersion,
		PrevHash:       parent.Hash(),
		MerkleRoot:     block.ComputeMerkleRoot(txHashes),
		Timestamp:      timestamp,
		Height:         parent.Height + 1,
		DifficultyBits: expectedBits,
	}

	blk := block.NewBlock(header, all)
	if err := engine.Seal(blk); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return blk
}
