package chain

import (
	"fmt"

	"github.com/equinox-chain/eqxd/config"
	"github.com/equinox-chain/eqxd/internal/consensus"
	"github.com/equinox-chain/eqxd/pkg/block"
	"github.com/equinox-chain/eqxd/pkg/tx"
	"github.com/equinox-chain/eqxd/pkg/types"
)

// CreateGenesisBlock builds the genesis block from the genesis configuration.
// The genesis block has height 0, a zero PrevHash, difficulty set to
// initial_difficulty, a zero nonce, and a single coinbase transaction split
// between the miner (the all-zero pubkey-hash, since genesis has no real
// miner) and the community fund (spec.md §6.4).
func CreateGenesisBlock(gen *config.Genesis) (*block.Block, error) {
	if gen == nil {
		return nil, fmt.Errorf("genesis config is nil")
	}

	coinbase := buildGenesisCoinbaseTx(&gen.Protocol.Consensus)

	txs := []*tx.Transaction{coinbase}
	txHashes := []types.Hash{coinbase.Hash()}
	merkle := block.ComputeMerkleRoot(txHashes)

	rules := gen.Protocol.Consensus
	header := &block.Header{
		Version:        block.CurrentVersion,
		PrevHash:       types.Hash{}, // Zero for genesis.
		MerkleRoot:     merkle,
		Timestamp:      gen.Timestamp,
		Height:         0,
		DifficultyBits: consensus.DifficultyBits(rules.InitialDifficulty, rules.MinDifficulty, rules.MaxDifficulty),
		Nonce:          0,
	}

	return block.NewBlock(header, txs), nil
}

// buildGenesisCoinbaseTx creates the genesis coinbase: a single input whose
// outpoint is the coinbase marker (it creates coins from nothing), and exactly two
// outputs — the miner's share and the community fund's share of
// initial_block_reward.
func buildGenesisCoinbaseTx(rules *config.ConsensusRules) *tx.Transaction {
	fund, miner := rules.CommunityFundShare(rules.InitialBlockReward)

	outputs := []tx.Output{
		{
			Value: miner,
			Script: types.Script{
				Type: types.ScriptTypeP2PKH,
				Data: make([]byte, types.AddressSize), // All-zero: genesis has no designated miner.
			},
		},
		{
			Value: fund,
			Script: types.Script{
				Type: types.ScriptTypeP2PKH,
				Data: config.CommunityFundPubKeyHash.Bytes(),
			},
		},
	}

	return &tx.Transaction{
		Version: 1,
		Inputs: []tx.Input{{
			PrevOut: types.Outpoint{Index: types.CoinbaseIndex},
		}},
		Outputs: outputs,
	}
}
