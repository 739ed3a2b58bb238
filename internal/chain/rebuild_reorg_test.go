package chain

import (
	"testing"

	"github.com/equinox-chain/eqxd/internal/utxo"
	"github.com/equinox-chain/eqxd/pkg/types"
)

// TestRebuildUTXOs_MatchesLiveState checks that replaying the chain from
// genesis reproduces the same UTXO set, supply, and difficulty state that
// incremental block application already produced.
func TestRebuildUTXOs_MatchesLiveState(t *testing.T) {
	ch, engine, rules := testChain(t)
	_, minerAddr := testKey(t)

	tip, _ := ch.GetBlockByHeight(0)
	for i := 0; i < 5; i++ {
		r := rules.RewardAt(tip.Header.Height + 1)
		next := mineBlock(t, ch, engine, tip.Header, minerAddr, nil, r, tip.Header.Timestamp+uint64(rules.TargetBlockTime))
		if err := ch.ProcessBlock(next); err != nil {
			t.Fatalf("ProcessBlock(%d): %v", next.Header.Height, err)
		}
		tip = next
	}

	wantSupply := ch.Supply()
	wantWork := ch.state.CumulativeDifficulty
	wantFrac := ch.state.FractionalDifficulty

	minerOut, err := ch.utxos.(*utxo.Store).Get(utxoOutpointFor(t, ch, 1))
	if err != nil {
		t.Fatalf("lookup pre-rebuild UTXO: %v", err)
	}

	if err := ch.RebuildUTXOs(); err != nil {
		t.Fatalf("RebuildUTXOs: %v", err)
	}

	if ch.Supply() != wantSupply {
		t.Fatalf("supply after rebuild = %d, want %d", ch.Supply(), wantSupply)
	}
	if ch.state.CumulativeDifficulty != wantWork {
		t.Fatalf("cumulative work after rebuild = %v, want %v", ch.state.CumulativeDifficulty, wantWork)
	}
	if ch.state.FractionalDifficulty != wantFrac {
		t.Fatalf("fractional difficulty after rebuild = %v, want %v", ch.state.FractionalDifficulty, wantFrac)
	}

	afterOut, err := ch.utxos.(*utxo.Store).Get(utxoOutpointFor(t, ch, 1))
	if err != nil {
		t.Fatalf("lookup post-rebuild UTXO: %v", err)
	}
	if afterOut.Value != minerOut.Value {
		t.Fatalf("UTXO value mismatch after rebuild: got %d, want %d", afterOut.Value, minerOut.Value)
	}
}

// TestRebuildUTXOs_RecoversFromInterruptedReorg checks that a chain which
// crashed mid-reorg (reorg checkpoint left set) rebuilds its UTXO set from
// the block store on next startup.
func TestRebuildUTXOs_RecoversFromInterruptedReorg(t *testing.T) {
	ch, engine, rules := testChain(t)
	_, minerAddr := testKey(t)

	genesisBlk, _ := ch.GetBlockByHeight(0)
	b1 := mineBlock(t, ch, engine, genesisBlk.Header, minerAddr, nil, rules.RewardAt(1), genesisBlk.Header.Timestamp+uint64(rules.TargetBlockTime))
	if err := ch.ProcessBlock(b1); err != nil {
		t.Fatalf("ProcessBlock(b1): %v", err)
	}

	if err := ch.blocks.PutReorgCheckpoint(0); err != nil {
		t.Fatalf("PutReorgCheckpoint: %v", err)
	}

	// Reopen the chain against the same underlying store: New() should
	// detect the checkpoint and call RebuildUTXOs automatically.
	ch2, err := New(ch.ID, ch.blocks.db, ch.utxos, engine, rules)
	if err != nil {
		t.Fatalf("New (resume): %v", err)
	}

	if ch2.Height() != 1 {
		t.Fatalf("resumed height = %d, want 1", ch2.Height())
	}
	if _, found := ch2.blocks.GetReorgCheckpoint(); found {
		t.Fatalf("reorg checkpoint still set after recovery")
	}
}

// utxoOutpointFor returns the coinbase outpoint of the block at the given
// height, for UTXO lookups in tests.
func utxoOutpointFor(t *testing.T, ch *Chain, height uint64) types.Outpoint {
	t.Helper()
	blk, err := ch.GetBlockByHeight(height)
	if err != nil {
		t.Fatalf("GetBlockByHeight(%d): %v", height, err)
	}
	return types.Outpoint{TxID: blk.Transactions[0].Hash(), Index: 0}
}
