// Package node wires together storage, chain, mempool, mining, and P2P
// networking into a single runnable Equinox Chain node.
package node

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/equinox-chain/eqxd/config"
	"github.com/equinox-chain/eqxd/internal/chain"
	"github.com/equinox-chain/eqxd/internal/consensus"
	klog "github.com/equinox-chain/eqxd/internal/log"
	"github.com/equinox-chain/eqxd/internal/mempool"
	"github.com/equinox-chain/eqxd/internal/miner"
	"github.com/equinox-chain/eqxd/internal/p2p"
	"github.com/equinox-chain/eqxd/internal/storage"
	"github.com/equinox-chain/eqxd/internal/utxo"
	"github.com/equinox-chain/eqxd/pkg/block"
	"github.com/equinox-chain/eqxd/pkg/tx"
	"github.com/equinox-chain/eqxd/pkg/types"
	"github.com/rs/zerolog"
)

// mineStabilizeDelay gives freshly-dialed peers a chance to relay their tip
// before this node starts mining on top of what may be a stale view.
const mineStabilizeDelay = 2 * time.Second

// Node is a fully-initialized Equinox Chain node: storage, chain state,
// mempool, the optional miner, and the optional P2P network stack.
type Node struct {
	cfg     *config.Config
	genesis *config.Genesis
	logger  zerolog.Logger

	db        storage.DB
	utxoStore *utxo.Store
	engine    *consensus.PoW
	ch        *chain.Chain
	pool      *mempool.Pool

	p2pNode *p2p.Node

	coinbaseAddr types.Address

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and initializes a new Node: logger, genesis, storage,
// consensus engine, chain, mempool, and (if enabled) the P2P stack. It
// does not start any background goroutine (mining, networking) — call
// Start() for that.
func New(cfg *config.Config) (*Node, error) {
	// ── 1. Address HRP ──────────────────────────────────────────────
	if cfg.Network == config.Testnet {
		types.SetAddressHRP(types.TestnetHRP)
	} else {
		types.SetAddressHRP(types.MainnetHRP)
	}

	// ── 2. Logger ────────────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = logsDir + "/eqxd.log"
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent("node")

	// ── 3. Genesis ───────────────────────────────────────────────────
	genesis := config.GenesisFor(cfg.Network)
	rules := genesis.Protocol.Consensus

	logger.Info().
		Str("chain_id", genesis.ChainID).
		Str("network", string(cfg.Network)).
		Int64("target_block_time", rules.TargetBlockTime).
		Str("initial_difficulty", formatDifficulty(uint64(rules.InitialDifficulty))).
		Msg("Starting Equinox Chain node")

	// ── 4. Storage ───────────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.ChainDataDir())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.ChainDataDir(), err)
	}
	utxoStore := utxo.NewStore(db)
	logger.Info().Str("path", cfg.ChainDataDir()).Msg("Database opened")

	// ── 5. Consensus engine ──────────────────────────────────────────
	engine, err := createEngine(rules)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create consensus engine: %w", err)
	}
	if cfg.Mining.Threads > 0 {
		engine.Threads = cfg.Mining.Threads
	}

	// ── 6. Chain ──────────────────────────────────────────────────────
	ch, err := chain.New(types.ChainID{}, db, utxoStore, engine, rules)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create chain: %w", err)
	}

	if ch.State().IsGenesis() {
		if err := ch.InitFromGenesis(genesis); err != nil {
			db.Close()
			return nil, fmt.Errorf("init from genesis: %w", err)
		}
		logger.Info().Msg("Chain initialized from genesis")
	} else {
		logger.Info().
			Uint64("height", ch.Height()).
			Str("tip", ch.TipHash().String()[:16]+"...").
			Msg("Chain resumed from database")
	}

	// ── 7. Mempool ────────────────────────────────────────────────────
	provider := utxo.NewProvider(utxoStore)
	pool := mempool.New(provider, ch.Height, rules.CoinbaseMaturity, rules.MinTxFee, 5000)
	ch.SetRevertedTxHandler(pool.ReconsiderReverted)

	logger.Info().
		Uint64("coinbase_maturity", rules.CoinbaseMaturity).
		Uint64("min_tx_fee", rules.MinTxFee).
		Msg("Mempool ready")

	n := &Node{
		cfg:       cfg,
		genesis:   genesis,
		logger:    logger,
		db:        db,
		utxoStore: utxoStore,
		engine:    engine,
		ch:        ch,
		pool:      pool,
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	// ── 8. Coinbase (required only if mining) ─────────────────────────
	if cfg.Mining.Enabled {
		addr, err := resolveCoinbase(cfg.Mining.Coinbase)
		if err != nil {
			db.Close()
			return nil, err
		}
		n.coinbaseAddr = addr
	}

	// ── 9. P2P ──────────────────────────────────────────────────────
	if cfg.P2P.Enabled {
		if cfg.P2P.ClearBans {
			if err := clearBans(db); err != nil {
				logger.Warn().Err(err).Msg("Failed to clear peer bans")
			}
		}

		p2pNode := p2p.New(p2p.Config{
			ListenAddr:          cfg.P2P.ListenAddr,
			Port:                cfg.P2P.Port,
			Seeds:               cfg.P2P.Seeds,
			MaxPeers:            cfg.P2P.MaxPeers,
			MaxOutboundPeers:    cfg.P2P.MaxOutboundPeers,
			PeerExchangeSeconds: cfg.P2P.PeerExchangeSeconds,
			MaxAnchors:          cfg.P2P.MaxAnchors,
			BanThreshold:        cfg.P2P.BanThreshold,
			BanDuration:         time.Duration(cfg.P2P.BanDurationSeconds) * time.Second,
			NetworkMagic:        rules.NetworkMagic,
			MinProtocolVersion:  rules.MinProtocolVersion,
			GenesisHash:         ch.GenesisHash(),
			DB:                  db,
			DataDir:             cfg.ChainDataDir(),
		})
		p2pNode.SetChainProvider(ch)
		p2pNode.SetMempoolProvider(pool)
		p2pNode.SetBlockHandler(n.onRelayedBlock)
		p2pNode.SetTxHandler(n.onRelayedTx)
		n.p2pNode = p2pNode
	}

	return n, nil
}

// clearBans wipes any persisted peer-ban records from a previous run.
func clearBans(db storage.DB) error {
	var keys [][]byte
	if err := db.ForEach([]byte("ban/"), func(k, v []byte) error {
		keys = append(keys, append([]byte(nil), k...))
		return nil
	}); err != nil {
		return err
	}
	for _, k := range keys {
		if err := db.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// onRelayedBlock logs a block accepted from the P2P network.
func (n *Node) onRelayedBlock(from *p2p.Peer, blk *block.Block) {
	n.logger.Info().
		Uint64("height", blk.Header.Height).
		Str("hash", blk.Hash().String()[:16]+"...").
		Str("peer", from.Addr()).
		Int("txs", len(blk.Transactions)).
		Msg("Accepted relayed block")
}

// onRelayedTx logs a transaction accepted into the mempool from the P2P network.
func (n *Node) onRelayedTx(from *p2p.Peer, t *tx.Transaction) {
	n.logger.Debug().
		Str("hash", t.Hash().String()[:16]+"...").
		Str("peer", from.Addr()).
		Msg("Accepted relayed transaction")
}

// Start launches background work: the P2P network (if enabled) and the
// miner (if mining is enabled). It returns once both are running; it does
// not block for the node's lifetime.
func (n *Node) Start() error {
	if n.p2pNode != nil {
		if err := n.p2pNode.Start(); err != nil {
			return fmt.Errorf("start p2p: %w", err)
		}
		n.p2pNode.DialSeeds()
		n.logger.Info().
			Str("addr", n.cfg.P2P.ListenAddr).
			Int("port", n.cfg.P2P.Port).
			Msg("P2P networking started")
	}

	if n.cfg.Mining.Enabled {
		m := miner.New(n.ch, n.engine, n.pool, n.coinbaseAddr,
			n.genesis.Protocol.Consensus.RewardAt(n.ch.Height()+1),
			n.genesis.Protocol.Consensus.MaxSupply, n.ch.Supply)

		n.wg.Add(1)
		go n.runMiner(m)
		n.logger.Info().
			Str("coinbase", n.coinbaseAddr.String()).
			Int("threads", n.engine.Threads).
			Msg("Mining started")
	}

	return nil
}

// runMiner continuously produces, accepts, and broadcasts blocks until the
// node is stopped. There is no slot election: any node may attempt the
// next block at any time, and the network's fork-choice rule (most
// cumulative work) resolves any resulting race (spec.md §4.3.2).
func (n *Node) runMiner(m *miner.Miner) {
	defer n.wg.Done()

	time.Sleep(mineStabilizeDelay)

	for {
		select {
		case <-n.ctx.Done():
			return
		default:
		}

		m.SetBlockReward(n.genesis.Protocol.Consensus.RewardAt(n.ch.Height() + 1))

		blk, err := m.ProduceBlockCtx(n.ctx)
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			n.logger.Error().Err(err).Msg("Failed to produce block")
			continue
		}

		if err := n.ch.ProcessBlock(blk); err != nil {
			n.logger.Warn().Err(err).
				Uint64("height", blk.Header.Height).
				Msg("Mined block rejected by chain (likely lost a race)")
			continue
		}

		n.pool.RemoveConfirmed(blk.Transactions)

		n.logger.Info().
			Uint64("height", blk.Header.Height).
			Str("hash", blk.Hash().String()[:16]+"...").
			Int("txs", len(blk.Transactions)).
			Uint32("difficulty_bits", blk.Header.DifficultyBits).
			Msg("Mined block")

		if n.p2pNode != nil {
			n.p2pNode.BroadcastBlock(blk)
		}
	}
}

// Stop shuts down the miner, the P2P network, and the database.
func (n *Node) Stop() error {
	n.cancel()
	n.wg.Wait()

	if n.p2pNode != nil {
		if err := n.p2pNode.Stop(); err != nil {
			n.logger.Warn().Err(err).Msg("Error stopping p2p")
		}
	}

	if n.db != nil {
		return n.db.Close()
	}
	return nil
}

// Height returns the current chain tip height.
func (n *Node) Height() uint64 {
	return n.ch.Height()
}

// ListenAddr returns the node's P2P listen address, or "" if P2P is
// disabled or the node hasn't been started yet.
func (n *Node) ListenAddr() string {
	if n.p2pNode == nil {
		return ""
	}
	return n.p2pNode.ListenAddr()
}

// DialPeer connects to a peer at the given address (host:port).
func (n *Node) DialPeer(addr string) error {
	if n.p2pNode == nil {
		return fmt.Errorf("p2p is disabled")
	}
	return n.p2pNode.Dial(addr)
}

// PeerCount returns the number of currently connected peers (0 if P2P is disabled).
func (n *Node) PeerCount() int {
	if n.p2pNode == nil {
		return 0
	}
	return n.p2pNode.PeerCount()
}

// SubmitTransaction admits a transaction into the local mempool and, on
// success, relays it to connected peers.
func (n *Node) SubmitTransaction(t *tx.Transaction) error {
	if _, err := n.pool.Add(t); err != nil {
		return err
	}
	if n.p2pNode != nil {
		n.p2pNode.BroadcastTx(t)
	}
	return nil
}

// Chain exposes the underlying chain for read-only inspection (e.g. a
// future RPC surface).
func (n *Node) Chain() *chain.Chain { return n.ch }

// Mempool exposes the underlying mempool for read-only inspection.
func (n *Node) Mempool() *mempool.Pool { return n.pool }
