package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/equinox-chain/eqxd/internal/chain"
	klog "github.com/equinox-chain/eqxd/internal/log"
	"github.com/equinox-chain/eqxd/internal/storage"
	"github.com/equinox-chain/eqxd/pkg/block"
	"github.com/equinox-chain/eqxd/pkg/tx"
	"github.com/equinox-chain/eqxd/pkg/types"
	"github.com/rs/zerolog"
)

const (
	dialTimeout         = 10 * time.Second
	readIdleTimeout     = 5 * time.Minute
	pingInterval        = 60 * time.Second
	maintenanceInterval = 30 * time.Second
	handshakeTimeout    = 10 * time.Second
)

// Config holds raw-TCP P2P node configuration (spec.md §4.6).
type Config struct {
	ListenAddr          string
	Port                int
	Seeds               []string
	MaxPeers            int
	MaxOutboundPeers    int
	PeerExchangeSeconds int
	MaxAnchors          int
	BanThreshold        int
	BanDuration         time.Duration
	NetworkMagic        uint32
	MinProtocolVersion  uint32
	GenesisHash         types.Hash
	DB                  storage.DB // ban/anchor persistence; nil disables it
	DataDir             string
}

// ChainProvider is the subset of *internal/chain.Chain the P2P layer
// needs for sync and block relay.
type ChainProvider interface {
	Height() uint64
	TipHash() types.Hash
	GetBlock(hash types.Hash) (*block.Block, error)
	GetBlockByHeight(height uint64) (*block.Block, error)
	ProcessBlock(blk *block.Block) error
}

// MempoolProvider is the subset of *internal/mempool.Pool the P2P layer
// needs for transaction relay and compact-block reconstruction.
type MempoolProvider interface {
	Add(t *tx.Transaction) (uint64, error)
	Hashes() []types.Hash
	Get(txHash types.Hash) *tx.Transaction
	RemoveConfirmed(transactions []*tx.Transaction)
}

// Node is a raw framed-TCP P2P node.
type Node struct {
	cfg Config

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu    sync.RWMutex
	peers map[string]*Peer // keyed by transport addr

	Scoreboard *Scoreboard
	anchors    *AnchorStore

	chain   ChainProvider
	mempool MempoolProvider

	blockHandler func(from *Peer, blk *block.Block)
	txHandler    func(from *Peer, t *tx.Transaction)

	pending *pendingCompactTable

	logger zerolog.Logger

	syncMu    sync.Mutex // serializes sync rounds; avoids overlapping locator walks
	listening bool
}

// New creates a P2P node. Call Start to begin listening and dialing.
func New(cfg Config) *Node {
	if cfg.NetworkMagic == 0 {
		cfg.NetworkMagic = 0xE9100001
	}
	if cfg.MinProtocolVersion == 0 {
		cfg.MinProtocolVersion = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		peers:   make(map[string]*Peer),
		anchors: NewAnchorStore(cfg.DataDir, cfg.MaxAnchors),
		pending: newPendingCompactTable(),
		logger:  klog.WithComponent("p2p"),
	}
	n.Scoreboard = NewScoreboard(cfg.DB, cfg.BanThreshold, cfg.BanDuration)
	n.Scoreboard.SetBanCallback(func(ip string) { n.disconnectIP(ip) })
	return n
}

// SetChainProvider wires the chain the sync/relay logic reads and writes.
func (n *Node) SetChainProvider(cp ChainProvider) { n.chain = cp }

// SetMempoolProvider wires the mempool used for relay and compact blocks.
func (n *Node) SetMempoolProvider(mp MempoolProvider) { n.mempool = mp }

// SetBlockHandler registers a callback invoked after a peer's block has
// been accepted onto the chain (for logging; the accept/reject/penalize
// decision itself is made internally).
func (n *Node) SetBlockHandler(fn func(from *Peer, blk *block.Block)) { n.blockHandler = fn }

// SetTxHandler registers a callback invoked after a peer's transaction
// has been admitted to the mempool.
func (n *Node) SetTxHandler(fn func(from *Peer, t *tx.Transaction)) { n.txHandler = fn }

// Start opens the listening socket, loads persisted state, dials seeds,
// and launches the accept loop and maintenance task.
func (n *Node) Start() error {
	n.Scoreboard.LoadBans()
	n.anchors.Load()

	addr := net.JoinHostPort(n.cfg.ListenAddr, strconv.Itoa(n.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	n.listener = ln
	n.listening = true

	n.wg.Add(1)
	go n.acceptLoop()

	for _, seed := range n.cfg.Seeds {
		n.anchors.Add(seed)
	}

	n.wg.Add(1)
	go n.maintenanceLoop()

	n.logger.Info().Str("addr", addr).Msg("P2P listening")
	return nil
}

// Stop shuts down the listener and all peer connections.
func (n *Node) Stop() error {
	n.cancel()
	if n.listener != nil {
		n.listener.Close()
	}
	n.mu.Lock()
	for _, p := range n.peers {
		p.close()
	}
	n.mu.Unlock()
	n.wg.Wait()
	return nil
}

// PeerCount returns the number of connected, handshake-completed peers.
func (n *Node) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// ListenAddr returns the address this node is listening on, or "" if it
// hasn't been started (or P2P is disabled).
func (n *Node) ListenAddr() string {
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// PeerList returns a snapshot of connected peers.
func (n *Node) PeerList() []*Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].addr < out[j].addr })
	return out
}

func (n *Node) addPeer(p *Peer) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cfg.MaxPeers > 0 && len(n.peers) >= n.cfg.MaxPeers {
		return false
	}
	n.peers[p.addr] = p
	return true
}

func (n *Node) removePeer(p *Peer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if existing, ok := n.peers[p.addr]; ok && existing == p {
		delete(n.peers, p.addr)
	}
}

func (n *Node) outboundCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	count := 0
	for _, p := range n.peers {
		if p.outbound {
			count++
		}
	}
	return count
}

func (n *Node) disconnectIP(ip string) {
	n.mu.RLock()
	var victims []*Peer
	for _, p := range n.peers {
		if p.ip == ip {
			victims = append(victims, p)
		}
	}
	n.mu.RUnlock()
	for _, p := range victims {
		p.close()
	}
}

// strike records an offense against a peer's IP via the scoreboard.
func (n *Node) strike(p *Peer, weight int, reason string) {
	n.Scoreboard.RecordOffense(p.ip, weight, reason)
}

func (n *Node) acceptLoop() {
	defer n.wg.Done()
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			continue
		}
		ip, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		if n.Scoreboard.IsBanned(ip) {
			conn.Close()
			continue
		}
		p := newPeer(conn, false)
		n.wg.Add(1)
		go n.runConnection(p)
	}
}

// Dial connects to a peer at addr (host:port) and runs its connection loop.
func (n *Node) Dial(addr string) error {
	ip, _, err := net.SplitHostPort(addr)
	if err == nil && n.Scoreboard.IsBanned(ip) {
		return fmt.Errorf("%s is banned", ip)
	}
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	p := newPeer(conn, true)
	n.wg.Add(1)
	go n.runConnection(p)
	return nil
}

// DialSeeds attempts every configured seed once.
func (n *Node) DialSeeds() {
	for _, seed := range n.cfg.Seeds {
		if err := n.Dial(seed); err != nil {
			n.logger.Warn().Str("addr", seed).Err(err).Msg("seed dial failed")
		}
	}
}

// runConnection drives the handshake then the single-reader dispatch loop
// for one peer connection; it owns both wg slots acquired by its caller.
func (n *Node) runConnection(p *Peer) {
	defer n.wg.Done()
	defer p.close()
	defer n.removePeer(p)

	if err := n.handshake(p); err != nil {
		n.logger.Debug().Str("peer", p.addr).Err(err).Msg("handshake failed")
		return
	}
	if !n.addPeer(p) {
		return
	}
	if p.listenAddr != "" {
		n.anchors.Add(p.listenAddr)
	}
	n.logger.Info().Str("peer", p.addr).Bool("outbound", p.outbound).
		Uint64("height", p.BestHeight()).Msg("peer connected")

	n.wg.Add(1)
	go n.pingLoop(p)

	// Kick an initial sync if the peer claims to be ahead.
	if p.BestHeight() > n.safeHeight() {
		go n.syncWithPeer(p)
	}

	n.readLoop(p)
}

func (n *Node) safeHeight() uint64 {
	if n.chain == nil {
		return 0
	}
	return n.chain.Height()
}

func (n *Node) pingLoop(p *Peer) {
	defer n.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	var nonce uint64
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			nonce++
			if err := p.send(n.cfg.NetworkMagic, MsgPing, PingPongPayload{Nonce: nonce}); err != nil {
				p.close()
				return
			}
		}
	}
}

func (n *Node) readLoop(p *Peer) {
	for {
		p.conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		msg, err := readFrame(p.conn, n.cfg.NetworkMagic)
		if err != nil {
			return
		}
		p.touch()
		n.dispatch(p, msg)
	}
}

func (n *Node) dispatch(p *Peer, msg Message) {
	switch msg.Type {
	case MsgNewBlock:
		n.handleNewBlock(p, msg)
	case MsgNewTransaction:
		n.handleNewTransaction(p, msg)
	case MsgGetHeadersFrom:
		n.handleGetHeadersFrom(p, msg)
	case MsgHeaders:
		if payload, err := decodePayload[HeadersPayload](msg); err == nil {
			deliver(p.pendingHeaders, payload.Headers)
		}
	case MsgGetBlockData:
		n.handleGetBlockData(p, msg)
	case MsgBlockData:
		if payload, err := decodePayload[BlockDataPayload](msg); err == nil {
			deliver(p.pendingBlockData, payload.Blocks)
		}
	case MsgGetBlock:
		n.handleGetBlock(p, msg)
	case MsgGetBlocks:
		n.handleGetBlocks(p, msg)
	case MsgBlocks:
		if payload, err := decodePayload[BlocksPayload](msg); err == nil {
			deliver(p.pendingBlocks, payload.Blocks)
		}
	case MsgCompactBlock:
		n.handleCompactBlock(p, msg)
	case MsgGetTransactions:
		n.handleGetTransactions(p, msg)
	case MsgTransactionBatch:
		n.handleTransactionBatch(p, msg)
	case MsgGetPeers:
		n.handleGetPeers(p)
	case MsgPeers:
		if payload, err := decodePayload[PeersPayload](msg); err == nil {
			for _, addr := range payload.Addrs {
				n.anchors.Add(addr)
			}
			deliver(p.pendingPeers, payload.Addrs)
		}
	case MsgPing:
		if payload, err := decodePayload[PingPongPayload](msg); err == nil {
			p.send(n.cfg.NetworkMagic, MsgPong, PingPongPayload{Nonce: payload.Nonce})
		}
	case MsgPong:
		if payload, err := decodePayload[PingPongPayload](msg); err == nil {
			deliver(p.pendingPong, payload.Nonce)
		}
	default:
		n.strike(p, StrikeMalformedMessage, "unknown message type")
	}
}

// BroadcastBlock relays a locally or newly accepted block to every peer
// as a CompactBlock (spec.md §4.6.5).
func (n *Node) BroadcastBlock(blk *block.Block) {
	n.broadcastBlockExcept(blk, nil)
}

func (n *Node) broadcastBlockExcept(blk *block.Block, except *Peer) {
	for _, p := range n.PeerList() {
		if p == except {
			continue
		}
		go n.sendCompactBlock(p, blk)
	}
}

// BroadcastTx relays a transaction to every connected peer.
func (n *Node) BroadcastTx(t *tx.Transaction) {
	n.broadcastTxExcept(t, nil)
}

func (n *Node) broadcastTxExcept(t *tx.Transaction, except *Peer) {
	for _, p := range n.PeerList() {
		if p == except {
			continue
		}
		go p.send(n.cfg.NetworkMagic, MsgNewTransaction, NewTransactionPayload{Tx: t})
	}
}

// classifyBlockErr reports whether err should be penalized, per the
// harmless/penalized split in spec.md §4.6.8.
func classifyBlockErr(err error) (harmless bool) {
	return errors.Is(err, chain.ErrDuplicateBlock) ||
		errors.Is(err, chain.ErrInvalidHeight) ||
		errors.Is(err, chain.ErrOrphanBlock)
}
