package p2p

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/equinox-chain/eqxd/pkg/block"
	"github.com/equinox-chain/eqxd/pkg/tx"
	"github.com/equinox-chain/eqxd/pkg/types"
)

// Peer is one connected, handshake-completed P2P connection.
type Peer struct {
	conn       net.Conn
	addr       string // transport address: IP:ephemeral-port
	ip         string // addr's IP only, used as the scoreboard key
	listenAddr string // peer_ip:peer.listen_port, from its Version message
	outbound   bool

	version     uint32
	genesisHash types.Hash
	bestHeight  atomic.Uint64
	connectedAt time.Time
	lastSeen    atomic.Int64

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
	done    chan struct{}

	// Single-outstanding-request waiters. A connection processes one
	// peer's messages strictly in send order (spec.md §5), so a single
	// buffered slot per response type is sufficient to correlate a
	// request with its reply without a multiplexed stream layer.
	pendingHeaders   chan []*block.Header
	pendingBlockData chan []*block.Block
	pendingBlocks    chan []*block.Block
	pendingPeers     chan []string
	pendingPong      chan uint64
	pendingTxBatch   chan []*tx.Transaction
}

func newPeer(conn net.Conn, outbound bool) *Peer {
	addr := conn.RemoteAddr().String()
	ip, _, err := net.SplitHostPort(addr)
	if err != nil {
		ip = addr
	}
	p := &Peer{
		conn:             conn,
		addr:             addr,
		ip:               ip,
		outbound:         outbound,
		connectedAt:      time.Now(),
		done:             make(chan struct{}),
		pendingHeaders:   make(chan []*block.Header, 1),
		pendingBlockData: make(chan []*block.Block, 1),
		pendingBlocks:    make(chan []*block.Block, 1),
		pendingPeers:     make(chan []string, 1),
		pendingPong:      make(chan uint64, 1),
		pendingTxBatch:   make(chan []*tx.Transaction, 1),
	}
	p.lastSeen.Store(time.Now().Unix())
	return p
}

// Addr returns the peer's transport address (IP:ephemeral-port).
func (p *Peer) Addr() string { return p.addr }

// IP returns the peer's IP, used as the ban scoreboard key.
func (p *Peer) IP() string { return p.ip }

// ListenAddr returns the peer's advertised listen address, if known.
func (p *Peer) ListenAddr() string { return p.listenAddr }

// BestHeight returns the peer's last-known chain height.
func (p *Peer) BestHeight() uint64 { return p.bestHeight.Load() }

// Outbound reports whether we dialed this peer (vs. accepted it).
func (p *Peer) Outbound() bool { return p.outbound }

func (p *Peer) touch() { p.lastSeen.Store(time.Now().Unix()) }

func (p *Peer) idleFor() time.Duration {
	return time.Since(time.Unix(p.lastSeen.Load(), 0))
}

func (p *Peer) send(magic uint32, t MessageType, payload any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.closed {
		return net.ErrClosed
	}
	p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return writeFrame(p.conn, magic, newMessage(t, payload))
}

func (p *Peer) close() {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
	p.conn.Close()
}

// deliver places a response on the matching pending channel, non-blocking:
// a reply nobody is waiting for (a stray or late Headers after we moved on)
// is simply dropped, consistent with the protocol's best-effort sync loop.
func deliver[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}
