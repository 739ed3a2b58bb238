package p2p

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// handshake performs the bidirectional Version/VersionAck exchange
// (spec.md §4.6.3) and populates p's version/genesis/height/listenAddr
// fields. Returns an error (never a strike) on failure — old nodes with
// a stale protocol version are not malicious, and a genesis mismatch
// just means "wrong network", so neither is penalized here.
func (n *Node) handshake(p *Peer) error {
	p.conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer p.conn.SetDeadline(time.Time{})

	ours := VersionPayload{
		Version:     ProtocolVersion,
		BestHeight:  n.safeHeight(),
		GenesisHash: n.cfg.GenesisHash,
		Timestamp:   time.Now().Unix(),
		ListenPort:  n.cfg.Port,
	}
	if n.chain != nil {
		ours.BestHash = n.chain.TipHash()
	}
	if err := writeFrame(p.conn, n.cfg.NetworkMagic, newMessage(MsgVersion, ours)); err != nil {
		return fmt.Errorf("send version: %w", err)
	}

	msg, err := readFrame(p.conn, n.cfg.NetworkMagic)
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if msg.Type != MsgVersion {
		return fmt.Errorf("expected Version, got %s", msg.Type)
	}
	theirs, err := decodePayload[VersionPayload](msg)
	if err != nil {
		return err
	}

	if theirs.Version < n.cfg.MinProtocolVersion {
		return fmt.Errorf("protocol version %d below minimum %d", theirs.Version, n.cfg.MinProtocolVersion)
	}
	if theirs.GenesisHash != n.cfg.GenesisHash {
		return fmt.Errorf("genesis mismatch: peer=%s ours=%s",
			theirs.GenesisHash.String(), n.cfg.GenesisHash.String())
	}

	p.version = theirs.Version
	p.genesisHash = theirs.GenesisHash
	p.bestHeight.Store(theirs.BestHeight)
	if theirs.ListenPort > 0 {
		host, _, err := net.SplitHostPort(p.addr)
		if err == nil {
			p.listenAddr = net.JoinHostPort(host, strconv.Itoa(theirs.ListenPort))
		}
	}

	if err := writeFrame(p.conn, n.cfg.NetworkMagic, newMessage(MsgVersionAck, nil)); err != nil {
		return fmt.Errorf("send versionack: %w", err)
	}

	// Optionally await the peer's VersionAck, proceeding even if absent.
	p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if ackMsg, err := readFrame(p.conn, n.cfg.NetworkMagic); err == nil && ackMsg.Type != MsgVersionAck {
		// Not an ack — treat as the first post-handshake message and
		// dispatch it immediately so it isn't lost.
		p.touch()
		n.dispatch(p, ackMsg)
	}
	p.conn.SetReadDeadline(time.Time{})

	return nil
}
