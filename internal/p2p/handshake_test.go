package p2p

import (
	"net"
	"testing"
	"time"

	"github.com/equinox-chain/eqxd/pkg/types"
)

func pipeConns(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	var server net.Conn
	accepted := make(chan struct{})
	go func() {
		server, _ = ln.Accept()
		close(accepted)
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	<-accepted
	return client, server
}

func TestHandshakeSucceedsOnMatchingGenesis(t *testing.T) {
	genesis := types.Hash{1, 2, 3}
	client, server := pipeConns(t)
	defer client.Close()
	defer server.Close()

	n1 := New(Config{NetworkMagic: 7, MinProtocolVersion: 1, GenesisHash: genesis})
	n2 := New(Config{NetworkMagic: 7, MinProtocolVersion: 1, GenesisHash: genesis})

	p1 := newPeer(client, true)
	p2 := newPeer(server, false)

	errs := make(chan error, 2)
	go func() { errs <- n1.handshake(p1) }()
	go func() { errs <- n2.handshake(p2) }()

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("handshake failed: %v", err)
		}
	}
}

func TestHandshakeRejectsGenesisMismatch(t *testing.T) {
	client, server := pipeConns(t)
	defer client.Close()
	defer server.Close()

	n1 := New(Config{NetworkMagic: 7, MinProtocolVersion: 1, GenesisHash: types.Hash{1}})
	n2 := New(Config{NetworkMagic: 7, MinProtocolVersion: 1, GenesisHash: types.Hash{2}})

	p1 := newPeer(client, true)
	p2 := newPeer(server, false)

	errs := make(chan error, 2)
	go func() { errs <- n1.handshake(p1) }()
	go func() { errs <- n2.handshake(p2) }()

	e1 := <-errs
	e2 := <-errs
	if e1 == nil && e2 == nil {
		t.Fatal("expected at least one side to reject a genesis mismatch")
	}
}

func TestHandshakeRejectsStaleProtocolVersion(t *testing.T) {
	client, server := pipeConns(t)
	defer client.Close()
	defer server.Close()

	genesis := types.Hash{9}
	n1 := New(Config{NetworkMagic: 3, MinProtocolVersion: 99, GenesisHash: genesis})
	n2 := New(Config{NetworkMagic: 3, MinProtocolVersion: 1, GenesisHash: genesis})

	p1 := newPeer(client, true)
	p2 := newPeer(server, false)

	errs := make(chan error, 2)
	go func() { errs <- n1.handshake(p1) }()
	go func() { errs <- n2.handshake(p2) }()

	e1 := <-errs
	e2 := <-errs
	if e1 == nil && e2 == nil {
		t.Fatal("expected the node requiring a higher min version to reject")
	}
}

func TestHandshakeTimesOutWithoutPeer(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	n := New(Config{NetworkMagic: 1, MinProtocolVersion: 1})
	p := newPeer(client, true)

	done := make(chan error, 1)
	go func() { done <- n.handshake(p) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error when the peer never responds")
		}
	case <-time.After(15 * time.Second):
		t.Fatal("handshake did not honor its deadline")
	}
}
