package p2p

import (
	"testing"
)

func TestDialMoreOutboundRespectsMaxOutboundPeers(t *testing.T) {
	n := newTestNode()
	n.cfg.MaxOutboundPeers = 0 // disabled
	n.anchors.Add("127.0.0.1:1")
	n.dialMoreOutbound() // must be a no-op, not dial anything real
	if n.PeerCount() != 0 {
		t.Fatal("dialMoreOutbound should not dial when MaxOutboundPeers <= 0")
	}
}

func TestPruneStalePeersClosesIdleConnections(t *testing.T) {
	n := newTestNode()
	p := testPeer(t)
	p.lastSeen.Store(0) // long idle
	n.addPeer(p)

	n.pruneStalePeers()

	select {
	case <-p.done:
	default:
		t.Fatal("expected a stale peer's connection to be closed")
	}
}

func TestRunMaintenanceDoesNotPanicWithNoPeers(t *testing.T) {
	n := newTestNode()
	n.runMaintenance() // should be a clean no-op
}
