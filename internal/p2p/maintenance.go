package p2p

import "time"

const stalePeerTimeout = 5 * time.Minute

// maintenanceLoop runs the background upkeep task described in spec.md
// §4.6.6: expire bans, retry seeds when peerless, dial a few more known
// addresses if under the outbound target, prune stale peers, and persist
// anchors.
func (n *Node) maintenanceLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.runMaintenance()
		}
	}
}

func (n *Node) runMaintenance() {
	n.Scoreboard.PruneExpired()
	n.pending.evictExpired()

	if n.PeerCount() == 0 {
		n.DialSeeds()
	}

	n.dialMoreOutbound()
	n.pruneStalePeers()
	n.exchangePeerAddrs()

	peers := n.PeerList()
	addrs := make([]string, 0, len(peers))
	for _, p := range peers {
		if p.listenAddr != "" {
			addrs = append(addrs, p.listenAddr)
		}
	}
	n.anchors.Persist(addrs)
}

func (n *Node) dialMoreOutbound() {
	maxOutbound := n.cfg.MaxOutboundPeers
	if maxOutbound <= 0 {
		return
	}
	if n.outboundCount() >= maxOutbound {
		return
	}

	n.mu.RLock()
	connected := make(map[string]struct{}, len(n.peers))
	for addr := range n.peers {
		connected[addr] = struct{}{}
	}
	n.mu.RUnlock()

	attempts := 0
	for _, addr := range n.anchors.Known() {
		if attempts >= 3 {
			break
		}
		if _, ok := connected[addr]; ok {
			continue
		}
		if n.outboundCount() >= maxOutbound {
			break
		}
		attempts++
		go n.Dial(addr)
	}
}

func (n *Node) pruneStalePeers() {
	for _, p := range n.PeerList() {
		if p.idleFor() > stalePeerTimeout {
			p.close()
		}
	}
}

func (n *Node) exchangePeerAddrs() {
	interval := n.cfg.PeerExchangeSeconds
	if interval <= 0 {
		interval = 60
	}
	for _, p := range n.PeerList() {
		if p.idleFor() >= time.Duration(interval)*time.Second {
			go p.send(n.cfg.NetworkMagic, MsgGetPeers, nil)
		}
	}
}
