package transport

import (
	"bytes"
	"slices"
	"sync"

	"github.com/i5heu/samizdat/pkg/clock"
	"github.com/i5heu/samizdat/pkg/interfaces"
)

// peerTable tracks the peers this endpoint holds
// connections to. It is rebuilt from scratch on every
// start. A peer stays listed until its last connection
// closes.
type peerTable struct { // A
	mu    sync.Mutex
	clock clock.Clock
	peers map[interfaces.NodeID]*interfaces.PeerInfo
}

func newPeerTable(clk clock.Clock) *peerTable { // A
	if clk == nil {
		clk = clock.Real()
	}
	return &peerTable{
		clock: clk,
		peers: make(map[interfaces.NodeID]*interfaces.PeerInfo),
	}
}

func (t *peerTable) connected(id interfaces.NodeID, addr string, dialed bool) { // A
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		p = &interfaces.PeerInfo{NodeID: id, ConnectedAt: t.clock.Now()}
		t.peers[id] = p
	}
	p.Addr = addr
	p.Dialed = p.Dialed || dialed
	p.Connections++
}

func (t *peerTable) disconnected(id interfaces.NodeID) { // A
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return
	}
	if p.Connections <= 1 {
		delete(t.peers, id)
		return
	}
	p.Connections--
}

func (t *peerTable) served(id interfaces.NodeID) { // A
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[id]; ok {
		p.LastSeen = t.clock.Now()
		p.Requests++
	}
}

func (t *peerTable) get(id interfaces.NodeID) (interfaces.PeerInfo, bool) { // A
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return interfaces.PeerInfo{}, false
	}
	return *p, true
}

// list returns the peers in connection order.
func (t *peerTable) list() []interfaces.PeerInfo { // A
	t.mu.Lock()
	out := make([]interfaces.PeerInfo, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	t.mu.Unlock()

	slices.SortFunc(out, func(a, b interfaces.PeerInfo) int {
		if c := a.ConnectedAt.Compare(b.ConnectedAt); c != 0 {
			return c
		}
		return bytes.Compare(a.NodeID[:], b.NodeID[:])
	})
	return out
}
