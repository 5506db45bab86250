package hub

import (
	"net"
	"strconv"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/i5heu/samizdat/internal/transport"
	"github.com/i5heu/samizdat/pkg/interfaces"
	"github.com/i5heu/samizdat/pkg/signature"
)

// member is one connected node. Its throttles live as long
// as the connection does.
type member struct { // A
	peer    transport.Peer
	limiter *rate.Limiter
	sem     *semaphore.Weighted

	mu         sync.Mutex
	listenPort string
	interests  map[signature.PublicKey]struct{}
}

func (m *member) setListenAddr(addr string) error { // A
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return err
	}
	m.mu.Lock()
	m.listenPort = port
	m.mu.Unlock()
	return nil
}

// pullAddr is where other nodes can reach this member
// directly: the host the hub observed with the port the
// member announced in Hello.
func (m *member) pullAddr() (string, bool) { // A
	m.mu.Lock()
	port := m.listenPort
	m.mu.Unlock()
	if port == "" || m.peer.Addr == nil {
		return "", false
	}
	host, _, err := net.SplitHostPort(m.peer.Addr.String())
	if err != nil {
		return "", false
	}
	return net.JoinHostPort(host, port), true
}

func (m *member) setInterest(pk signature.PublicKey, on bool) { // A
	m.mu.Lock()
	defer m.mu.Unlock()
	if on {
		m.interests[pk] = struct{}{}
		return
	}
	delete(m.interests, pk)
}

func (m *member) interestedIn(pk signature.PublicKey) bool { // A
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.interests[pk]
	return ok
}

// Room is the ephemeral set of connected nodes. Membership
// changes only on connect and disconnect; broadcasts work
// on snapshots.
type Room struct { // A
	mu      sync.RWMutex
	members map[interfaces.NodeID]*member
	order   []interfaces.NodeID
}

// NewRoom returns an empty Room.
func NewRoom() *Room { // A
	return &Room{members: make(map[interfaces.NodeID]*member)}
}

func (r *Room) join(m *member) { // A
	r.mu.Lock()
	defer r.mu.Unlock()
	id := m.peer.NodeID
	if _, exists := r.members[id]; !exists {
		r.order = append(r.order, id)
	}
	r.members[id] = m
}

// leave drops the member only if conn still belongs to it,
// so a stale disconnect cannot evict a reconnected node.
func (r *Room) leave(peer transport.Peer) { // A
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[peer.NodeID]
	if !ok || m.peer.Conn != peer.Conn {
		return
	}
	delete(r.members, peer.NodeID)
	for i, id := range r.order {
		if id == peer.NodeID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Room) get(id interfaces.NodeID) *member { // A
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.members[id]
}

// snapshot returns up to limit members in join order,
// leaving out exclude. limit <= 0 means no limit.
func (r *Room) snapshot(exclude interfaces.NodeID, limit int) []*member { // A
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*member, 0, len(r.order))
	for _, id := range r.order {
		if id == exclude {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, r.members[id])
	}
	return out
}

// Len returns the number of connected nodes.
func (r *Room) Len() int { // A
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
