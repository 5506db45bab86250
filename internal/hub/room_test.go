package hub

import (
	"testing"

	"github.com/i5heu/samizdat/internal/transport"
	"github.com/i5heu/samizdat/pkg/interfaces"
)

func TestRoomSnapshotExcludesAndLimits(t *testing.T) { // A
	t.Parallel()
	r := NewRoom()
	for i := range 5 {
		r.join(&member{peer: transport.Peer{NodeID: interfaces.NodeID{byte(i + 1)}}})
	}

	snap := r.snapshot(interfaces.NodeID{2}, 0)
	if len(snap) != 4 {
		t.Fatalf("snapshot has %d members, want 4", len(snap))
	}
	for i, want := range []byte{1, 3, 4, 5} {
		if snap[i].peer.NodeID[0] != want {
			t.Errorf("member %d is %d, want %d", i, snap[i].peer.NodeID[0], want)
		}
	}
	if got := len(r.snapshot(interfaces.NodeID{9}, 2)); got != 2 {
		t.Fatalf("limited snapshot has %d members, want 2", got)
	}
}

func TestRoomLeaveIgnoresStaleConnection(t *testing.T) { // A
	t.Parallel()
	r := NewRoom()
	id := interfaces.NodeID{1}
	r.join(&member{peer: transport.Peer{NodeID: id}})

	r.leave(transport.Peer{NodeID: id, Conn: fakeConn{}})
	if r.Len() != 1 {
		t.Fatal("stale disconnect evicted the live member")
	}
	r.leave(transport.Peer{NodeID: id})
	if r.Len() != 0 {
		t.Fatal("member still present after leaving")
	}
	if len(r.snapshot(interfaces.NodeID{}, 0)) != 0 {
		t.Fatal("snapshot still lists the member")
	}
}

type fakeConn struct{ transport.Connection } // A
