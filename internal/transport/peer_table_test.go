package transport

import (
	"testing"
	"time"

	"github.com/i5heu/samizdat/pkg/clock"
	"github.com/i5heu/samizdat/pkg/interfaces"
)

func testID(b byte) interfaces.NodeID { // A
	var id interfaces.NodeID
	id[0] = b
	return id
}

func TestPeerTableCountsConnections(t *testing.T) { // A
	t.Parallel()
	clk := clock.NewFake(time.Unix(1000, 0))
	table := newPeerTable(clk)
	id := testID(1)

	table.connected(id, "10.0.0.1:4700", true)
	table.connected(id, "10.0.0.1:51000", false)
	p, ok := table.get(id)
	if !ok || p.Connections != 2 || !p.Dialed {
		t.Fatalf("peer = %+v, %v; want two connections, dialed", p, ok)
	}
	if p.Addr != "10.0.0.1:51000" {
		t.Errorf("addr %s, want the latest connection", p.Addr)
	}

	table.disconnected(id)
	if _, ok := table.get(id); !ok {
		t.Fatal("peer dropped while a connection remains")
	}
	table.disconnected(id)
	if _, ok := table.get(id); ok {
		t.Fatal("peer still listed after its last connection closed")
	}
	table.disconnected(id)
}

func TestPeerTableServed(t *testing.T) { // A
	t.Parallel()
	clk := clock.NewFake(time.Unix(1000, 0))
	table := newPeerTable(clk)
	id := testID(2)

	table.served(id)
	if _, ok := table.get(id); ok {
		t.Fatal("served must not register unknown peers")
	}

	table.connected(id, "10.0.0.2:1", false)
	clk.Advance(time.Minute)
	table.served(id)
	table.served(id)
	p, _ := table.get(id)
	if p.Requests != 2 {
		t.Errorf("requests %d, want 2", p.Requests)
	}
	if !p.LastSeen.Equal(clk.Now()) {
		t.Errorf("last seen %v, want %v", p.LastSeen, clk.Now())
	}
}

func TestPeerTableListOrder(t *testing.T) { // A
	t.Parallel()
	clk := clock.NewFake(time.Unix(1000, 0))
	table := newPeerTable(clk)

	table.connected(testID(9), "a:1", false)
	clk.Advance(time.Second)
	table.connected(testID(3), "b:1", false)
	table.connected(testID(1), "c:1", false)

	got := table.list()
	want := []byte{9, 1, 3}
	if len(got) != len(want) {
		t.Fatalf("listed %d peers, want %d", len(got), len(want))
	}
	for i, b := range want {
		if got[i].NodeID[0] != b {
			t.Errorf("position %d holds %x, want %x", i, got[i].NodeID[0], b)
		}
	}
}
