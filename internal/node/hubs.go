package node

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	sderrors "github.com/i5heu/samizdat/internal/errors"
	"github.com/i5heu/samizdat/pkg/codec"
	"github.com/i5heu/samizdat/pkg/interfaces"
	"github.com/i5heu/samizdat/pkg/model"
)

const prefixHub = "hub:"

// AddHub persists h and starts using it. Adding a known
// address replaces its resolution mode.
func (n *Node) AddHub(ctx context.Context, h model.Hub) error { // A
	h.Addr = strings.TrimSpace(h.Addr)
	if h.Addr == "" {
		return errors.New("hub address must not be empty")
	}
	raw, err := codec.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode hub: %w", err)
	}
	if err := n.kv.Set(hubKey(h.Addr), raw); err != nil {
		return fmt.Errorf("persist hub %s: %w", h.Addr, err)
	}
	n.router.AddHub(h)
	n.logger.InfoContext(ctx, "hub added", logKeyHub, h.Addr, "mode", h.Mode)
	return nil
}

// Hubs lists the hubs in use, ordered by address.
func (n *Node) Hubs() []model.Hub { // A
	return n.router.Hubs()
}

// Peers lists the hubs and nodes currently connected.
func (n *Node) Peers() []interfaces.PeerInfo { // A
	return n.carrier.Peers()
}

// RemoveHub forgets addr and reports whether it was known.
func (n *Node) RemoveHub(ctx context.Context, addr string) (bool, error) { // A
	if err := n.kv.Delete(hubKey(addr)); err != nil {
		return false, fmt.Errorf("forget hub %s: %w", addr, err)
	}
	removed := n.router.RemoveHub(addr)
	if removed {
		n.logger.InfoContext(ctx, "hub removed", logKeyHub, addr)
	}
	return removed, nil
}

// restoreHubs adds the persisted hubs and then the ones
// named in the configuration, which win on conflicts.
func (n *Node) restoreHubs(ctx context.Context) error { // A
	var stored []model.Hub
	err := n.kv.Scan([]byte(prefixHub), func(_, value []byte) error {
		var h model.Hub
		if err := codec.Unmarshal(value, &h); err != nil {
			return sderrors.Storage(fmt.Errorf("decode hub: %w", err))
		}
		stored = append(stored, h)
		return nil
	})
	if err != nil {
		return fmt.Errorf("load hubs: %w", err)
	}
	for _, h := range stored {
		n.router.AddHub(h)
	}

	for _, entry := range n.settings.Hubs {
		mode, err := model.ParseResolutionMode(entry.Mode)
		if err != nil {
			return fmt.Errorf("hub %s: %w", entry.Addr, err)
		}
		h := model.Hub{Addr: entry.Addr, Mode: mode}
		if slices.Contains(stored, h) {
			continue
		}
		if err := n.AddHub(ctx, h); err != nil {
			return err
		}
	}
	return nil
}

func hubKey(addr string) []byte { // A
	return []byte(prefixHub + addr)
}
