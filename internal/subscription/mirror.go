package subscription

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	sderrors "github.com/i5heu/samizdat/internal/errors"
	"github.com/i5heu/samizdat/pkg/address"
	"github.com/i5heu/samizdat/pkg/model"
	"github.com/i5heu/samizdat/pkg/signature"
)

// Sync resolves the current edition of pk and makes sure
// every object of its collection, and the manifest itself,
// is stored and pinned locally. Objects pinned for an older
// edition and no longer referenced are released.
func (m *Manager) Sync(ctx context.Context, pk signature.PublicKey) (Status, error) { // A
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	sub, ok, err := m.Get(pk)
	if err != nil {
		return Status{}, err
	}
	if !ok {
		return Status{}, fmt.Errorf("subscription to %s: %w", pk.Short(), sderrors.ErrNotFound)
	}

	var (
		st   Status
		keep map[address.ObjectHash]struct{}
	)
	switch sub.Kind {
	case model.FullInventory:
		st, keep, err = m.mirror(ctx, pk)
	default:
		err = fmt.Errorf("%w: subscription kind %s", sderrors.ErrUnknownKind, sub.Kind)
	}
	st.SyncedAt = m.clock.Now()
	st.Err = err

	m.mu.Lock()
	m.status[pk] = st
	m.mu.Unlock()
	if err == nil {
		m.release(pk, keep)
	}
	return st, err
}

func (m *Manager) mirror( // A
	ctx context.Context,
	pk signature.PublicKey,
) (Status, map[address.ObjectHash]struct{}, error) {
	e, err := m.network.ResolveEdition(ctx, pk)
	if err != nil {
		return Status{}, nil, fmt.Errorf("resolve %s: %w", pk.Short(), err)
	}
	st := Status{Edition: e}

	manifestHash := e.Content.Collection.Object()
	raw, err := m.network.FetchObject(ctx, manifestHash)
	if err != nil {
		return st, nil, fmt.Errorf("fetch manifest %s: %w", manifestHash.Short(), err)
	}
	manifest, err := address.DecodeManifest(raw)
	if err != nil {
		return st, nil, fmt.Errorf("manifest %s: %w", manifestHash.Short(), err)
	}
	if err := m.pins.Pin(manifestHash, pk[:]); err != nil {
		return st, nil, fmt.Errorf("pin manifest: %w", err)
	}

	inventory := manifest.Inventory()
	st.Total = len(inventory)
	keep := make(map[address.ObjectHash]struct{}, len(inventory)+1)
	keep[manifestHash] = struct{}{}
	for _, h := range inventory {
		keep[h] = struct{}{}
	}

	var present atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.parallelism)
	for path, h := range inventory {
		g.Go(func() error {
			if _, err := m.network.FetchObject(gctx, h); err != nil {
				m.logger.DebugContext(gctx, "mirroring object failed",
					logKeySeries, pk.Short(),
					logKeyHash, h.Short(),
					logKeyPath, path,
					logKeyError, err)
				return nil
			}
			if err := m.pins.Pin(h, pk[:]); err != nil {
				return fmt.Errorf("pin %s: %w", h.Short(), err)
			}
			present.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return st, nil, err
	}
	st.Present = int(present.Load())

	if missing := st.Total - st.Present; missing > 0 {
		m.logger.InfoContext(ctx, "subscription partially mirrored",
			logKeySeries, pk.Short(),
			logKeyMissing, missing,
			logKeyTotal, st.Total)
		return st, nil, fmt.Errorf("%d of %d objects: %w", missing, st.Total, sderrors.ErrNotFound)
	}
	m.logger.DebugContext(ctx, "subscription mirrored",
		logKeySeries, pk.Short(),
		logKeyTotal, st.Total)
	return st, keep, nil
}

// release drops the pins pk holds on objects outside keep.
// The pins are persisted, so objects of editions superseded
// before a restart are released too.
func (m *Manager) release(pk signature.PublicKey, keep map[address.ObjectHash]struct{}) { // A
	held, err := m.pins.PinnedBy(pk[:])
	if err != nil {
		m.logger.Warn("listing pins failed", logKeySeries, pk.Short(), logKeyError, err)
		return
	}
	for _, h := range held {
		if _, ok := keep[h]; ok {
			continue
		}
		if err := m.pins.Unpin(h, pk[:]); err != nil {
			m.logger.Debug("releasing pin failed", logKeyHash, h.Short(), logKeyError, err)
		}
	}
}
