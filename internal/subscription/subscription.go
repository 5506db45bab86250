// Package subscription mirrors the content of subscribed
// series. Subscriptions are persisted; what has been
// mirrored so far is only tracked in memory and rebuilt by
// the next sync.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	sderrors "github.com/i5heu/samizdat/internal/errors"
	"github.com/i5heu/samizdat/pkg/address"
	"github.com/i5heu/samizdat/pkg/clock"
	"github.com/i5heu/samizdat/pkg/codec"
	"github.com/i5heu/samizdat/pkg/interfaces"
	"github.com/i5heu/samizdat/pkg/model"
	"github.com/i5heu/samizdat/pkg/signature"
)

const (
	prefixSubscription = "subscription:"

	logKeySeries  = "series"
	logKeyHash    = "hash"
	logKeyPath    = "path"
	logKeyMissing = "missing"
	logKeyTotal   = "total"
	logKeyError   = "error"

	DefaultInterval    = 10 * time.Minute
	DefaultParallelism = 4
)

// Network is what mirroring needs from the query router.
type Network interface {
	ResolveEdition(ctx context.Context, pk signature.PublicKey) (model.Edition, error)
	FetchObject(ctx context.Context, h address.ObjectHash) ([]byte, error)
	Subscribe(ctx context.Context, pk signature.PublicKey, kind model.SubscriptionKind) error
	Unsubscribe(ctx context.Context, pk signature.PublicKey) error
}

// Pinner keeps mirrored objects out of eviction. Pins are
// held per series key and never touch user bookmarks.
type Pinner interface {
	Pin(h address.ObjectHash, holder []byte) error
	Unpin(h address.ObjectHash, holder []byte) error
	PinnedBy(holder []byte) ([]address.ObjectHash, error)
}

// Config configures a Manager.
type Config struct {
	Store   interfaces.ByteStore
	Network Network
	Pins    Pinner
	Clock   clock.Clock
	Logger  *slog.Logger
	// Interval is the period of the background resync.
	Interval time.Duration
	// Parallelism bounds concurrent object fetches per sync.
	Parallelism int
}

// Status is the in-memory fulfillment state of one
// subscription.
type Status struct {
	Edition  model.Edition
	Total    int
	Present  int
	SyncedAt time.Time
	Err      error
}

// Complete reports whether every object of the last synced
// edition is stored locally.
func (s Status) Complete() bool { // A
	return s.Err == nil && s.Present == s.Total
}

// Manager owns the subscriptions of a node.
type Manager struct {
	store       interfaces.ByteStore
	network     Network
	pins        Pinner
	clock       clock.Clock
	logger      *slog.Logger
	interval    time.Duration
	parallelism int

	mu      sync.Mutex
	status  map[signature.PublicKey]Status
	pending map[signature.PublicKey]struct{}
	wake    chan struct{}

	syncMu sync.Mutex
}

// New returns a Manager.
func New(cfg Config) (*Manager, error) { // A
	switch {
	case cfg.Store == nil:
		return nil, errors.New("byte store must not be nil")
	case cfg.Network == nil:
		return nil, errors.New("network must not be nil")
	case cfg.Pins == nil:
		return nil, errors.New("pinner must not be nil")
	case cfg.Logger == nil:
		return nil, errors.New("logger must not be nil")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}
	return &Manager{
		store:       cfg.Store,
		network:     cfg.Network,
		pins:        cfg.Pins,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		interval:    cfg.Interval,
		parallelism: cfg.Parallelism,
		status:      make(map[signature.PublicKey]Status),
		pending:     make(map[signature.PublicKey]struct{}),
		wake:        make(chan struct{}, 1),
	}, nil
}

// Create persists a subscription to pk, registers interest
// with the hubs and schedules a sync.
func (m *Manager) Create( // A
	ctx context.Context,
	pk signature.PublicKey,
	kind model.SubscriptionKind,
) (model.Subscription, error) {
	if !kind.Valid() {
		return model.Subscription{}, fmt.Errorf("%w: subscription kind %d", sderrors.ErrUnknownKind, kind)
	}
	sub := model.Subscription{PublicKey: pk, Kind: kind}
	raw, err := codec.Marshal(sub)
	if err != nil {
		return model.Subscription{}, fmt.Errorf("encode subscription: %w", err)
	}
	err = m.store.Update(func(tx interfaces.ByteTxn) error {
		_, err := tx.Get(subscriptionKey(pk))
		if err == nil {
			return fmt.Errorf("subscription to %s: %w", pk.Short(), sderrors.ErrAlreadyExists)
		}
		if !errors.Is(err, sderrors.ErrNotFound) {
			return err
		}
		return tx.Set(subscriptionKey(pk), raw)
	})
	if err != nil {
		return model.Subscription{}, err
	}

	if err := m.network.Subscribe(ctx, pk, kind); err != nil {
		m.logger.WarnContext(ctx, "registering subscription with hubs failed",
			logKeySeries, pk.Short(),
			logKeyError, err)
	}
	m.Notify(pk)
	return sub, nil
}

// Get returns the subscription to pk.
func (m *Manager) Get(pk signature.PublicKey) (model.Subscription, bool, error) { // A
	raw, err := m.store.Get(subscriptionKey(pk))
	if errors.Is(err, sderrors.ErrNotFound) {
		return model.Subscription{}, false, nil
	}
	if err != nil {
		return model.Subscription{}, false, err
	}
	sub, err := codec.Decode[model.Subscription](raw)
	if err != nil {
		return model.Subscription{}, false, sderrors.Storage(fmt.Errorf("decode subscription: %w", err))
	}
	return sub, true, nil
}

// List returns every subscription in key order.
func (m *Manager) List() ([]model.Subscription, error) { // A
	var out []model.Subscription
	err := m.store.Scan([]byte(prefixSubscription), func(_, value []byte) error {
		sub, err := codec.Decode[model.Subscription](value)
		if err != nil {
			return sderrors.Storage(fmt.Errorf("decode subscription: %w", err))
		}
		out = append(out, sub)
		return nil
	})
	return out, err
}

// Delete removes the subscription to pk and releases the
// pins taken by its last sync.
func (m *Manager) Delete(ctx context.Context, pk signature.PublicKey) (bool, error) { // A
	_, ok, err := m.Get(pk)
	if err != nil || !ok {
		return false, err
	}
	if err := m.store.Delete(subscriptionKey(pk)); err != nil {
		return false, err
	}

	m.syncMu.Lock()
	m.mu.Lock()
	delete(m.status, pk)
	delete(m.pending, pk)
	m.mu.Unlock()
	m.release(pk, nil)
	m.syncMu.Unlock()

	if err := m.network.Unsubscribe(ctx, pk); err != nil {
		m.logger.WarnContext(ctx, "dropping subscription at hubs failed",
			logKeySeries, pk.Short(),
			logKeyError, err)
	}
	return true, nil
}

// Status returns the fulfillment state of pk as of its last
// sync in this process.
func (m *Manager) Status(pk signature.PublicKey) (Status, bool) { // A
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.status[pk]
	return s, ok
}

// Notify schedules a sync of pk on the Run loop.
func (m *Manager) Notify(pk signature.PublicKey) { // A
	m.mu.Lock()
	m.pending[pk] = struct{}{}
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// OnEdition schedules a sync when e belongs to a
// subscribed series.
func (m *Manager) OnEdition(e model.Edition) { // A
	if _, ok, err := m.Get(e.PublicKey); err == nil && ok {
		m.Notify(e.PublicKey)
	}
}

// Run registers every subscription with the hubs, then
// syncs on notifications and every interval until ctx
// ends.
func (m *Manager) Run(ctx context.Context) error { // A
	subs, err := m.List()
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if err := m.network.Subscribe(ctx, sub.PublicKey, sub.Kind); err != nil {
			m.logger.WarnContext(ctx, "registering subscription with hubs failed",
				logKeySeries, sub.PublicKey.Short(),
				logKeyError, err)
		}
		m.Notify(sub.PublicKey)
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.SyncAll(ctx)
		case <-m.wake:
			m.syncPending(ctx)
		}
	}
}

func (m *Manager) syncPending(ctx context.Context) { // A
	m.mu.Lock()
	keys := make([]signature.PublicKey, 0, len(m.pending))
	for pk := range m.pending {
		keys = append(keys, pk)
	}
	clear(m.pending)
	m.mu.Unlock()

	for _, pk := range keys {
		if _, err := m.Sync(ctx, pk); err != nil {
			m.logger.WarnContext(ctx, "subscription sync failed",
				logKeySeries, pk.Short(),
				logKeyError, err)
		}
	}
}

// SyncAll syncs every subscription once.
func (m *Manager) SyncAll(ctx context.Context) { // A
	subs, err := m.List()
	if err != nil {
		m.logger.ErrorContext(ctx, "listing subscriptions failed", logKeyError, err)
		return
	}
	for _, sub := range subs {
		if ctx.Err() != nil {
			return
		}
		if _, err := m.Sync(ctx, sub.PublicKey); err != nil {
			m.logger.WarnContext(ctx, "subscription sync failed",
				logKeySeries, sub.PublicKey.Short(),
				logKeyError, err)
		}
	}
}

func subscriptionKey(pk signature.PublicKey) []byte { // A
	return append([]byte(prefixSubscription), pk[:]...)
}
