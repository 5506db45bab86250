// Package router decides whether a request is answered
// locally or over the network, talks to the configured
// hubs, and answers the queries hubs relay to this node.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/i5heu/samizdat/internal/replay"
	"github.com/i5heu/samizdat/internal/transport"
	"github.com/i5heu/samizdat/pkg/address"
	"github.com/i5heu/samizdat/pkg/clock"
	"github.com/i5heu/samizdat/pkg/model"
	"github.com/i5heu/samizdat/pkg/signature"
	"github.com/i5heu/samizdat/pkg/wire"
)

const (
	logKeyHash   = "hash"
	logKeySeries = "series"
	logKeyHub    = "hub"
	logKeyPeer   = "peer"
	logKeyAddr   = "addr"
	logKeyQuery  = "query"
	logKeyError  = "error"

	DefaultQueryTimeout = 3 * time.Second
	DefaultPullTimeout  = 30 * time.Second
	DefaultInlineLimit  = 64 * 1024
)

// ObjectStore is the local content the router reads,
// admits network results into and serves to peers.
type ObjectStore interface {
	Get(ctx context.Context, h address.ObjectHash) ([]byte, bool, error)
	Peek(h address.ObjectHash) ([]byte, bool, error)
	Solve(hint []byte, resolves func(address.ObjectHash) bool) (address.ObjectHash, bool, error)
	Admit(ctx context.Context, expected address.ObjectHash, data []byte, queryDuration time.Duration) error
	Lease(h address.ObjectHash) (release func())
}

// EditionCache is the local edition resolver.
type EditionCache interface {
	Resolve(ctx context.Context, pk signature.PublicKey) (model.Edition, error)
	Refresh(ctx context.Context, pk signature.PublicKey) (model.Edition, error)
	RefreshInBackground(ctx context.Context, pk signature.PublicKey)
	Cached(pk signature.PublicKey) (model.Edition, bool, error)
	Solve(resolves func(signature.PublicKey) bool) (model.Edition, bool, error)
	Observe(ctx context.Context, e model.Edition) (bool, error)
}

// Config configures a Router.
type Config struct {
	Carrier  *transport.Carrier
	Objects  ObjectStore
	Editions EditionCache
	Clock    clock.Clock
	Logger   *slog.Logger

	// QueryTimeout bounds one network round for an object.
	QueryTimeout time.Duration
	// PullTimeout bounds a direct pull after an offer.
	PullTimeout time.Duration
	// InlineLimit is the largest object answered inline;
	// larger objects are offered for a direct pull.
	InlineLimit int
	// ReplayTolerance bounds how far the timestamp of a
	// relayed query may be from the local clock.
	ReplayTolerance time.Duration
	// RetrySchedule drives FetchObjectWithRetry. Defaults
	// to the package RetrySchedule.
	RetrySchedule []time.Duration
}

// Router routes object and edition lookups.
type Router struct {
	carrier      *transport.Carrier
	objects      ObjectStore
	editions     EditionCache
	clock        clock.Clock
	logger       *slog.Logger
	queryTimeout time.Duration
	pullTimeout  time.Duration
	inlineLimit  int
	replay       *replay.Guard
	retries      []time.Duration

	boot *transport.BootStrapper

	mu        sync.RWMutex
	hubs      map[string]model.Hub
	interests map[signature.PublicKey]model.SubscriptionKind
	onEdition func(model.Edition)
	fetches   singleflight.Group
}

// New returns a Router serving inbound requests on
// cfg.Carrier.
func New(cfg Config) (*Router, error) { // A
	if cfg.Carrier == nil {
		return nil, errors.New("carrier must not be nil")
	}
	if cfg.Objects == nil || cfg.Editions == nil {
		return nil, errors.New("object store and edition cache must not be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger must not be nil")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = DefaultPullTimeout
	}
	if cfg.InlineLimit <= 0 {
		cfg.InlineLimit = DefaultInlineLimit
	}
	if len(cfg.RetrySchedule) == 0 {
		cfg.RetrySchedule = RetrySchedule
	}

	r := &Router{
		carrier:      cfg.Carrier,
		objects:      cfg.Objects,
		editions:     cfg.Editions,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		queryTimeout: cfg.QueryTimeout,
		pullTimeout:  cfg.PullTimeout,
		inlineLimit:  cfg.InlineLimit,
		replay:       replay.NewGuard(cfg.ReplayTolerance, cfg.Clock),
		retries:      cfg.RetrySchedule,
		hubs:         make(map[string]model.Hub),
		interests:    make(map[signature.PublicKey]model.SubscriptionKind),
	}
	r.boot = transport.NewBootStrapper(cfg.Carrier, cfg.Logger, r.greetHub)
	cfg.Carrier.SetMessageHandler(r.Handle)
	return r, nil
}

// Close stops maintaining hub connections.
func (r *Router) Close() { // A
	r.boot.Close()
}

// SetEditionListener installs fn to be called for every
// announced edition that changed the local cache.
func (r *Router) SetEditionListener(fn func(model.Edition)) { // A
	r.mu.Lock()
	r.onEdition = fn
	r.mu.Unlock()
}

// AddHub starts using h. Adding a known address updates
// its mode.
func (r *Router) AddHub(h model.Hub) { // A
	r.mu.Lock()
	r.hubs[h.Addr] = h
	r.mu.Unlock()
	r.boot.Add(h.Addr)
}

// RemoveHub stops using the hub at addr.
func (r *Router) RemoveHub(addr string) bool { // A
	r.mu.Lock()
	_, ok := r.hubs[addr]
	delete(r.hubs, addr)
	r.mu.Unlock()
	if ok {
		r.boot.Remove(addr)
	}
	return ok
}

// Hubs lists the configured hubs by address.
func (r *Router) Hubs() []model.Hub { // A
	r.mu.RLock()
	out := make([]model.Hub, 0, len(r.hubs))
	for _, h := range r.hubs {
		out = append(out, h)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b model.Hub) int {
		switch {
		case a.Addr < b.Addr:
			return -1
		case a.Addr > b.Addr:
			return 1
		}
		return 0
	})
	return out
}

// mode is the resolution mode applied to editions: the
// most network-eager mode among the configured hubs.
func (r *Router) mode() (model.ResolutionMode, bool) { // A
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.hubs) == 0 {
		return model.LocalFirst, false
	}
	mode := model.LocalFirst
	for _, h := range r.hubs {
		switch {
		case h.Mode == model.RemoteFirst:
			return model.RemoteFirst, true
		case h.Mode == model.Both:
			mode = model.Both
		}
	}
	return mode, true
}

// greetHub runs on every (re)connection to a hub: it tells
// the hub where direct pulls reach this node and restores
// announcement interests.
func (r *Router) greetHub( // A
	ctx context.Context,
	addr string,
	conn transport.Connection,
) error {
	hello, err := wire.Encode(wire.Hello{ListenAddr: r.carrier.ListenAddr()})
	if err != nil {
		return err
	}
	if _, err := r.carrier.Request(ctx, conn, hello); err != nil {
		return fmt.Errorf("hello to %s: %w", addr, err)
	}

	r.mu.RLock()
	subs := make([]wire.Subscribe, 0, len(r.interests))
	for pk, kind := range r.interests {
		subs = append(subs, wire.Subscribe{PublicKey: pk, Kind: kind})
	}
	r.mu.RUnlock()
	for _, s := range subs {
		msg, err := wire.Encode(s)
		if err != nil {
			return err
		}
		if _, err := r.carrier.Request(ctx, conn, msg); err != nil {
			return fmt.Errorf("subscribe at %s: %w", addr, err)
		}
	}
	return nil
}
