// Package node assembles a samizdat node: the local stores,
// the edition resolver, the QUIC carrier, the query router
// and the subscription engine. It is the local control
// surface the CLI drives.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/i5heu/samizdat/internal/collection"
	"github.com/i5heu/samizdat/internal/config"
	"github.com/i5heu/samizdat/internal/edition"
	"github.com/i5heu/samizdat/internal/kvstore"
	"github.com/i5heu/samizdat/internal/objectstore"
	"github.com/i5heu/samizdat/internal/router"
	"github.com/i5heu/samizdat/internal/series"
	"github.com/i5heu/samizdat/internal/subscription"
	"github.com/i5heu/samizdat/internal/transport"
	"github.com/i5heu/samizdat/pkg/clock"
)

const (
	dbDirName = "db"

	logKeyDataDir = "dataDir"
	logKeyListen  = "listen"
	logKeyHub     = "hub"
	logKeyHash    = "hash"
	logKeyError   = "error"

	maintenanceInterval = 5 * time.Minute
)

// Config configures a Node.
type Config struct {
	Settings config.NodeConfig
	Logger   *slog.Logger
	Clock    clock.Clock
	// InMemory keeps the byte store out of DataDir. The
	// owner identity is still read from DataDir.
	InMemory bool
}

// Node is a running samizdat node.
type Node struct {
	settings config.NodeConfig
	logger   *slog.Logger

	kv          *kvstore.Store
	objects     *objectstore.Store
	collections *collection.Resolver
	editions    *edition.Resolver
	carrier     *transport.Carrier
	router      *router.Router
	series      *series.Manager
	subs        *subscription.Manager
}

// New opens the node's stores under the data directory,
// starts listening and connects to the configured and
// persisted hubs.
func New(ctx context.Context, cfg Config) (*Node, error) { // A
	if cfg.Logger == nil {
		return nil, errors.New("logger must not be nil")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	s := cfg.Settings
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("node config: %w", err)
	}

	n := &Node{settings: s, logger: cfg.Logger}
	if err := n.open(ctx, cfg); err != nil {
		n.Close()
		return nil, err
	}
	cfg.Logger.InfoContext(ctx, "node started",
		logKeyDataDir, s.DataDir,
		logKeyListen, n.carrier.ListenAddr())
	return n, nil
}

func (n *Node) open(ctx context.Context, cfg Config) error { // A
	s := cfg.Settings
	logger := cfg.Logger

	identity, err := series.LoadOrCreateIdentity(
		filepath.Join(s.DataDir, series.IdentityFile),
	)
	if err != nil {
		return fmt.Errorf("owner identity: %w", err)
	}

	n.kv, err = kvstore.Open(kvstore.Config{
		Path:     filepath.Join(s.DataDir, dbDirName),
		InMemory: cfg.InMemory,
		Logger:   logger.With("component", "kvstore"),
	})
	if err != nil {
		return err
	}

	n.objects, err = objectstore.New(objectstore.Config{
		Store:         n.kv,
		Clock:         cfg.Clock,
		Logger:        logger.With("component", "objects"),
		ByteBudget:    s.Objects.ByteBudget,
		MaxObjectSize: s.Objects.MaxObjectSize,
		UsePrior:      s.Objects.UsePrior,
	})
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}

	n.collections, err = collection.New(n.objects, logger.With("component", "collections"))
	if err != nil {
		return err
	}

	n.editions, err = edition.New(edition.Config{
		Store:        n.kv,
		Clock:        cfg.Clock,
		Logger:       logger.With("component", "editions"),
		ClockSkew:    s.Edition.ClockSkew,
		QueryTimeout: s.Edition.QueryTimeout,
	})
	if err != nil {
		return fmt.Errorf("edition resolver: %w", err)
	}

	n.carrier, err = transport.NewCarrier(transport.CarrierConfig{
		ListenAddr: s.ListenAddr,
		Logger:     logger.With("component", "carrier"),
		Clock:      cfg.Clock,
	})
	if err != nil {
		return fmt.Errorf("carrier: %w", err)
	}

	n.router, err = router.New(router.Config{
		Carrier:         n.carrier,
		Objects:         n.objects,
		Editions:        n.editions,
		Clock:           cfg.Clock,
		Logger:          logger.With("component", "router"),
		QueryTimeout:    s.Router.QueryTimeout,
		PullTimeout:     s.Router.PullTimeout,
		InlineLimit:     s.Objects.InlineLimit,
		ReplayTolerance: s.Router.ReplayTolerance,
	})
	if err != nil {
		return fmt.Errorf("router: %w", err)
	}
	n.editions.SetSource(n.router)

	n.series, err = series.New(series.Config{
		Store:      n.kv,
		Editions:   n.editions,
		Identity:   identity,
		Clock:      cfg.Clock,
		Logger:     logger.With("component", "series"),
		DefaultTTL: s.Edition.DefaultTTL,
	})
	if err != nil {
		return fmt.Errorf("series: %w", err)
	}
	n.series.SetAnnouncer(n.router)

	n.subs, err = subscription.New(subscription.Config{
		Store:       n.kv,
		Network:     n.router,
		Pins:        n.objects,
		Clock:       cfg.Clock,
		Logger:      logger.With("component", "subscriptions"),
		Interval:    s.Subscription.Interval,
		Parallelism: s.Subscription.Parallelism,
	})
	if err != nil {
		return fmt.Errorf("subscriptions: %w", err)
	}
	n.router.SetEditionListener(n.subs.OnEdition)

	return n.restoreHubs(ctx)
}

// ListenAddr is the address peers pull objects from.
func (n *Node) ListenAddr() string { // A
	return n.carrier.ListenAddr()
}

// Run drives the background work of the node until ctx is
// done: vacuuming, store maintenance and subscription
// syncing.
func (n *Node) Run(ctx context.Context) error { // A
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n.objects.RunVacuum(ctx, n.settings.Objects.VacuumInterval)
		return nil
	})
	g.Go(func() error {
		n.kv.RunMaintenance(ctx, maintenanceInterval)
		return nil
	})
	g.Go(func() error {
		return n.subs.Run(ctx)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close shuts the node down. It is safe to call on a
// partially opened node.
func (n *Node) Close() { // A
	if n.router != nil {
		n.router.Close()
	}
	if n.carrier != nil {
		if err := n.carrier.Close(); err != nil {
			n.logger.Warn("close carrier", logKeyError, err)
		}
	}
	if n.objects != nil {
		n.objects.Close()
	}
	if n.kv != nil {
		if err := n.kv.Close(); err != nil {
			n.logger.Warn("close kvstore", logKeyError, err)
		}
	}
}
