package node

import (
	"context"
	"fmt"
	"time"

	sderrors "github.com/i5heu/samizdat/internal/errors"
	"github.com/i5heu/samizdat/internal/series"
	"github.com/i5heu/samizdat/internal/subscription"
	"github.com/i5heu/samizdat/pkg/address"
	"github.com/i5heu/samizdat/pkg/model"
	"github.com/i5heu/samizdat/pkg/signature"
)

// CreateSeries makes a new series owned by this node.
func (n *Node) CreateSeries( // A
	ctx context.Context,
	name string,
	ttl time.Duration,
	isDraft bool,
) (model.SeriesOwner, error) {
	return n.series.Create(ctx, name, ttl, isDraft)
}

// Series returns the owner record for name.
func (n *Node) Series(name string) (model.SeriesOwner, error) { // A
	owner, ok, err := n.series.Get(name)
	if err != nil {
		return model.SeriesOwner{}, err
	}
	if !ok {
		return model.SeriesOwner{}, fmt.Errorf("series %q: %w", name, sderrors.ErrNotFound)
	}
	return owner, nil
}

// ListSeries returns every series this node owns.
func (n *Node) ListSeries() ([]model.SeriesOwner, error) { // A
	return n.series.List()
}

// DeleteSeries forgets the signing key of name.
func (n *Node) DeleteSeries(ctx context.Context, name string) (bool, error) { // A
	return n.series.Delete(ctx, name)
}

// Publish signs and announces a new edition.
func (n *Node) Publish(ctx context.Context, req series.PublishRequest) (model.Edition, error) { // A
	return n.series.Publish(ctx, req)
}

// ResolveEdition returns the freshest valid edition of pk.
func (n *Node) ResolveEdition(ctx context.Context, pk signature.PublicKey) (model.Edition, error) { // A
	return n.router.ResolveEdition(ctx, pk)
}

// ResolveSeriesPath resolves path inside the current
// edition of pk.
func (n *Node) ResolveSeriesPath( // A
	ctx context.Context,
	pk signature.PublicKey,
	path string,
) (address.ObjectHash, model.Edition, error) {
	return n.router.ResolveSeriesPath(ctx, pk, path)
}

// Subscribe starts mirroring the series pk.
func (n *Node) Subscribe( // A
	ctx context.Context,
	pk signature.PublicKey,
	kind model.SubscriptionKind,
) (model.Subscription, error) {
	return n.subs.Create(ctx, pk, kind)
}

// Subscription returns the subscription to pk and its last
// known fulfillment state.
func (n *Node) Subscription(pk signature.PublicKey) (model.Subscription, subscription.Status, error) { // A
	sub, ok, err := n.subs.Get(pk)
	if err != nil {
		return model.Subscription{}, subscription.Status{}, err
	}
	if !ok {
		return model.Subscription{}, subscription.Status{},
			fmt.Errorf("subscription to %s: %w", pk.Short(), sderrors.ErrNotFound)
	}
	st, _ := n.subs.Status(pk)
	return sub, st, nil
}

// Subscriptions lists the subscriptions of this node.
func (n *Node) Subscriptions() ([]model.Subscription, error) { // A
	return n.subs.List()
}

// Unsubscribe stops mirroring pk and releases its pins.
// The cached edition of a series this node does not own is
// forgotten too.
func (n *Node) Unsubscribe(ctx context.Context, pk signature.PublicKey) (bool, error) { // A
	removed, err := n.subs.Delete(ctx, pk)
	if err != nil || !removed {
		return removed, err
	}
	owned, err := n.ownsSeries(pk)
	if err != nil {
		return true, err
	}
	if !owned {
		if err := n.editions.Forget(pk); err != nil {
			return true, fmt.Errorf("forget edition of %s: %w", pk.Short(), err)
		}
	}
	return true, nil
}

func (n *Node) ownsSeries(pk signature.PublicKey) (bool, error) { // A
	owners, err := n.series.List()
	if err != nil {
		return false, err
	}
	for _, o := range owners {
		if o.PublicKey == pk {
			return true, nil
		}
	}
	return false, nil
}

// SyncSubscription mirrors pk now instead of waiting for
// the background loop.
func (n *Node) SyncSubscription(ctx context.Context, pk signature.PublicKey) (subscription.Status, error) { // A
	return n.subs.Sync(ctx, pk)
}
