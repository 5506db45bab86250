package router

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/i5heu/samizdat/pkg/address"
	"github.com/i5heu/samizdat/pkg/interfaces"
	"github.com/i5heu/samizdat/pkg/model"
	"github.com/i5heu/samizdat/pkg/signature"
	"github.com/i5heu/samizdat/pkg/wire"
)

// ResolveEdition returns the edition of pk according to
// the resolution mode of the configured hubs.
func (r *Router) ResolveEdition( // A
	ctx context.Context,
	pk signature.PublicKey,
) (model.Edition, error) {
	mode, _ := r.mode()
	switch mode {
	case model.RemoteFirst:
		return r.editions.Refresh(ctx, pk)
	case model.Both:
		cached, ok, err := r.editions.Cached(pk)
		if err != nil {
			return model.Edition{}, err
		}
		if ok && cached.IsFresh(r.clock.Now()) {
			r.editions.RefreshInBackground(ctx, pk)
			return cached, nil
		}
		return r.editions.Resolve(ctx, pk)
	default:
		return r.editions.Resolve(ctx, pk)
	}
}

// ResolveSeriesPath resolves path inside the current
// edition of pk.
func (r *Router) ResolveSeriesPath( // A
	ctx context.Context,
	pk signature.PublicKey,
	path string,
) (address.ObjectHash, model.Edition, error) {
	e, err := r.ResolveEdition(ctx, pk)
	if err != nil {
		return address.ObjectHash{}, model.Edition{}, err
	}
	h, err := r.ResolvePath(ctx, e.Content.Collection, path)
	return h, e, err
}

// EditionCandidates asks every hub for editions of pk. It
// satisfies the edition resolver's candidate source.
func (r *Router) EditionCandidates( // A
	ctx context.Context,
	pk signature.PublicKey,
) (<-chan model.Edition, error) {
	q, err := wire.NewEditionQuery(pk, r.clock.Now())
	if err != nil {
		return nil, err
	}
	answers := r.ask(ctx, q)
	out := make(chan model.Edition)
	go func() {
		defer close(out)
		for a := range answers {
			e, err := wire.OpenEdition(q, pk, a.resp)
			if err != nil {
				r.logger.WarnContext(ctx, "discarding forged edition answer",
					logKeySeries, pk.Short(),
					logKeyHub, a.hub,
					logKeyError, err)
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// AnnounceEdition pushes e to every hub. It fails only when
// no hub accepted it.
func (r *Router) AnnounceEdition(ctx context.Context, e model.Edition) error { // A
	msg, err := wire.Encode(wire.Announce{Edition: e})
	if err != nil {
		return err
	}
	return r.toAllHubs(ctx, msg)
}

// Subscribe asks hubs to forward announcements for pk. The
// interest is remembered and restored on every reconnect.
func (r *Router) Subscribe( // A
	ctx context.Context,
	pk signature.PublicKey,
	kind model.SubscriptionKind,
) error {
	r.mu.Lock()
	r.interests[pk] = kind
	r.mu.Unlock()
	msg, err := wire.Encode(wire.Subscribe{PublicKey: pk, Kind: kind})
	if err != nil {
		return err
	}
	return r.toAllHubs(ctx, msg)
}

// Unsubscribe drops the interest registered by Subscribe.
func (r *Router) Unsubscribe(ctx context.Context, pk signature.PublicKey) error { // A
	r.mu.Lock()
	kind, ok := r.interests[pk]
	delete(r.interests, pk)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	msg, err := wire.Encode(wire.Unsubscribe{PublicKey: pk, Kind: kind})
	if err != nil {
		return err
	}
	return r.toAllHubs(ctx, msg)
}

// toAllHubs sends msg to every hub. It succeeds when there
// are no hubs or at least one hub accepted.
func (r *Router) toAllHubs(ctx context.Context, msg interfaces.Message) error { // A
	hubs := r.Hubs()
	if len(hubs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	errs := make([]error, len(hubs))
	var g errgroup.Group
	for i, h := range hubs {
		g.Go(func() error {
			errs[i] = r.sendToHub(ctx, h.Addr, msg)
			return nil
		})
	}
	_ = g.Wait()
	for _, err := range errs {
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("%s: %w", msg.Type, errors.Join(errs...))
}

func (r *Router) sendToHub( // A
	ctx context.Context,
	addr string,
	msg interfaces.Message,
) error {
	conn, err := r.boot.Conn(ctx, addr)
	if err != nil {
		return fmt.Errorf("hub %s: %w", addr, err)
	}
	if _, err := r.carrier.Request(ctx, conn, msg); err != nil {
		return fmt.Errorf("hub %s: %w", addr, err)
	}
	return nil
}
