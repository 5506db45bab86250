package router

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	sderrors "github.com/i5heu/samizdat/internal/errors"
	"github.com/i5heu/samizdat/internal/transport"
	"github.com/i5heu/samizdat/pkg/address"
	"github.com/i5heu/samizdat/pkg/interfaces"
	"github.com/i5heu/samizdat/pkg/model"
	"github.com/i5heu/samizdat/pkg/wire"
)

type answer struct {
	hub  string
	resp wire.QueryResponse
}

// FetchObject returns the content of h. A local hit is
// returned without touching the network; otherwise all hubs
// are asked and the first answer that hashes to h is
// stored and returned. Concurrent fetches of the same hash
// share one network round.
func (r *Router) FetchObject( // A
	ctx context.Context,
	h address.ObjectHash,
) ([]byte, error) {
	data, ok, err := r.objects.Get(ctx, h)
	if err != nil {
		return nil, err
	}
	if ok {
		return data, nil
	}

	ch := r.fetches.DoChan(string(h[:]), func() (any, error) {
		return r.fetchRemote(context.WithoutCancel(ctx), h)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch %s: %w: %w", h.Short(), sderrors.ErrTimeout, ctx.Err())
	}
}

func (r *Router) fetchRemote( // A
	parent context.Context,
	h address.ObjectHash,
) ([]byte, error) {
	start := r.clock.Now()
	ctx, cancel := context.WithTimeout(parent, r.queryTimeout)
	defer cancel()

	q, err := wire.NewObjectQuery(h, start)
	if err != nil {
		return nil, err
	}
	forged := 0
	for a := range r.ask(ctx, q) {
		data, err := r.take(parent, q, h, a)
		if err == nil {
			err = r.objects.Admit(ctx, h, data, r.clock.Now().Sub(start))
		}
		if errors.Is(err, sderrors.ErrHashMismatch) {
			forged++
			r.logger.WarnContext(ctx, "discarding forged object answer",
				logKeyHash, h.Short(),
				logKeyHub, a.hub,
				logKeyPeer, interfaces.ShortID(a.resp.NodeID),
				logKeyError, err)
			continue
		}
		if errors.Is(err, errUnreachable) {
			r.logger.DebugContext(ctx, "discarding object answer",
				logKeyHash, h.Short(),
				logKeyHub, a.hub,
				logKeyError, err)
			continue
		}
		if err != nil {
			return nil, err
		}
		return data, nil
	}
	if forged > 0 {
		return nil, fmt.Errorf("object %s: %d forged answers: %w", h.Short(), forged, sderrors.ErrHashMismatch)
	}
	return nil, fmt.Errorf("object %s: %w", h.Short(), sderrors.ErrNotFound)
}

// errUnreachable marks answers whose bytes could not be
// pulled. Such answers are skipped without blaming the
// responder.
var errUnreachable = errors.New("responder unreachable")

// take opens an answer and extracts the bytes, pulling
// them from the responder when they were not inlined.
// Answers that do not open wrap ErrHashMismatch.
func (r *Router) take( // A
	ctx context.Context,
	q wire.Query,
	h address.ObjectHash,
	a answer,
) ([]byte, error) {
	oa, err := wire.OpenObject(q, h, a.resp)
	if err != nil {
		return nil, err
	}
	if oa.Inline {
		return oa.Content, nil
	}
	if a.resp.PullAddr == "" {
		return nil, fmt.Errorf("%w: offer for %s without pull address", errUnreachable, h.Short())
	}
	return r.pull(ctx, h, a.resp.PullAddr, a.resp.NodeID)
}

// pull fetches an offered object over a direct connection
// to the responder. The peer at addr must be the node the
// hub relayed the answer from.
func (r *Router) pull( // A
	parent context.Context,
	h address.ObjectHash,
	addr string,
	id interfaces.NodeID,
) ([]byte, error) {
	ctx, cancel := context.WithTimeout(parent, r.pullTimeout)
	defer cancel()

	conn, err := r.carrier.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: pull %s from %s: %w", errUnreachable, h.Short(), addr, err)
	}
	if id != conn.NodeID() {
		return nil, fmt.Errorf("%w: pull %s: %s answered as %s, hub named %s",
			errUnreachable, h.Short(), addr,
			interfaces.ShortID(conn.NodeID()), interfaces.ShortID(id))
	}
	msg, err := wire.Encode(wire.Fetch{Hash: h})
	if err != nil {
		return nil, err
	}
	resp, err := r.carrier.Request(ctx, conn, msg)
	if err != nil {
		return nil, fmt.Errorf("%w: pull %s from %s: %w", errUnreachable, h.Short(), addr, err)
	}
	if resp.Payload == nil {
		return []byte{}, nil
	}
	return resp.Payload, nil
}

// ask sends q to every configured hub concurrently and
// streams the well-formed answers. The channel is closed
// once every hub is done or ctx ends.
func (r *Router) ask(ctx context.Context, q wire.Query) <-chan answer { // A
	out := make(chan answer)
	hubs := r.Hubs()
	msg, err := wire.Encode(q)
	if err != nil || len(hubs) == 0 {
		close(out)
		return out
	}

	var g errgroup.Group
	for _, h := range hubs {
		g.Go(func() error {
			r.askHub(ctx, h, msg, out)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(out)
	}()
	return out
}

func (r *Router) askHub( // A
	ctx context.Context,
	h model.Hub,
	msg interfaces.Message,
	out chan<- answer,
) {
	conn, err := r.boot.Conn(ctx, h.Addr)
	if err != nil {
		return
	}
	err = r.carrier.Stream(ctx, conn, msg, func(resp interfaces.Response) error {
		qr, err := wire.DecodeQueryResponse(resp)
		if err != nil || !qr.Found {
			return nil
		}
		if err := qr.Check(); err != nil {
			r.logger.WarnContext(ctx, "hub relayed a malformed answer",
				logKeyHub, h.Addr,
				logKeyError, err)
			return nil
		}
		select {
		case out <- answer{hub: h.Addr, resp: qr}:
			return nil
		case <-ctx.Done():
			return transport.ErrStopStream
		}
	})
	if err != nil && ctx.Err() == nil {
		r.logger.DebugContext(ctx, "hub query failed",
			logKeyHub, h.Addr,
			logKeyError, err)
	}
}

// ResolvePath resolves path inside collection ch, fetching
// the manifest from the network when it is not stored
// locally.
func (r *Router) ResolvePath( // A
	ctx context.Context,
	ch address.CollectionHash,
	path string,
) (address.ObjectHash, error) {
	p, err := address.NormalizePath(path)
	if err != nil {
		return address.ObjectHash{}, err
	}
	raw, err := r.FetchObject(ctx, ch.Object())
	if err != nil {
		return address.ObjectHash{}, fmt.Errorf("collection %s: %w", ch.Short(), err)
	}
	m, err := address.DecodeManifest(raw)
	if err != nil {
		return address.ObjectHash{}, fmt.Errorf("collection %s: %w", ch.Short(), err)
	}
	h, ok := m.Lookup(p)
	if !ok {
		return address.ObjectHash{}, fmt.Errorf("%s in %s: %w", p, ch.Short(), sderrors.ErrNotFound)
	}
	return h, nil
}
