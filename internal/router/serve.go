package router

import (
	"context"
	"fmt"

	sderrors "github.com/i5heu/samizdat/internal/errors"
	"github.com/i5heu/samizdat/internal/transport"
	"github.com/i5heu/samizdat/pkg/address"
	"github.com/i5heu/samizdat/pkg/interfaces"
	"github.com/i5heu/samizdat/pkg/model"
	"github.com/i5heu/samizdat/pkg/signature"
	"github.com/i5heu/samizdat/pkg/wire"
)

// Handle serves requests hubs and peers send to this node.
func (r *Router) Handle( // A
	ctx context.Context,
	peer transport.Peer,
	msg interfaces.Message,
	w transport.ResponseWriter,
) error {
	switch msg.Type {
	case interfaces.MessageTypeQuery:
		return r.HandleQuery(ctx, msg, w)
	case interfaces.MessageTypeAnnounceEdition:
		return r.HandleAnnounce(ctx, msg, w)
	case interfaces.MessageTypeFetch:
		return r.HandleFetch(ctx, peer, msg, w)
	default:
		return fmt.Errorf("%w: node does not serve %s", sderrors.ErrUnknownKind, msg.Type)
	}
}

// HandleQuery answers a relayed query from local state
// only. The query names no hash or key: the node looks for
// a local object or edition that solves its riddle and
// seals the answer to the asker. Small objects are inlined,
// larger ones offered for a direct pull. Drafts are never
// served, and replayed or stale queries are refused.
func (r *Router) HandleQuery( // A
	ctx context.Context,
	msg interfaces.Message,
	w transport.ResponseWriter,
) error {
	q, err := wire.Decode[wire.Query](msg)
	if err != nil {
		return err
	}
	if err := q.Validate(); err != nil {
		return err
	}
	if err := r.replay.Admit(q.Nonce(), q.Timestamp); err != nil {
		r.logger.DebugContext(ctx, "refusing query",
			logKeyQuery, q.Target(),
			logKeyError, err)
		return err
	}
	answer, err := r.answer(q)
	if err != nil {
		return err
	}
	resp, err := wire.EncodeQueryResponse(answer)
	if err != nil {
		return err
	}
	return w.WriteResponse(resp)
}

func (r *Router) answer(q wire.Query) (wire.QueryResponse, error) { // A
	switch q.Kind {
	case wire.QueryObject:
		h, ok, err := r.objects.Solve(q.Hint, func(h address.ObjectHash) bool {
			return q.Riddle.Resolves(h[:])
		})
		if err != nil || !ok {
			return wire.QueryResponse{}, err
		}
		data, ok, err := r.objects.Peek(h)
		if err != nil || !ok || isDraft(data) {
			return wire.QueryResponse{}, err
		}
		a := wire.ObjectAnswer{Size: int64(len(data))}
		if len(data) <= r.inlineLimit {
			a.Inline = true
			a.Content = data
		}
		return wire.SealObject(q, h, a)
	case wire.QueryEdition:
		e, ok, err := r.editions.Solve(func(pk signature.PublicKey) bool {
			return q.Riddle.Resolves(pk[:])
		})
		if err != nil || !ok || e.IsDraft {
			return wire.QueryResponse{}, err
		}
		return wire.SealEdition(q, e)
	default:
		return wire.QueryResponse{}, fmt.Errorf("%w: query %s", sderrors.ErrUnknownKind, q.Kind)
	}
}

// HandleAnnounce applies an announced edition and notifies
// the edition listener when it replaced the cached one.
func (r *Router) HandleAnnounce( // A
	ctx context.Context,
	msg interfaces.Message,
	w transport.ResponseWriter,
) error {
	a, err := wire.Decode[wire.Announce](msg)
	if err != nil {
		return err
	}
	if a.Edition.IsDraft {
		return fmt.Errorf("%w: draft edition announced", sderrors.ErrUnknownKind)
	}
	changed, err := r.editions.Observe(ctx, a.Edition)
	if err != nil {
		return err
	}
	if changed {
		r.mu.RLock()
		fn := r.onEdition
		r.mu.RUnlock()
		if fn != nil {
			fn(a.Edition)
		}
	}
	return w.WriteResponse(interfaces.Response{})
}

// HandleFetch streams the raw bytes of an object to a peer
// pulling after an offer. The object is leased for the
// duration of the transfer so eviction cannot remove it.
func (r *Router) HandleFetch( // A
	ctx context.Context,
	peer transport.Peer,
	msg interfaces.Message,
	w transport.ResponseWriter,
) error {
	f, err := wire.Decode[wire.Fetch](msg)
	if err != nil {
		return err
	}
	release := r.objects.Lease(f.Hash)
	defer release()

	data, ok, err := r.objects.Peek(f.Hash)
	if err != nil {
		return err
	}
	if !ok || isDraft(data) {
		return fmt.Errorf("object %s: %w", f.Hash.Short(), sderrors.ErrNotFound)
	}
	r.logger.DebugContext(ctx, "serving direct pull",
		logKeyHash, f.Hash.Short(),
		logKeyPeer, interfaces.ShortID(peer.NodeID))
	return w.WriteResponse(interfaces.Response{Payload: data})
}

// isDraft reports whether data is an envelope marked as a
// draft. Bytes that are not an envelope, such as
// manifests, are never drafts.
func isDraft(data []byte) bool { // A
	h, _, err := model.DecodeEnvelope(data)
	return err == nil && h.IsDraft
}
