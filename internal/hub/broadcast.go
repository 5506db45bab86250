package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	sderrors "github.com/i5heu/samizdat/internal/errors"
	"github.com/i5heu/samizdat/internal/replay"
	"github.com/i5heu/samizdat/internal/transport"
	"github.com/i5heu/samizdat/pkg/interfaces"
	"github.com/i5heu/samizdat/pkg/wire"
)

// handleQuery relays a query to a snapshot of the room and
// streams valid answers back until the window closes or
// the response cap is reached.
func (s *Server) handleQuery( // A
	ctx context.Context,
	from *member,
	msg interfaces.Message,
	w transport.ResponseWriter,
) error {
	requester := interfaces.ShortID(from.peer.NodeID)
	if !from.limiter.Allow() || !from.sem.TryAcquire(1) {
		s.logger.Warn("throttling node", logKeyPeer, requester)
		return fmt.Errorf("%w: node %s", sderrors.ErrThrottled, requester)
	}
	defer from.sem.Release(1)

	q, err := wire.Decode[wire.Query](msg)
	if err != nil {
		return err
	}
	if err := q.Validate(); err != nil {
		return err
	}
	if err := s.replay.Admit(replay.Fingerprint(q.Nonce(), from.peer.NodeID), q.Timestamp); err != nil {
		s.logger.Warn("dropping replayed query",
			logKeyPeer, requester,
			logKeyTarget, q.Target(),
			logKeyError, err)
		return err
	}

	targets := s.room.snapshot(from.peer.NodeID, s.cfg.MaxPeersPerQuery)
	ctx, cancel := context.WithTimeout(ctx, s.cfg.BroadcastWindow)
	defer cancel()

	answers := make(chan wire.QueryResponse)
	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, ok := s.ask(ctx, target, q, msg)
			if !ok {
				return
			}
			select {
			case answers <- r:
			case <-ctx.Done():
			}
		}()
	}
	go func() {
		wg.Wait()
		close(answers)
	}()

	sent := 0
	for r := range answers {
		if sent >= s.cfg.MaxResponsesPerQuery {
			continue
		}
		resp, err := wire.EncodeQueryResponse(r)
		if err != nil {
			continue
		}
		if err := w.WriteResponse(resp); err != nil {
			cancel()
			continue
		}
		sent++
		if sent >= s.cfg.MaxResponsesPerQuery {
			cancel()
		}
	}
	s.logger.Debug("query relayed",
		logKeyPeer, requester,
		logKeyKind, q.Kind.String(),
		logKeyTarget, q.Target(),
		logKeyFanout, len(targets),
		logKeyAnswer, sent)
	return nil
}

// ask forwards q to one member and returns its answer if it
// found something. The answer is sealed to the requester,
// so only its shape is checked here. The responder's pull
// address is attached for answers too large to inline.
func (s *Server) ask( // A
	ctx context.Context,
	target *member,
	q wire.Query,
	msg interfaces.Message,
) (wire.QueryResponse, bool) {
	resp, err := s.carrier.Request(ctx, target.peer.Conn, msg)
	if err != nil {
		if !errors.Is(err, context.Canceled) && ctx.Err() == nil {
			s.logger.Debug("relay failed",
				logKeyPeer, interfaces.ShortID(target.peer.NodeID),
				logKeyError, err)
		}
		return wire.QueryResponse{}, false
	}
	r, err := wire.DecodeQueryResponse(resp)
	if err != nil || !r.Found {
		return wire.QueryResponse{}, false
	}
	if err := r.Check(); err != nil {
		s.logger.Warn("dropping malformed answer",
			logKeyPeer, interfaces.ShortID(target.peer.NodeID),
			logKeyTarget, q.Target(),
			logKeyError, err)
		return wire.QueryResponse{}, false
	}
	r.PullAddr, _ = target.pullAddr()
	r.NodeID = target.peer.NodeID
	return r, true
}

// handleAnnounce relays a signed edition to every other
// node that subscribed to its key. Forged announcements are
// not relayed.
func (s *Server) handleAnnounce( // A
	from *member,
	msg interfaces.Message,
	w transport.ResponseWriter,
) error {
	a, err := wire.Decode[wire.Announce](msg)
	if err != nil {
		return err
	}
	if err := a.Edition.Verify(); err != nil {
		s.logger.Warn("dropping forged announcement",
			logKeyPeer, interfaces.ShortID(from.peer.NodeID),
			logKeyTarget, a.Edition.PublicKey.Short())
		return err
	}
	if a.Edition.IsDraft {
		return fmt.Errorf("%w: draft editions are not relayed", sderrors.ErrUnknownKind)
	}

	for _, m := range s.room.snapshot(from.peer.NodeID, 0) {
		if !m.interestedIn(a.Edition.PublicKey) {
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ctx, cancel := context.WithTimeout(s.ctx, announceTimeout)
			defer cancel()
			if _, err := s.carrier.Request(ctx, m.peer.Conn, msg); err != nil {
				s.logger.Debug("announce relay failed",
					logKeyPeer, interfaces.ShortID(m.peer.NodeID),
					logKeyError, err)
			}
		}()
	}
	return w.WriteResponse(interfaces.Response{})
}
