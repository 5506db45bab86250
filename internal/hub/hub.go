// Package hub implements the rendezvous hub: it relays
// queries between connected nodes, streams their answers
// back and forwards edition announcements. It stores no
// content.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	sderrors "github.com/i5heu/samizdat/internal/errors"
	"github.com/i5heu/samizdat/internal/replay"
	"github.com/i5heu/samizdat/internal/transport"
	"github.com/i5heu/samizdat/pkg/clock"
	"github.com/i5heu/samizdat/pkg/interfaces"
	"github.com/i5heu/samizdat/pkg/signature"
	"github.com/i5heu/samizdat/pkg/wire"
)

const (
	logKeyPeer   = "peer"
	logKeyKind   = "kind"
	logKeyTarget = "target"
	logKeyFanout = "fanout"
	logKeyAnswer = "answers"
	logKeyError  = "error"
	logKeyAddr   = "addr"

	announceTimeout = 10 * time.Second
)

// Config holds the hub policy.
type Config struct { // A
	ListenAddr string
	Logger     *slog.Logger
	Clock      clock.Clock

	// BroadcastWindow bounds how long a relayed query waits
	// for answers.
	BroadcastWindow      time.Duration
	MaxPeersPerQuery     int
	MaxResponsesPerQuery int

	// Per-node throttle: at most MaxConcurrentQueries in
	// flight, and a token bucket refilled every
	// QueryInterval holding QueryBurst tokens.
	MaxConcurrentQueries int64
	QueryInterval        time.Duration
	QueryBurst           int

	// ReplayWindow bounds how far a query timestamp may be
	// from the hub clock. Nonces are remembered for twice as
	// long.
	ReplayWindow time.Duration
	// Blacklist holds IP addresses or CIDR prefixes whose
	// connections are refused.
	Blacklist []string
}

func (c *Config) applyDefaults() { // A
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.BroadcastWindow <= 0 {
		c.BroadcastWindow = 3 * time.Second
	}
	if c.MaxPeersPerQuery <= 0 {
		c.MaxPeersPerQuery = 64
	}
	if c.MaxResponsesPerQuery <= 0 {
		c.MaxResponsesPerQuery = 8
	}
	if c.MaxConcurrentQueries <= 0 {
		c.MaxConcurrentQueries = 8
	}
	if c.QueryInterval <= 0 {
		c.QueryInterval = 50 * time.Millisecond
	}
	if c.QueryBurst <= 0 {
		c.QueryBurst = 32
	}
	if c.ReplayWindow <= 0 {
		c.ReplayWindow = 10 * time.Minute
	}
}

// Server is a running hub.
type Server struct { // A
	cfg       Config
	logger    *slog.Logger
	carrier   *transport.Carrier
	room      *Room
	replay    *replay.Guard
	blacklist []netip.Prefix

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts a hub listening on cfg.ListenAddr.
func New(cfg Config) (*Server, error) { // A
	if cfg.Logger == nil {
		return nil, errors.New("logger must not be nil")
	}
	cfg.applyDefaults()
	blacklist, err := ParseBlacklist(cfg.Blacklist)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		logger:    cfg.Logger,
		room:      NewRoom(),
		replay:    replay.NewGuard(cfg.ReplayWindow, cfg.Clock),
		blacklist: blacklist,
		ctx:       ctx,
		cancel:    cancel,
	}
	carrier, err := transport.NewCarrier(transport.CarrierConfig{
		ListenAddr:   cfg.ListenAddr,
		Logger:       cfg.Logger,
		Clock:        cfg.Clock,
		Handler:      s.handle,
		AllowPeer:    s.allowed,
		OnConnect:    s.connected,
		OnDisconnect: s.disconnected,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start hub transport: %w", err)
	}
	s.carrier = carrier
	return s, nil
}

// ParseBlacklist accepts IP addresses and CIDR prefixes.
func ParseBlacklist(entries []string) ([]netip.Prefix, error) { // A
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		if p, err := netip.ParsePrefix(e); err == nil {
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("blacklist entry %q: %w", e, err)
		}
		out = append(out, netip.PrefixFrom(a.Unmap(), a.Unmap().BitLen()))
	}
	return out, nil
}

// ListenAddr returns the address nodes dial.
func (s *Server) ListenAddr() string { // A
	return s.carrier.ListenAddr()
}

// Members returns the number of connected nodes.
func (s *Server) Members() int { // A
	return s.room.Len()
}

// Close disconnects every node and waits for relays.
func (s *Server) Close() error { // A
	s.cancel()
	err := s.carrier.Close()
	s.wg.Wait()
	return err
}

func (s *Server) allowed(addr net.Addr) bool { // A
	if len(s.blacklist) == 0 {
		return true
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return false
	}
	ip := ap.Addr().Unmap()
	for _, p := range s.blacklist {
		if p.Contains(ip) {
			return false
		}
	}
	return true
}

func (s *Server) connected(peer transport.Peer) { // A
	s.room.join(&member{
		peer:      peer,
		limiter:   rate.NewLimiter(rate.Every(s.cfg.QueryInterval), s.cfg.QueryBurst),
		sem:       semaphore.NewWeighted(s.cfg.MaxConcurrentQueries),
		interests: make(map[signature.PublicKey]struct{}),
	})
	s.logger.Info("node joined",
		logKeyPeer, interfaces.ShortID(peer.NodeID),
		logKeyAddr, peer.Addr.String())
}

func (s *Server) disconnected(peer transport.Peer) { // A
	s.room.leave(peer)
	s.logger.Info("node left", logKeyPeer, interfaces.ShortID(peer.NodeID))
}

func (s *Server) handle( // A
	ctx context.Context,
	peer transport.Peer,
	msg interfaces.Message,
	w transport.ResponseWriter,
) error {
	m := s.room.get(peer.NodeID)
	if m == nil {
		return fmt.Errorf("%w: node not registered", sderrors.ErrNotFound)
	}
	switch msg.Type {
	case interfaces.MessageTypeHello:
		hello, err := wire.Decode[wire.Hello](msg)
		if err != nil {
			return err
		}
		if err := m.setListenAddr(hello.ListenAddr); err != nil {
			return fmt.Errorf("hello listen address %q: %w", hello.ListenAddr, err)
		}
		return w.WriteResponse(interfaces.Response{})
	case interfaces.MessageTypeQuery:
		return s.handleQuery(ctx, m, msg, w)
	case interfaces.MessageTypeAnnounceEdition:
		return s.handleAnnounce(m, msg, w)
	case interfaces.MessageTypeSubscribe:
		sub, err := wire.Decode[wire.Subscribe](msg)
		if err != nil {
			return err
		}
		m.setInterest(sub.PublicKey, true)
		return w.WriteResponse(interfaces.Response{})
	case interfaces.MessageTypeUnsubscribe:
		sub, err := wire.Decode[wire.Unsubscribe](msg)
		if err != nil {
			return err
		}
		m.setInterest(sub.PublicKey, false)
		return w.WriteResponse(interfaces.Response{})
	default:
		return fmt.Errorf("%w: hub does not serve %s", sderrors.ErrUnknownKind, msg.Type)
	}
}
