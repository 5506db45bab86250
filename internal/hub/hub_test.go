package hub

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	sderrors "github.com/i5heu/samizdat/internal/errors"
	"github.com/i5heu/samizdat/internal/transport"
	"github.com/i5heu/samizdat/pkg/address"
	"github.com/i5heu/samizdat/pkg/interfaces"
	"github.com/i5heu/samizdat/pkg/model"
	"github.com/i5heu/samizdat/pkg/signature"
	"github.com/i5heu/samizdat/pkg/wire"
)

const testTimeout = 10 * time.Second

func newTestHub(t *testing.T, cfg Config) *Server { // A
	t.Helper()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Logger = slog.New(slog.DiscardHandler)
	if cfg.BroadcastWindow == 0 {
		cfg.BroadcastWindow = 2 * time.Second
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type testNode struct { // A
	carrier *transport.Carrier
	conn    transport.Connection
}

func joinHub(t *testing.T, hub *Server, handler transport.MessageHandler) *testNode { // A
	t.Helper()
	c, err := transport.NewCarrier(transport.CarrierConfig{
		ListenAddr: "127.0.0.1:0",
		Logger:     slog.New(slog.DiscardHandler),
		Handler:    handler,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	conn, err := c.Dial(ctx, hub.ListenAddr())
	require.NoError(t, err)
	msg, err := wire.Encode(wire.Hello{ListenAddr: c.ListenAddr()})
	require.NoError(t, err)
	_, err = c.Request(ctx, conn, msg)
	require.NoError(t, err)
	return &testNode{carrier: c, conn: conn}
}

func (n *testNode) query(t *testing.T, q wire.Query) ([]wire.QueryResponse, error) { // A
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	msg, err := wire.Encode(q)
	require.NoError(t, err)
	var out []wire.QueryResponse
	err = n.carrier.Stream(ctx, n.conn, msg, func(resp interfaces.Response) error {
		r, err := wire.DecodeQueryResponse(resp)
		if err != nil {
			return err
		}
		out = append(out, r)
		return nil
	})
	return out, err
}

func answerWith(r wire.QueryResponse) transport.MessageHandler { // A
	return func(_ context.Context, _ transport.Peer, msg interfaces.Message, w transport.ResponseWriter) error {
		if msg.Type != interfaces.MessageTypeQuery {
			return w.WriteResponse(interfaces.Response{})
		}
		resp, err := wire.EncodeQueryResponse(r)
		if err != nil {
			return err
		}
		return w.WriteResponse(resp)
	}
}

// holding answers object queries for content the way a
// node does: only when the riddle resolves to its hash.
func holding(content []byte) transport.MessageHandler { // A
	h := address.HashObject(content)
	return func(_ context.Context, _ transport.Peer, msg interfaces.Message, w transport.ResponseWriter) error {
		q, err := wire.Decode[wire.Query](msg)
		if err != nil || !q.Riddle.Resolves(h[:]) {
			return w.WriteResponse(interfaces.Response{})
		}
		r, err := wire.SealObject(q, h, wire.ObjectAnswer{Inline: true, Content: content, Size: int64(len(content))})
		if err != nil {
			return err
		}
		resp, err := wire.EncodeQueryResponse(r)
		if err != nil {
			return err
		}
		return w.WriteResponse(resp)
	}
}

var notHolding = answerWith(wire.QueryResponse{})

func objectQuery(t *testing.T, content []byte) wire.Query { // A
	t.Helper()
	q, err := wire.NewObjectQuery(address.HashObject(content), time.Now())
	require.NoError(t, err)
	return q
}

func openInline(t *testing.T, q wire.Query, content []byte, r wire.QueryResponse) []byte { // A
	t.Helper()
	a, err := wire.OpenObject(q, address.HashObject(content), r)
	require.NoError(t, err)
	require.True(t, a.Inline)
	return a.Content
}

func TestQueryRelayedToOtherNodes(t *testing.T) { // A
	t.Parallel()
	hub := newTestHub(t, Config{})
	content := []byte("relayed object")

	requester := joinHub(t, hub, holding(content))
	joinHub(t, hub, holding(content))
	joinHub(t, hub, notHolding)
	joinHub(t, hub, holding([]byte("something else")))
	require.Equal(t, 4, hub.Members())

	q := objectQuery(t, content)
	answers, err := requester.query(t, q)
	require.NoError(t, err)
	// The requester also holds the object but is never asked.
	require.Len(t, answers, 1)
	require.Equal(t, content, openInline(t, q, content, answers[0]))
}

func TestQueryWithoutHoldersEndsEmpty(t *testing.T) { // A
	t.Parallel()
	hub := newTestHub(t, Config{})
	content := []byte("nobody has this")

	requester := joinHub(t, hub, holding(content))
	joinHub(t, hub, notHolding)

	answers, err := requester.query(t, objectQuery(t, content))
	require.NoError(t, err)
	require.Empty(t, answers)
}

func TestMalformedAnswersAreDropped(t *testing.T) { // A
	t.Parallel()
	hub := newTestHub(t, Config{})
	content := []byte("genuine")

	requester := joinHub(t, hub, notHolding)
	joinHub(t, hub, answerWith(wire.QueryResponse{Found: true}))
	joinHub(t, hub, holding(content))

	q := objectQuery(t, content)
	answers, err := requester.query(t, q)
	require.NoError(t, err)
	require.Len(t, answers, 1)
	require.Equal(t, content, openInline(t, q, content, answers[0]))
}

func TestAnswerCarriesObservedPullAddress(t *testing.T) { // A
	t.Parallel()
	hub := newTestHub(t, Config{})
	content := []byte("large object")

	requester := joinHub(t, hub, notHolding)
	responder := joinHub(t, hub, answerWith(wire.QueryResponse{
		Found:    true,
		Sealed:   []byte("opaque"),
		PullAddr: "10.9.9.9:1",
	}))

	answers, err := requester.query(t, objectQuery(t, content))
	require.NoError(t, err)
	require.Len(t, answers, 1)
	require.Equal(t, responder.carrier.ListenAddr(), answers[0].PullAddr)
	require.Equal(t, responder.carrier.LocalID(), answers[0].NodeID)
	require.Equal(t, []byte("opaque"), answers[0].Sealed)
}

func TestResponsesAreCapped(t *testing.T) { // A
	t.Parallel()
	hub := newTestHub(t, Config{MaxResponsesPerQuery: 2})
	content := []byte("popular")

	requester := joinHub(t, hub, notHolding)
	for range 4 {
		joinHub(t, hub, holding(content))
	}

	answers, err := requester.query(t, objectQuery(t, content))
	require.NoError(t, err)
	require.Len(t, answers, 2)
}

func TestReplayedQueryIsRefused(t *testing.T) { // A
	t.Parallel()
	hub := newTestHub(t, Config{})
	content := []byte("once")

	requester := joinHub(t, hub, notHolding)
	joinHub(t, hub, holding(content))

	q := objectQuery(t, content)
	_, err := requester.query(t, q)
	require.NoError(t, err)
	_, err = requester.query(t, q)
	require.ErrorIs(t, err, sderrors.ErrReplay)
}

func TestStaleQueryIsRefused(t *testing.T) { // A
	t.Parallel()
	hub := newTestHub(t, Config{ReplayWindow: time.Minute})
	content := []byte("old news")

	requester := joinHub(t, hub, notHolding)
	joinHub(t, hub, holding(content))

	q, err := wire.NewObjectQuery(address.HashObject(content), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = requester.query(t, q)
	require.ErrorIs(t, err, sderrors.ErrReplay)
}

func TestThrottledNode(t *testing.T) { // A
	t.Parallel()
	hub := newTestHub(t, Config{QueryInterval: time.Hour, QueryBurst: 1})
	content := []byte("rate limited")

	requester := joinHub(t, hub, notHolding)
	_, err := requester.query(t, objectQuery(t, content))
	require.NoError(t, err)
	_, err = requester.query(t, objectQuery(t, content))
	require.ErrorIs(t, err, sderrors.ErrThrottled)
}

func TestAnnouncementReachesSubscribersOnly(t *testing.T) { // A
	t.Parallel()
	hub := newTestHub(t, Config{})
	kp, err := signature.GenerateKeypair()
	require.NoError(t, err)
	ed, err := model.NewEdition(kp, model.EditionContent{
		Collection: address.HashObject([]byte("m")).Collection(),
		Timestamp:  time.Now().UnixNano(),
		TTL:        time.Hour,
	}, false)
	require.NoError(t, err)

	recorder := func(ch chan<- model.Edition) transport.MessageHandler {
		return func(_ context.Context, _ transport.Peer, msg interfaces.Message, w transport.ResponseWriter) error {
			if a, err := wire.Decode[wire.Announce](msg); err == nil {
				ch <- a.Edition
			}
			return w.WriteResponse(interfaces.Response{})
		}
	}
	subscribedCh := make(chan model.Edition, 1)
	otherCh := make(chan model.Edition, 1)
	publisherCh := make(chan model.Edition, 1)

	publisher := joinHub(t, hub, recorder(publisherCh))
	subscribed := joinHub(t, hub, recorder(subscribedCh))
	joinHub(t, hub, recorder(otherCh))

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	for _, n := range []*testNode{publisher, subscribed} {
		msg, err := wire.Encode(wire.Subscribe{PublicKey: kp.Public, Kind: model.FullInventory})
		require.NoError(t, err)
		_, err = n.carrier.Request(ctx, n.conn, msg)
		require.NoError(t, err)
	}

	msg, err := wire.Encode(wire.Announce{Edition: ed})
	require.NoError(t, err)
	_, err = publisher.carrier.Request(ctx, publisher.conn, msg)
	require.NoError(t, err)

	select {
	case got := <-subscribedCh:
		require.Equal(t, ed.Content, got.Content)
	case <-ctx.Done():
		t.Fatal("subscriber never received the announcement")
	}
	select {
	case <-otherCh:
		t.Fatal("unsubscribed node received the announcement")
	case <-publisherCh:
		t.Fatal("announcement echoed back to its sender")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestForgedAnnouncementIsRejected(t *testing.T) { // A
	t.Parallel()
	hub := newTestHub(t, Config{})
	kp, err := signature.GenerateKeypair()
	require.NoError(t, err)
	ed, err := model.NewEdition(kp, model.EditionContent{Timestamp: 1, TTL: time.Hour}, false)
	require.NoError(t, err)
	ed.Content.Timestamp = 2

	n := joinHub(t, hub, notHolding)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	msg, err := wire.Encode(wire.Announce{Edition: ed})
	require.NoError(t, err)
	_, err = n.carrier.Request(ctx, n.conn, msg)
	require.ErrorIs(t, err, sderrors.ErrInvalidSignature)
}

func TestBlacklistedNodeIsRefused(t *testing.T) { // A
	t.Parallel()
	hub := newTestHub(t, Config{Blacklist: []string{"127.0.0.0/8"}})
	c, err := transport.NewCarrier(transport.CarrierConfig{
		ListenAddr: "127.0.0.1:0",
		Logger:     slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := c.Dial(ctx, hub.ListenAddr())
	if err == nil {
		msg, encErr := wire.Encode(wire.Hello{ListenAddr: c.ListenAddr()})
		require.NoError(t, encErr)
		_, err = c.Request(ctx, conn, msg)
	}
	require.Error(t, err)
	require.Equal(t, 0, hub.Members())
}

func TestParseBlacklist(t *testing.T) { // A
	t.Parallel()
	prefixes, err := ParseBlacklist([]string{"10.0.0.1", "192.168.0.0/16", "::1"})
	require.NoError(t, err)
	require.Len(t, prefixes, 3)
	require.Equal(t, 32, prefixes[0].Bits())
	require.Equal(t, 128, prefixes[2].Bits())

	_, err = ParseBlacklist([]string{"not-an-ip"})
	require.Error(t, err)
	require.False(t, errors.Is(err, sderrors.ErrNotFound))
}
