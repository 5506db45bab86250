package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/i5heu/samizdat/internal/collection"
	"github.com/i5heu/samizdat/internal/edition"
	sderrors "github.com/i5heu/samizdat/internal/errors"
	"github.com/i5heu/samizdat/internal/hub"
	"github.com/i5heu/samizdat/internal/objectstore"
	"github.com/i5heu/samizdat/internal/testutil"
	"github.com/i5heu/samizdat/internal/transport"
	"github.com/i5heu/samizdat/pkg/address"
	"github.com/i5heu/samizdat/pkg/interfaces"
	"github.com/i5heu/samizdat/pkg/model"
	"github.com/i5heu/samizdat/pkg/signature"
	"github.com/i5heu/samizdat/pkg/wire"
)

const testTimeout = 10 * time.Second

type testNode struct { // A
	objects  *objectstore.Store
	editions *edition.Resolver
	router   *Router
}

func newTestHub(t *testing.T) *hub.Server { // A
	t.Helper()
	s, err := hub.New(hub.Config{
		ListenAddr:      "127.0.0.1:0",
		Logger:          slog.New(slog.DiscardHandler),
		BroadcastWindow: 2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestNode(t *testing.T, inlineLimit int) *testNode { // A
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	kv := testutil.MemStore(t)

	objects, err := objectstore.New(objectstore.Config{Store: kv, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(objects.Close)

	editions, err := edition.New(edition.Config{Store: kv, Logger: logger})
	require.NoError(t, err)

	carrier, err := transport.NewCarrier(transport.CarrierConfig{
		ListenAddr: "127.0.0.1:0",
		Logger:     logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = carrier.Close() })

	r, err := New(Config{
		Carrier:       carrier,
		Objects:       objects,
		Editions:      editions,
		Logger:        logger,
		QueryTimeout:  2 * time.Second,
		InlineLimit:   inlineLimit,
		RetrySchedule: []time.Duration{0, 10 * time.Millisecond, 10 * time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	editions.SetSource(r)
	return &testNode{objects: objects, editions: editions, router: r}
}

// connect adds the hub and waits until the greeting has
// been acknowledged.
func (n *testNode) connect(t *testing.T, h *hub.Server, mode model.ResolutionMode) { // A
	t.Helper()
	n.router.AddHub(model.Hub{Addr: h.ListenAddr(), Mode: mode})
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err := n.router.boot.Conn(ctx, h.ListenAddr())
	require.NoError(t, err)
}

func signed(t *testing.T, kp signature.Keypair, ch address.CollectionHash, ts time.Time) model.Edition { // A
	t.Helper()
	e, err := model.NewEdition(kp, model.EditionContent{
		Collection: ch,
		Timestamp:  ts.UnixNano(),
		TTL:        time.Hour,
	}, false)
	require.NoError(t, err)
	return e
}

func TestFetchObjectInline(t *testing.T) { // A
	t.Parallel()
	h := newTestHub(t)
	a, b := newTestNode(t, 0), newTestNode(t, 0)
	a.connect(t, h, model.LocalFirst)
	b.connect(t, h, model.LocalFirst)
	ctx := context.Background()

	content := []byte("shared through the hub")
	hash, err := a.objects.Put(ctx, content)
	require.NoError(t, err)

	got, err := b.router.FetchObject(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, content, got)

	has, err := b.objects.Has(hash)
	require.NoError(t, err)
	require.True(t, has, "fetched object was not admitted locally")
}

func TestFetchObjectThroughOffer(t *testing.T) { // A
	t.Parallel()
	h := newTestHub(t)
	a, b := newTestNode(t, 16), newTestNode(t, 16)
	a.connect(t, h, model.LocalFirst)
	b.connect(t, h, model.LocalFirst)
	ctx := context.Background()

	content := make([]byte, 4096)
	for i := range content {
		content[i] = byte(i * 7)
	}
	hash, err := a.objects.Put(ctx, content)
	require.NoError(t, err)

	got, err := b.router.FetchObject(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestFetchEmptyObjectAcrossHub(t *testing.T) { // A
	t.Parallel()
	h := newTestHub(t)
	a, b := newTestNode(t, 0), newTestNode(t, 0)
	a.connect(t, h, model.LocalFirst)
	b.connect(t, h, model.LocalFirst)
	ctx := context.Background()

	hash, err := a.objects.Put(ctx, []byte{})
	require.NoError(t, err)

	got, err := b.router.FetchObject(ctx, hash)
	require.NoError(t, err)
	require.Empty(t, got)
	has, err := b.objects.Has(hash)
	require.NoError(t, err)
	require.True(t, has, "empty object was not admitted locally")
}

// joinImpostor joins h as a bare carrier that claims to
// hold want. It solves riddles for want, since it knows the
// hash, but serves forged instead of the real bytes: inline
// when inline is set, otherwise on the direct pull.
func joinImpostor(t *testing.T, h *hub.Server, want address.ObjectHash, inline bool, forged []byte) { // A
	t.Helper()
	handler := func(_ context.Context, _ transport.Peer, msg interfaces.Message, w transport.ResponseWriter) error {
		switch msg.Type {
		case interfaces.MessageTypeQuery:
			q, err := wire.Decode[wire.Query](msg)
			r := wire.QueryResponse{}
			if err == nil && q.Riddle.Resolves(want[:]) {
				a := wire.ObjectAnswer{Inline: inline, Size: int64(len(forged))}
				if inline {
					a.Content = forged
				}
				if r, err = wire.SealObject(q, want, a); err != nil {
					return err
				}
			}
			resp, err := wire.EncodeQueryResponse(r)
			if err != nil {
				return err
			}
			return w.WriteResponse(resp)
		case interfaces.MessageTypeFetch:
			return w.WriteResponse(interfaces.Response{Payload: forged})
		default:
			return w.WriteResponse(interfaces.Response{})
		}
	}
	c, err := transport.NewCarrier(transport.CarrierConfig{
		ListenAddr: "127.0.0.1:0",
		Logger:     slog.New(slog.DiscardHandler),
		Handler:    handler,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	conn, err := c.Dial(ctx, h.ListenAddr())
	require.NoError(t, err)
	hello, err := wire.Encode(wire.Hello{ListenAddr: c.ListenAddr()})
	require.NoError(t, err)
	_, err = c.Request(ctx, conn, hello)
	require.NoError(t, err)
}

func TestForgedPullIsNotAdmitted(t *testing.T) { // A
	t.Parallel()
	h := newTestHub(t)
	b := newTestNode(t, 0)
	b.connect(t, h, model.LocalFirst)
	ctx := context.Background()

	want := address.HashObject([]byte("the genuine bytes"))
	joinImpostor(t, h, want, false, []byte("forged bytes"))

	_, err := b.router.FetchObject(ctx, want)
	require.ErrorIs(t, err, sderrors.ErrHashMismatch)
	require.False(t, errors.Is(err, sderrors.ErrNotFound))
	has, err := b.objects.Has(want)
	require.NoError(t, err)
	require.False(t, has, "forged bytes were admitted")

	_, err = b.router.FetchObjectWithRetry(ctx, want)
	require.ErrorIs(t, err, sderrors.ErrHashMismatch)
	has, err = b.objects.Has(want)
	require.NoError(t, err)
	require.False(t, has)
}

func TestForgedInlineAnswerIsReported(t *testing.T) { // A
	t.Parallel()
	h := newTestHub(t)
	b := newTestNode(t, 0)
	b.connect(t, h, model.LocalFirst)

	want := address.HashObject([]byte("inline genuine"))
	joinImpostor(t, h, want, true, []byte("inline forged"))

	_, err := b.router.FetchObject(context.Background(), want)
	require.ErrorIs(t, err, sderrors.ErrHashMismatch)
	has, err := b.objects.Has(want)
	require.NoError(t, err)
	require.False(t, has)
}

func TestHonestAnswerWinsOverForged(t *testing.T) { // A
	t.Parallel()
	h := newTestHub(t)
	a, b := newTestNode(t, 0), newTestNode(t, 0)
	a.connect(t, h, model.LocalFirst)
	b.connect(t, h, model.LocalFirst)
	ctx := context.Background()

	content := []byte("contested object")
	hash, err := a.objects.Put(ctx, content)
	require.NoError(t, err)
	joinImpostor(t, h, hash, true, []byte("impostor copy"))

	got, err := b.router.FetchObject(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

type responseRecorder struct { // A
	resps []interfaces.Response
}

func (r *responseRecorder) WriteResponse(resp interfaces.Response) error { // A
	r.resps = append(r.resps, resp)
	return nil
}

func TestNodeRefusesReplayedAndStaleQueries(t *testing.T) { // A
	t.Parallel()
	n := newTestNode(t, 0)
	ctx := context.Background()

	content := []byte("served once per query")
	hash, err := n.objects.Put(ctx, content)
	require.NoError(t, err)

	q, err := wire.NewObjectQuery(hash, time.Now())
	require.NoError(t, err)
	msg, err := wire.Encode(q)
	require.NoError(t, err)

	var w responseRecorder
	require.NoError(t, n.router.HandleQuery(ctx, msg, &w))
	require.Len(t, w.resps, 1)
	r, err := wire.DecodeQueryResponse(w.resps[0])
	require.NoError(t, err)
	require.True(t, r.Found)
	a, err := wire.OpenObject(q, hash, r)
	require.NoError(t, err)
	require.Equal(t, content, a.Content)

	err = n.router.HandleQuery(ctx, msg, &w)
	require.ErrorIs(t, err, sderrors.ErrReplay)

	stale, err := wire.NewObjectQuery(hash, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	msg, err = wire.Encode(stale)
	require.NoError(t, err)
	err = n.router.HandleQuery(ctx, msg, &w)
	require.ErrorIs(t, err, sderrors.ErrReplay)
	require.Len(t, w.resps, 1)
}

func TestUnknownObjectIsNotAnswered(t *testing.T) { // A
	t.Parallel()
	n := newTestNode(t, 0)
	ctx := context.Background()
	_, err := n.objects.Put(ctx, []byte("something"))
	require.NoError(t, err)

	q, err := wire.NewObjectQuery(address.HashObject([]byte("not stored")), time.Now())
	require.NoError(t, err)
	msg, err := wire.Encode(q)
	require.NoError(t, err)

	var w responseRecorder
	require.NoError(t, n.router.HandleQuery(ctx, msg, &w))
	require.Len(t, w.resps, 1)
	r, err := wire.DecodeQueryResponse(w.resps[0])
	require.NoError(t, err)
	require.False(t, r.Found)
}

func TestFetchObjectNotFound(t *testing.T) { // A
	t.Parallel()
	h := newTestHub(t)
	a, b := newTestNode(t, 0), newTestNode(t, 0)
	a.connect(t, h, model.LocalFirst)
	b.connect(t, h, model.LocalFirst)

	_, err := b.router.FetchObject(context.Background(), address.HashObject([]byte("missing")))
	require.ErrorIs(t, err, sderrors.ErrNotFound)
}

func TestFetchObjectWithoutHubs(t *testing.T) { // A
	t.Parallel()
	n := newTestNode(t, 0)
	ctx := context.Background()

	hash, err := n.objects.Put(ctx, []byte("local"))
	require.NoError(t, err)
	got, err := n.router.FetchObject(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, []byte("local"), got)

	_, err = n.router.FetchObject(ctx, address.HashObject([]byte("elsewhere")))
	require.ErrorIs(t, err, sderrors.ErrNotFound)
}

func TestConcurrentFetchesShareRound(t *testing.T) { // A
	t.Parallel()
	h := newTestHub(t)
	a, b := newTestNode(t, 0), newTestNode(t, 0)
	a.connect(t, h, model.LocalFirst)
	b.connect(t, h, model.LocalFirst)
	ctx := context.Background()

	content := []byte("wanted by many")
	hash, err := a.objects.Put(ctx, content)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := b.router.FetchObject(ctx, hash)
			if err != nil || string(got) != string(content) {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Zero(t, failures.Load())
}

func TestDraftObjectsAreNotServed(t *testing.T) { // A
	t.Parallel()
	h := newTestHub(t)
	a, b := newTestNode(t, 0), newTestNode(t, 0)
	a.connect(t, h, model.LocalFirst)
	b.connect(t, h, model.LocalFirst)
	ctx := context.Background()

	env, err := model.EncodeEnvelope(model.Header{ContentType: "text/plain", IsDraft: true}, []byte("secret draft"))
	require.NoError(t, err)
	hash, err := a.objects.Put(ctx, env)
	require.NoError(t, err)

	_, err = b.router.FetchObject(ctx, hash)
	require.ErrorIs(t, err, sderrors.ErrNotFound)
}

func TestResolveSeriesPathAcrossNetwork(t *testing.T) { // A
	t.Parallel()
	h := newTestHub(t)
	a, b := newTestNode(t, 0), newTestNode(t, 0)
	a.connect(t, h, model.LocalFirst)
	b.connect(t, h, model.LocalFirst)
	ctx := context.Background()

	page := []byte("<h1>hello</h1>")
	pageHash, err := a.objects.Put(ctx, page)
	require.NoError(t, err)
	collections, err := collection.New(a.objects, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	ch, err := collections.Register(ctx, []address.Entry{{Path: "/index.html", Hash: pageHash}})
	require.NoError(t, err)

	kp, err := signature.GenerateKeypair()
	require.NoError(t, err)
	_, err = a.editions.Observe(ctx, signed(t, kp, ch, time.Now()))
	require.NoError(t, err)

	got, e, err := b.router.ResolveSeriesPath(ctx, kp.Public, "index.html")
	require.NoError(t, err)
	require.Equal(t, pageHash, got)
	require.Equal(t, ch, e.Content.Collection)

	content, err := b.router.FetchObject(ctx, got)
	require.NoError(t, err)
	require.Equal(t, page, content)

	_, err = b.router.ResolvePath(ctx, ch, "/missing.html")
	require.ErrorIs(t, err, sderrors.ErrNotFound)
}

func TestAnnouncementReachesSubscriber(t *testing.T) { // A
	t.Parallel()
	h := newTestHub(t)
	a, b := newTestNode(t, 0), newTestNode(t, 0)
	a.connect(t, h, model.LocalFirst)
	b.connect(t, h, model.LocalFirst)
	ctx := context.Background()

	kp, err := signature.GenerateKeypair()
	require.NoError(t, err)
	received := make(chan model.Edition, 1)
	b.router.SetEditionListener(func(e model.Edition) { received <- e })
	require.NoError(t, b.router.Subscribe(ctx, kp.Public, model.FullInventory))

	e := signed(t, kp, address.HashObject([]byte("m")).Collection(), time.Now())
	require.NoError(t, a.router.AnnounceEdition(ctx, e))

	select {
	case got := <-received:
		require.Equal(t, e.Content, got.Content)
	case <-time.After(testTimeout):
		t.Fatal("announcement not delivered")
	}
	cached, ok, err := b.editions.Cached(kp.Public)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, e.Content, cached.Content)
}

func TestResolutionModeOrdering(t *testing.T) { // A
	t.Parallel()
	n := newTestNode(t, 0)

	_, ok := n.router.mode()
	require.False(t, ok)

	n.router.AddHub(model.Hub{Addr: "127.0.0.1:1", Mode: model.LocalFirst})
	mode, ok := n.router.mode()
	require.True(t, ok)
	require.Equal(t, model.LocalFirst, mode)

	n.router.AddHub(model.Hub{Addr: "127.0.0.1:2", Mode: model.Both})
	mode, _ = n.router.mode()
	require.Equal(t, model.Both, mode)

	n.router.AddHub(model.Hub{Addr: "127.0.0.1:3", Mode: model.RemoteFirst})
	mode, _ = n.router.mode()
	require.Equal(t, model.RemoteFirst, mode)

	require.True(t, n.router.RemoveHub("127.0.0.1:3"))
	require.False(t, n.router.RemoveHub("127.0.0.1:3"))
	require.Len(t, n.router.Hubs(), 2)
	require.Equal(t, "127.0.0.1:1", n.router.Hubs()[0].Addr)
}

func TestBothModeServesFreshCache(t *testing.T) { // A
	t.Parallel()
	n := newTestNode(t, 0)
	n.router.AddHub(model.Hub{Addr: "127.0.0.1:1", Mode: model.Both})
	ctx := context.Background()

	kp, err := signature.GenerateKeypair()
	require.NoError(t, err)
	e := signed(t, kp, address.HashObject([]byte("m")).Collection(), time.Now())
	_, err = n.editions.Observe(ctx, e)
	require.NoError(t, err)

	start := time.Now()
	got, err := n.router.ResolveEdition(ctx, kp.Public)
	require.NoError(t, err)
	require.Equal(t, e.Content, got.Content)
	require.Less(t, time.Since(start), time.Second, "fresh edition waited for the network")
}

func TestFetchWithRetry(t *testing.T) { // A
	t.Parallel()
	schedule := []time.Duration{0, time.Millisecond, time.Millisecond}

	t.Run("retries until success", func(t *testing.T) {
		t.Parallel()
		calls := 0
		v, err := FetchWithRetry(context.Background(), schedule, func(context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, sderrors.ErrNotFound
			}
			return 42, nil
		})
		require.NoError(t, err)
		require.Equal(t, 42, v)
		require.Equal(t, 3, calls)
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		t.Parallel()
		calls := 0
		_, err := FetchWithRetry(context.Background(), schedule, func(context.Context) (int, error) {
			calls++
			return 0, sderrors.ErrHashMismatch
		})
		require.ErrorIs(t, err, sderrors.ErrHashMismatch)
		require.Equal(t, 1, calls)
	})

	t.Run("gives up after the schedule", func(t *testing.T) {
		t.Parallel()
		calls := 0
		_, err := FetchWithRetry(context.Background(), schedule, func(context.Context) (int, error) {
			calls++
			return 0, sderrors.ErrTimeout
		})
		require.ErrorIs(t, err, sderrors.ErrTimeout)
		require.Equal(t, len(schedule), calls)
	})

	t.Run("context ends the wait", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := FetchWithRetry(ctx, []time.Duration{0, time.Hour}, func(context.Context) (int, error) {
			return 0, sderrors.ErrNotFound
		})
		require.ErrorIs(t, err, sderrors.ErrTimeout)
		require.True(t, errors.Is(err, sderrors.ErrNotFound))
	})
}

func TestFetchObjectWithRetryUsesSchedule(t *testing.T) { // A
	t.Parallel()
	n := newTestNode(t, 0)
	ctx := context.Background()

	hash, err := n.objects.Put(ctx, []byte("already here"))
	require.NoError(t, err)
	got, err := n.router.FetchObjectWithRetry(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, []byte("already here"), got)

	start := time.Now()
	_, err = n.router.FetchObjectWithRetry(ctx, address.HashObject([]byte("never stored")))
	require.ErrorIs(t, err, sderrors.ErrNotFound)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestRetryScheduleIsBounded(t *testing.T) { // A
	t.Parallel()
	require.Equal(t, []time.Duration{
		0, 10 * time.Second, 30 * time.Second, 70 * time.Second, 150 * time.Second,
	}, RetrySchedule)
}

func TestFetchWithRetryFullSchedule(t *testing.T) { // A
	testutil.RequireLong(t)
	t.Parallel()

	var calls atomic.Int32
	start := time.Now()
	_, err := FetchWithRetry(context.Background(), RetrySchedule, func(context.Context) (int, error) {
		calls.Add(1)
		return 0, sderrors.ErrNotFound
	})
	require.ErrorIs(t, err, sderrors.ErrNotFound)
	require.Equal(t, int32(len(RetrySchedule)), calls.Load())
	require.GreaterOrEqual(t, time.Since(start), 260*time.Second)
}
