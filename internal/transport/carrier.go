package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	sderrors "github.com/i5heu/samizdat/internal/errors"
	"github.com/i5heu/samizdat/pkg/clock"
	"github.com/i5heu/samizdat/pkg/interfaces"
)

const (
	requestReadTimeout = 30 * time.Second

	logKeyPeer   = "peer"
	logKeyAddr   = "addr"
	logKeyType   = "type"
	logKeyError  = "error"
	metadataCode = "code"
)

// ErrStopStream may be returned by a Stream callback to end
// the exchange early without an error.
var ErrStopStream = errors.New("stop stream")

// Peer identifies the remote side of an inbound request.
type Peer struct {
	NodeID interfaces.NodeID
	Addr   net.Addr
	Conn   Connection
}

// ResponseWriter sends response frames for one request.
// Handlers that stream call WriteResponse several times.
type ResponseWriter interface {
	WriteResponse(resp interfaces.Response) error
}

// MessageHandler processes one inbound request. A returned
// error is sent to the requester as an error frame.
type MessageHandler func( // A
	ctx context.Context,
	peer Peer,
	msg interfaces.Message,
	w ResponseWriter,
) error

// CarrierConfig holds configuration for creating a
// Carrier.
type CarrierConfig struct { // A
	ListenAddr string
	Logger     *slog.Logger
	Clock      clock.Clock
	Handler    MessageHandler
	// AllowPeer rejects inbound connections when it returns
	// false.
	AllowPeer func(addr net.Addr) bool
	// OnConnect and OnDisconnect observe connection
	// lifecycle, both inbound and dialed.
	OnConnect    func(peer Peer)
	OnDisconnect func(peer Peer)
}

// Carrier is the QUIC endpoint of a node or hub. It serves
// requests arriving on every connection it holds, including
// the ones it dialed, and issues requests of its own.
type Carrier struct { // A
	transport *endpoint
	peers     *peerTable
	handler   atomic.Pointer[MessageHandler]
	logger    *slog.Logger
	allowPeer func(net.Addr) bool
	onConnect func(Peer)
	onDisconn func(Peer)

	mu     sync.Mutex
	dialed map[string]Connection
	active map[Connection]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCarrier listens on cfg.ListenAddr and starts
// accepting connections.
func NewCarrier(cfg CarrierConfig) (*Carrier, error) { // A
	if cfg.Logger == nil {
		return nil, errors.New("logger must not be nil")
	}
	ep, err := listen(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Carrier{
		transport: ep,
		peers:     newPeerTable(cfg.Clock),
		logger:    cfg.Logger,
		allowPeer: cfg.AllowPeer,
		onConnect: cfg.OnConnect,
		onDisconn: cfg.OnDisconnect,
		dialed:    make(map[string]Connection),
		active:    make(map[Connection]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	if cfg.Handler != nil {
		c.SetMessageHandler(cfg.Handler)
	}

	c.wg.Add(1)
	go c.acceptLoop()
	return c, nil
}

// SetMessageHandler replaces the inbound request handler.
func (c *Carrier) SetMessageHandler(h MessageHandler) { // A
	c.handler.Store(&h)
}

// ListenAddr returns the address the Carrier listens on.
func (c *Carrier) ListenAddr() string { // A
	return c.transport.addr()
}

// LocalID returns the node id peers see for this Carrier.
func (c *Carrier) LocalID() interfaces.NodeID { // A
	return c.transport.localID
}

// Peers lists the peers currently connected, in the order
// they connected.
func (c *Carrier) Peers() []interfaces.PeerInfo { // A
	return c.peers.list()
}

// Close stops accepting, closes all connections and waits
// for in-flight handlers.
func (c *Carrier) Close() error { // A
	c.cancel()
	err := c.transport.close()

	c.mu.Lock()
	conns := make([]Connection, 0, len(c.active))
	for conn := range c.active {
		conns = append(conns, conn)
	}
	c.mu.Unlock()
	for _, conn := range conns {
		_ = closeWith(conn, closeShutdown, "shutting down")
	}

	c.wg.Wait()
	return err
}

// Dial returns a live connection to addr, reusing an
// earlier one when it is still open.
func (c *Carrier) Dial(ctx context.Context, addr string) (Connection, error) { // A
	c.mu.Lock()
	if conn, ok := c.dialed[addr]; ok && !isClosed(conn) {
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	conn, err := c.transport.dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if prev, ok := c.dialed[addr]; ok && !isClosed(prev) {
		c.mu.Unlock()
		_ = conn.Close()
		return prev, nil
	}
	c.dialed[addr] = conn
	c.mu.Unlock()

	c.startServing(conn, addr, true)
	return conn, nil
}

// Request sends msg and returns the first response frame.
// An error frame is returned as an error.
func (c *Carrier) Request( // A
	ctx context.Context,
	conn Connection,
	msg interfaces.Message,
) (interfaces.Response, error) {
	var (
		first interfaces.Response
		got   bool
	)
	err := c.Stream(ctx, conn, msg, func(resp interfaces.Response) error {
		first, got = resp, true
		return ErrStopStream
	})
	if err != nil {
		return interfaces.Response{}, err
	}
	if !got {
		return interfaces.Response{}, fmt.Errorf(
			"%s: empty response", msg.Type,
		)
	}
	return first, nil
}

// Stream sends msg and hands every response frame to fn
// until the responder closes the stream, fn returns
// ErrStopStream, or ctx ends. Error frames are converted
// with ResponseError and end the exchange.
func (c *Carrier) Stream( // A
	ctx context.Context,
	conn Connection,
	msg interfaces.Message,
	fn func(resp interfaces.Response) error,
) error {
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	stop := context.AfterFunc(ctx, stream.Cancel)
	defer stop()

	if err := WriteMessage(stream, msg); err != nil {
		stream.Cancel()
		return wrapCtx(ctx, err)
	}
	if err := stream.Close(); err != nil {
		return wrapCtx(ctx, err)
	}

	for {
		resp, err := ReadResponse(stream)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return wrapCtx(ctx, err)
		}
		if resp.Error != nil {
			stream.Cancel()
			return ResponseError(resp)
		}
		if err := fn(resp); err != nil {
			stream.Cancel()
			if errors.Is(err, ErrStopStream) {
				return nil
			}
			return err
		}
	}
}

func wrapCtx(ctx context.Context, err error) error { // A
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", sderrors.ErrTimeout, ctx.Err())
	}
	return err
}

func (c *Carrier) acceptLoop() { // A
	defer c.wg.Done()
	for {
		conn, err := c.transport.accept(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Debug("accept failed", logKeyError, err)
			continue
		}
		if c.allowPeer != nil && !c.allowPeer(conn.RemoteAddr()) {
			c.logger.Warn("refusing blacklisted peer",
				logKeyAddr, conn.RemoteAddr().String())
			_ = closeWith(conn, closeRefused, "refused")
			continue
		}
		c.startServing(conn, conn.RemoteAddr().String(), false)
	}
}

func (c *Carrier) startServing(conn Connection, addr string, dialed bool) { // A
	c.mu.Lock()
	c.active[conn] = struct{}{}
	c.mu.Unlock()

	c.peers.connected(conn.NodeID(), addr, dialed)

	peer := Peer{NodeID: conn.NodeID(), Addr: conn.RemoteAddr(), Conn: conn}
	if c.onConnect != nil {
		c.onConnect(peer)
	}
	c.logger.Debug("peer connected",
		logKeyPeer, interfaces.ShortID(conn.NodeID()),
		logKeyAddr, addr)

	c.wg.Add(1)
	go c.handleConnection(peer)
}

// handleConnection processes inbound streams from one
// connection until it closes.
func (c *Carrier) handleConnection(peer Peer) { // A
	defer c.wg.Done()
	defer c.dropConnection(peer)

	for {
		stream, err := peer.Conn.AcceptStream(c.ctx)
		if err != nil {
			return
		}
		c.wg.Add(1)
		go c.handleStream(peer, stream)
	}
}

func (c *Carrier) dropConnection(peer Peer) { // A
	c.mu.Lock()
	delete(c.active, peer.Conn)
	for addr, conn := range c.dialed {
		if conn == peer.Conn {
			delete(c.dialed, addr)
		}
	}
	c.mu.Unlock()

	_ = peer.Conn.Close()
	c.peers.disconnected(peer.NodeID)
	if c.onDisconn != nil {
		c.onDisconn(peer)
	}
	c.logger.Debug("peer disconnected",
		logKeyPeer, interfaces.ShortID(peer.NodeID))
}

type streamWriter struct { // A
	stream Stream
}

func (w streamWriter) WriteResponse(resp interfaces.Response) error { // A
	return WriteResponse(w.stream, resp)
}

// handleStream reads the request, dispatches it and closes
// the stream once the handler is done.
func (c *Carrier) handleStream(peer Peer, stream Stream) { // A
	defer c.wg.Done()

	_ = stream.SetDeadline(time.Now().Add(requestReadTimeout))
	msg, err := ReadMessage(stream)
	if err != nil {
		stream.Cancel()
		return
	}
	_ = stream.SetDeadline(time.Time{})
	c.peers.served(peer.NodeID)

	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	go func() {
		select {
		case <-peer.Conn.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	w := streamWriter{stream: stream}
	h := c.handler.Load()
	if h == nil {
		err = errors.New("no message handler configured")
	} else {
		err = (*h)(ctx, peer, msg, w)
	}
	if err != nil {
		c.logger.Debug("request failed",
			logKeyPeer, interfaces.ShortID(peer.NodeID),
			logKeyType, msg.Type.String(),
			logKeyError, err)
		_ = w.WriteResponse(ErrorResponse(err))
	}
	_ = stream.Close()
}

func isClosed(conn Connection) bool { // A
	select {
	case <-conn.Done():
		return true
	default:
		return false
	}
}

var errorCodes = []struct {
	code string
	err  error
}{
	{"not-found", sderrors.ErrNotFound},
	{"invalid-signature", sderrors.ErrInvalidSignature},
	{"no-valid-edition", sderrors.ErrNoValidEdition},
	{"hash-mismatch", sderrors.ErrHashMismatch},
	{"timeout", sderrors.ErrTimeout},
	{"throttled", sderrors.ErrThrottled},
	{"replay", sderrors.ErrReplay},
	{"unknown-kind", sderrors.ErrUnknownKind},
	{"too-large", sderrors.ErrObjectTooLarge},
}

// ErrorResponse builds an error frame that keeps the
// sentinel identity of err across the wire.
func ErrorResponse(err error) interfaces.Response { // A
	resp := interfaces.Response{Error: err}
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			resp.Metadata = map[string]string{metadataCode: e.code}
			break
		}
	}
	return resp
}

// ResponseError turns an error frame back into an error
// matching the sentinel it was built from.
func ResponseError(resp interfaces.Response) error { // A
	if resp.Error == nil {
		return nil
	}
	code := resp.Metadata[metadataCode]
	for _, e := range errorCodes {
		if e.code == code {
			return fmt.Errorf("remote: %w: %s", e.err, resp.Error.Error())
		}
	}
	return fmt.Errorf("remote: %s", resp.Error.Error())
}
