package transport

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	minRedialDelay = 500 * time.Millisecond
	maxRedialDelay = 30 * time.Second
)

// ConnectHook runs every time a bootstrap connection is
// (re)established, before the connection is handed out.
type ConnectHook func(ctx context.Context, addr string, conn Connection) error

// BootStrapper keeps connections to a set of well-known
// addresses open, redialing with exponential backoff when
// they drop.
type BootStrapper struct { // A
	carrier   *Carrier
	logger    *slog.Logger
	onConnect ConnectHook

	mu      sync.Mutex
	targets map[string]*bootstrapTarget

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type bootstrapTarget struct {
	cancel context.CancelFunc
	conn   Connection
	ready  chan struct{}
}

// NewBootStrapper creates a BootStrapper dialing through
// carrier.
func NewBootStrapper( // A
	carrier *Carrier,
	logger *slog.Logger,
	onConnect ConnectHook,
) *BootStrapper {
	ctx, cancel := context.WithCancel(context.Background())
	return &BootStrapper{
		carrier:   carrier,
		logger:    logger,
		onConnect: onConnect,
		targets:   make(map[string]*bootstrapTarget),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Add starts maintaining a connection to addr. Adding an
// address twice is a no-op.
func (b *BootStrapper) Add(addr string) { // A
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.targets[addr]; ok || b.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(b.ctx)
	t := &bootstrapTarget{cancel: cancel, ready: make(chan struct{})}
	b.targets[addr] = t

	b.wg.Add(1)
	go b.maintain(ctx, addr, t)
}

// Remove stops maintaining addr and closes its connection.
func (b *BootStrapper) Remove(addr string) { // A
	b.mu.Lock()
	t, ok := b.targets[addr]
	delete(b.targets, addr)
	var conn Connection
	if ok {
		conn = t.conn
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	t.cancel()
	if conn != nil {
		_ = conn.Close()
	}
}

// Addrs lists the maintained addresses.
func (b *BootStrapper) Addrs() []string { // A
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.targets))
	for addr := range b.targets {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Conn waits until the connection to addr is up or ctx
// ends.
func (b *BootStrapper) Conn(ctx context.Context, addr string) (Connection, error) { // A
	for {
		b.mu.Lock()
		t, ok := b.targets[addr]
		var ready chan struct{}
		var conn Connection
		if ok {
			ready, conn = t.ready, t.conn
		}
		b.mu.Unlock()
		if !ok {
			return nil, errors.New("address is not bootstrapped: " + addr)
		}
		if conn != nil && !isClosed(conn) {
			return conn, nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, wrapCtx(ctx, ctx.Err())
		}
	}
}

// Close stops all redial loops.
func (b *BootStrapper) Close() { // A
	b.cancel()
	b.wg.Wait()
}

func (b *BootStrapper) maintain( // A
	ctx context.Context,
	addr string,
	t *bootstrapTarget,
) {
	defer b.wg.Done()
	delay := minRedialDelay
	for ctx.Err() == nil {
		conn, err := b.carrier.Dial(ctx, addr)
		if err == nil && b.onConnect != nil {
			if err = b.onConnect(ctx, addr, conn); err != nil {
				_ = conn.Close()
			}
		}
		if err != nil {
			b.logger.Warn("bootstrap dial failed",
				logKeyAddr, addr,
				logKeyError, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxRedialDelay)
			continue
		}
		delay = minRedialDelay

		b.mu.Lock()
		t.conn = conn
		close(t.ready)
		b.mu.Unlock()
		b.logger.Info("bootstrap connected", logKeyAddr, addr)

		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
		}

		b.mu.Lock()
		t.conn = nil
		t.ready = make(chan struct{})
		b.mu.Unlock()
		b.logger.Warn("bootstrap connection lost", logKeyAddr, addr)
	}
}
