// Package transport carries samizdat messages between
// nodes and hubs over QUIC. Each stream holds one request
// followed by one or more response frames.
package transport

import (
	"context"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/i5heu/samizdat/pkg/interfaces"
)

// Application close codes sent to the remote side when a
// connection ends.
const (
	closeNormal   quic.ApplicationErrorCode = 0
	closeRefused  quic.ApplicationErrorCode = 1
	closeShutdown quic.ApplicationErrorCode = 2

	streamAborted quic.StreamErrorCode = 1
)

// Connection is one QUIC connection to a remote node or
// hub.
type Connection interface { // A
	NodeID() interfaces.NodeID
	RemoteAddr() net.Addr
	OpenStream(ctx context.Context) (Stream, error)
	AcceptStream(ctx context.Context) (Stream, error)
	// Done is closed when the connection is gone.
	Done() <-chan struct{}
	Close() error
}

// Stream carries one request and its response frames.
// Close ends the write side; Cancel aborts both directions.
type Stream interface { // A
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error
	Cancel()
	SetDeadline(t time.Time) error
}

type peerConn struct { // A
	*quic.Conn
	id interfaces.NodeID
}

func (c *peerConn) NodeID() interfaces.NodeID { return c.id } // A

func (c *peerConn) OpenStream(ctx context.Context) (Stream, error) { // A
	s, err := c.Conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return peerStream{s}, nil
}

func (c *peerConn) AcceptStream(ctx context.Context) (Stream, error) { // A
	s, err := c.Conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return peerStream{s}, nil
}

func (c *peerConn) Done() <-chan struct{} { // A
	return c.Conn.Context().Done()
}

func (c *peerConn) Close() error { // A
	return c.CloseWithError(closeNormal, "bye")
}

// closeWith ends conn with code when it is backed by QUIC
// and falls back to a plain Close otherwise.
func closeWith(conn Connection, code quic.ApplicationErrorCode, reason string) error { // A
	if pc, ok := conn.(*peerConn); ok {
		return pc.CloseWithError(code, reason)
	}
	return conn.Close()
}

type peerStream struct { // A
	*quic.Stream
}

func (s peerStream) Cancel() { // A
	s.CancelRead(streamAborted)
	s.CancelWrite(streamAborted)
}
