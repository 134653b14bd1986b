package p2p

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	ErrPeerNotFound     = errors.New("peer not found")
	ErrServiceNotFound  = errors.New("service not found on peer")
	ErrListenerClosed   = errors.New("listener closed")
	ErrTransportClosed  = errors.New("transport closed")
	ErrAlreadyListening = errors.New("already listening")
)

// Stream is a duplex byte stream between two peers. Implementations that
// also provide read/write deadlines (net.Conn, QUIC streams) let the
// transfer loops poll for a stop request while blocked.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// Deadliner is implemented by streams that support I/O deadlines.
type Deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Listener yields inbound streams that already passed the service handshake.
type Listener interface {
	Accept(ctx context.Context) (Stream, PeerDescriptor, error)
	Addr() string
	Close() error
}

// Transport is anything that can find peers and open streams to them.
// This could be a TCP connection, a QUIC stream, or an in-process pipe.
type Transport interface {
	// Discover enumerates candidate peers. The returned channel is closed
	// once enumeration is complete.
	Discover(ctx context.Context) (<-chan PeerEvent, error)
	// Dial opens a stream to a peer previously returned by Discover.
	Dial(ctx context.Context, peerID string) (Stream, error)
	// Listen starts accepting streams for the given service id.
	Listen(ctx context.Context, serviceID string) (Listener, error)
	Addr() string
	Close() error
}
