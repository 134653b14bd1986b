package transfer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/20af02/PairCopy/p2p"
)

// Direction tags a unit as outgoing or incoming for the archive hook.
type Direction int

const (
	DirSend Direction = iota
	DirRecv
)

func (d Direction) String() string {
	if d == DirRecv {
		return "recv"
	}
	return "send"
}

// ArchiveFunc may keep a side copy of a transferred unit. Its errors are
// logged and never abort the transfer.
type ArchiveFunc func(Direction, Unit) error

type connOpts struct {
	codec        Codec
	sendInterval time.Duration
	pollInterval time.Duration
	logger       *zap.Logger
	onSent       func(Unit)
	onRecv       func(Unit)
}

// Connection owns one live stream, its two queues and the loops that move
// units between them. The lifecycle context is the only stop signal.
type Connection struct {
	connOpts
	peer   p2p.PeerDescriptor
	stream p2p.Stream

	outgoing *Queue[Unit]
	incoming *Queue[Unit]

	ctx    context.Context
	cancel context.CancelFunc

	sendDone chan struct{}
	recvDone chan struct{}

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
	// reported guards the single disconnect notification.
	reported sync.Once
}

func newConnection(parent context.Context, s p2p.Stream, peer p2p.PeerDescriptor, opts connOpts) *Connection {
	ctx, cancel := context.WithCancel(parent)
	return &Connection{
		connOpts: opts,
		peer:     peer,
		stream:   s,
		outgoing: NewQueue[Unit](),
		incoming: NewQueue[Unit](),
		ctx:      ctx,
		cancel:   cancel,
		sendDone: make(chan struct{}),
		recvDone: make(chan struct{}),
	}
}

func (c *Connection) start() {
	go c.sendLoop()
	go c.recvLoop()
}

func (c *Connection) Peer() p2p.PeerDescriptor { return c.peer }

// Alive reports whether both loops are still expected to run.
func (c *Connection) Alive() bool {
	if c.ctx.Err() != nil {
		return false
	}
	select {
	case <-c.sendDone:
		return false
	case <-c.recvDone:
		return false
	default:
		return true
	}
}

// exited is closed as soon as either loop has ended.
func (c *Connection) exited() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		select {
		case <-c.sendDone:
		case <-c.recvDone:
		}
		close(ch)
	}()
	return ch
}

// Err returns the error that ended a loop, if any.
func (c *Connection) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Connection) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

// Close stops both loops, then releases the stream and discards whatever is
// still queued. Safe to call more than once and from any goroutine other
// than the loops themselves.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		// Pollable streams let the loops notice the cancel on their own, so
		// the stream is released only once nobody is using it. Otherwise
		// closing it is what unblocks them.
		if _, ok := c.stream.(p2p.Deadliner); ok {
			<-c.sendDone
			<-c.recvDone
		}
		if err := c.stream.Close(); err != nil {
			c.logger.Warn("release stream", zap.String("peer", c.peer.ID), zap.Error(err))
		}
		<-c.sendDone
		<-c.recvDone

		dropped := len(c.outgoing.Drain()) + len(c.incoming.Drain())
		if dropped > 0 {
			c.logger.Warn("discarded queued units on teardown", zap.String("peer", c.peer.ID), zap.Int("units", dropped))
		}
	})
}
