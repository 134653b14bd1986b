package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type TCPTransportOpts struct {
	ListenAddr string
	// ServiceID is sent by Dial during the handshake.
	ServiceID        uuid.UUID
	Peers            []PeerDescriptor
	HandshakeFunc    HandshakeFunc
	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
	Logger           *zap.Logger
}

type TCPTransport struct {
	TCPTransportOpts
	book *peerBook

	mu       sync.Mutex
	listener *baseListener
	closed   bool
}

func NewTCPTransport(opts TCPTransportOpts) *TCPTransport {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.HandshakeFunc == nil {
		opts.HandshakeFunc = ServiceHandshake
	}
	return &TCPTransport{
		TCPTransportOpts: opts,
		book:             newPeerBook("tcp", opts.Peers),
	}
}

// Addr returns the bound listen address when listening, the configured one otherwise.
func (t *TCPTransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil && !t.listener.closed() {
		return t.listener.Addr()
	}
	return t.ListenAddr
}

func (t *TCPTransport) Discover(ctx context.Context) (<-chan PeerEvent, error) {
	if t.isClosed() {
		return nil, ErrTransportClosed
	}
	return t.book.discover(ctx), nil
}

func (t *TCPTransport) Dial(ctx context.Context, peerID string) (Stream, error) {
	if t.isClosed() {
		return nil, ErrTransportClosed
	}
	peer, ok := t.book.lookup(peerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}

	d := &net.Dialer{Timeout: t.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", peer.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", peer.Addr, err)
	}
	if err := runHandshake(t.HandshakeFunc, conn, t.ServiceID, true, t.HandshakeTimeout); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake with %s: %w", peer.Addr, err)
	}
	t.Logger.Info("dialed peer", zap.String("peer", peer.ID), zap.String("addr", peer.Addr))
	return conn, nil
}

// Listen binds ListenAddr and starts the accept loop. Only one listener may
// be open at a time; closing it allows Listen to be called again.
func (t *TCPTransport) Listen(ctx context.Context, serviceID string) (Listener, error) {
	service, err := parseService(serviceID)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	if t.listener != nil && !t.listener.closed() {
		return nil, ErrAlreadyListening
	}

	ln, err := net.Listen("tcp", t.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", t.ListenAddr, err)
	}
	l := newBaseListener(ln.Addr().String(), ln.Close)
	l.closeOnDone(ctx)
	t.listener = l

	go t.startAcceptLoop(ln, l, service)
	t.Logger.Info("TCP transport listening", zap.String("addr", l.Addr()), zap.String("service", service.String()))
	return l, nil
}

func (t *TCPTransport) startAcceptLoop(ln net.Listener, l *baseListener, service uuid.UUID) {
	for {
		conn, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) || l.closed() {
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil {
			t.Logger.Warn("TCP accept error", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		go t.handleConn(conn, l, service)
	}
}

func (t *TCPTransport) handleConn(conn net.Conn, l *baseListener, service uuid.UUID) {
	if err := runHandshake(t.HandshakeFunc, conn, service, false, t.HandshakeTimeout); err != nil {
		t.Logger.Warn("dropping peer connection", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		conn.Close()
		return
	}

	remote := conn.RemoteAddr().String()
	peer := PeerDescriptor{ID: PeerIDFor("tcp://" + remote), Name: remote, Addr: remote}
	t.Logger.Info("accepted connection", zap.String("remote", remote))
	l.deliver(conn, peer)
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	l := t.listener
	t.mu.Unlock()
	if l != nil {
		return l.Close()
	}
	return nil
}

func (t *TCPTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
