package p2p

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/20af02/PairCopy/crypto"
)

const quicNextProto = "paircopy"

type QUICTransportOpts struct {
	ListenAddr       string
	ServiceID        uuid.UUID
	Peers            []PeerDescriptor
	HandshakeTimeout time.Duration
	KeepAlive        time.Duration
	Logger           *zap.Logger
}

// QUICTransport carries one bidirectional QUIC stream per connection. The
// service handshake is mandatory here: a QUIC stream only becomes visible to
// the listener once the dialer has written to it.
type QUICTransport struct {
	QUICTransportOpts
	book      *peerBook
	serverTLS *tls.Config
	clientTLS *tls.Config
	quicConf  *quic.Config

	mu       sync.Mutex
	listener *baseListener
	closed   bool
}

func NewQUICTransport(opts QUICTransportOpts) (*QUICTransport, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 10 * time.Second
	}
	serverTLS, err := crypto.SelfSignedTLSConfig(quicNextProto)
	if err != nil {
		return nil, err
	}
	return &QUICTransport{
		QUICTransportOpts: opts,
		book:              newPeerBook("quic", opts.Peers),
		serverTLS:         serverTLS,
		clientTLS:         crypto.InsecureClientTLSConfig(quicNextProto),
		quicConf:          &quic.Config{KeepAlivePeriod: opts.KeepAlive},
	}, nil
}

func (t *QUICTransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil && !t.listener.closed() {
		return t.listener.Addr()
	}
	return t.ListenAddr
}

func (t *QUICTransport) Discover(ctx context.Context) (<-chan PeerEvent, error) {
	if t.isClosed() {
		return nil, ErrTransportClosed
	}
	return t.book.discover(ctx), nil
}

func (t *QUICTransport) Dial(ctx context.Context, peerID string) (Stream, error) {
	if t.isClosed() {
		return nil, ErrTransportClosed
	}
	peer, ok := t.book.lookup(peerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}

	conn, err := quic.DialAddr(ctx, peer.Addr, t.clientTLS, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", peer.Addr, err)
	}
	str, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("open stream to %s: %w", peer.Addr, err)
	}
	s := &quicStream{Stream: str, conn: conn}
	if err := runHandshake(ServiceHandshake, s, t.ServiceID, true, t.HandshakeTimeout); err != nil {
		s.Close()
		return nil, fmt.Errorf("handshake with %s: %w", peer.Addr, err)
	}
	t.Logger.Info("dialed peer", zap.String("peer", peer.ID), zap.String("addr", peer.Addr))
	return s, nil
}

func (t *QUICTransport) Listen(ctx context.Context, serviceID string) (Listener, error) {
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

	ln, err := quic.ListenAddr(t.ListenAddr, t.serverTLS, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", t.ListenAddr, err)
	}
	acceptCtx, cancel := context.WithCancel(context.Background())
	l := newBaseListener(ln.Addr().String(), func() error {
		cancel()
		return ln.Close()
	})
	l.closeOnDone(ctx)
	t.listener = l

	go t.startAcceptLoop(acceptCtx, ln, l, service)
	t.Logger.Info("QUIC transport listening", zap.String("addr", l.Addr()), zap.String("service", service.String()))
	return l, nil
}

func (t *QUICTransport) startAcceptLoop(ctx context.Context, ln *quic.Listener, l *baseListener, service uuid.UUID) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if !l.closed() {
				t.Logger.Warn("QUIC accept error", zap.Error(err))
				l.Close()
			}
			return
		}
		go t.handleConn(ctx, conn, l, service)
	}
}

func (t *QUICTransport) handleConn(ctx context.Context, conn quic.Connection, l *baseListener, service uuid.UUID) {
	timeout := t.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	streamCtx, cancel := context.WithTimeout(ctx, timeout)
	str, err := conn.AcceptStream(streamCtx)
	cancel()
	if err != nil {
		t.Logger.Warn("dropping peer connection", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		conn.CloseWithError(0, "no stream")
		return
	}

	s := &quicStream{Stream: str, conn: conn}
	if err := runHandshake(ServiceHandshake, s, service, false, t.HandshakeTimeout); err != nil {
		t.Logger.Warn("dropping peer connection", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		// let the reject byte reach the dialer before tearing the connection down
		time.Sleep(50 * time.Millisecond)
		s.Close()
		return
	}

	remote := conn.RemoteAddr().String()
	peer := PeerDescriptor{ID: PeerIDFor("quic://" + remote), Name: remote, Addr: remote}
	t.Logger.Info("accepted connection", zap.String("remote", remote))
	l.deliver(s, peer)
}

func (t *QUICTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	l := t.listener
	t.mu.Unlock()
	if l != nil {
		return l.Close()
	}
	return nil
}

func (t *QUICTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// quicStream ties the lifetime of the QUIC connection to its single stream.
type quicStream struct {
	quic.Stream
	conn quic.Connection
	once sync.Once
}

func (s *quicStream) Close() error {
	var err error
	s.once.Do(func() {
		s.Stream.CancelRead(0)
		err = s.Stream.Close()
		s.conn.CloseWithError(0, "closed")
	})
	return err
}
