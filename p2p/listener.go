package p2p

import (
	"context"
	"sync"
)

type accepted struct {
	stream Stream
	peer   PeerDescriptor
}

// baseListener is the accept side shared by all transports: an accept loop
// pushes handshaken streams into acceptch, Accept pops them.
type baseListener struct {
	addr     string
	acceptch chan accepted
	closech  chan struct{}
	once     sync.Once
	closeFn  func() error
	closeErr error
}

func newBaseListener(addr string, closeFn func() error) *baseListener {
	return &baseListener{
		addr:     addr,
		acceptch: make(chan accepted),
		closech:  make(chan struct{}),
		closeFn:  closeFn,
	}
}

func (l *baseListener) Addr() string { return l.addr }

func (l *baseListener) Accept(ctx context.Context) (Stream, PeerDescriptor, error) {
	select {
	case <-ctx.Done():
		return nil, PeerDescriptor{}, ctx.Err()
	case <-l.closech:
		return nil, PeerDescriptor{}, ErrListenerClosed
	case a := <-l.acceptch:
		return a.stream, a.peer, nil
	}
}

func (l *baseListener) Close() error {
	l.once.Do(func() {
		close(l.closech)
		if l.closeFn != nil {
			l.closeErr = l.closeFn()
		}
	})
	return l.closeErr
}

// deliver hands an accepted stream to Accept, or closes it when nobody is
// going to pick it up.
func (l *baseListener) deliver(s Stream, peer PeerDescriptor) bool {
	select {
	case l.acceptch <- accepted{stream: s, peer: peer}:
		return true
	case <-l.closech:
		s.Close()
		return false
	}
}

func (l *baseListener) closed() bool {
	select {
	case <-l.closech:
		return true
	default:
		return false
	}
}

// closeOnDone closes the listener when ctx ends.
func (l *baseListener) closeOnDone(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-l.closech:
		}
	}()
}
