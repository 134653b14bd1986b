package p2p

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemNetwork is an in-process rendezvous for MemTransports. Streams are
// net.Pipe pairs, so they support deadlines like a real socket.
type MemNetwork struct {
	mu        sync.Mutex
	listeners map[string]*memListener
}

type memListener struct {
	*baseListener
	service uuid.UUID
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{listeners: make(map[string]*memListener)}
}

// DefaultMemNetwork is shared by transports created without a network.
var DefaultMemNetwork = NewMemNetwork()

type MemTransportOpts struct {
	// Name is the address other transports on the network see.
	Name             string
	ServiceID        uuid.UUID
	HandshakeFunc    HandshakeFunc
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

type MemTransport struct {
	MemTransportOpts
	network *MemNetwork

	mu     sync.Mutex
	closed bool
}

func NewMemTransport(network *MemNetwork, opts MemTransportOpts) *MemTransport {
	if network == nil {
		network = DefaultMemNetwork
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.HandshakeFunc == nil {
		opts.HandshakeFunc = ServiceHandshake
	}
	return &MemTransport{MemTransportOpts: opts, network: network}
}

func (t *MemTransport) Addr() string { return t.Name }

// Discover enumerates every other transport currently listening on the network.
func (t *MemTransport) Discover(ctx context.Context) (<-chan PeerEvent, error) {
	if t.isClosed() {
		return nil, ErrTransportClosed
	}
	t.network.mu.Lock()
	names := make([]string, 0, len(t.network.listeners))
	for name := range t.network.listeners {
		if name != t.Name {
			names = append(names, name)
		}
	}
	t.network.mu.Unlock()
	sort.Strings(names)

	peers := make([]PeerDescriptor, 0, len(names))
	for _, name := range names {
		peers = append(peers, PeerDescriptor{ID: PeerIDFor("mem://" + name), Name: name, Addr: name})
	}
	return newPeerBook("mem", peers).discover(ctx), nil
}

func (t *MemTransport) Dial(ctx context.Context, peerID string) (Stream, error) {
	if t.isClosed() {
		return nil, ErrTransportClosed
	}

	t.network.mu.Lock()
	var (
		target *memListener
		addr   string
	)
	for name, l := range t.network.listeners {
		if PeerIDFor("mem://"+name) == peerID || name == peerID {
			target, addr = l, name
			break
		}
	}
	t.network.mu.Unlock()
	if target == nil || target.closed() {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}

	local, remote := net.Pipe()
	go func() {
		if err := runHandshake(t.HandshakeFunc, remote, target.service, false, t.HandshakeTimeout); err != nil {
			t.Logger.Warn("dropping peer connection", zap.String("remote", t.Name), zap.Error(err))
			remote.Close()
			return
		}
		target.deliver(remote, PeerDescriptor{ID: PeerIDFor("mem://" + t.Name), Name: t.Name, Addr: t.Name})
	}()

	done := make(chan error, 1)
	go func() { done <- runHandshake(t.HandshakeFunc, local, t.ServiceID, true, t.HandshakeTimeout) }()
	select {
	case err := <-done:
		if err != nil {
			local.Close()
			return nil, fmt.Errorf("handshake with %s: %w", addr, err)
		}
	case <-ctx.Done():
		local.Close()
		return nil, ctx.Err()
	}
	return local, nil
}

func (t *MemTransport) Listen(ctx context.Context, serviceID string) (Listener, error) {
	service, err := parseService(serviceID)
	if err != nil {
		return nil, err
	}
	if t.isClosed() {
		return nil, ErrTransportClosed
	}

	t.network.mu.Lock()
	defer t.network.mu.Unlock()
	if l, ok := t.network.listeners[t.Name]; ok && !l.closed() {
		return nil, ErrAlreadyListening
	}

	l := &memListener{service: service}
	l.baseListener = newBaseListener(t.Name, func() error {
		t.network.mu.Lock()
		if t.network.listeners[t.Name] == l {
			delete(t.network.listeners, t.Name)
		}
		t.network.mu.Unlock()
		return nil
	})
	l.closeOnDone(ctx)
	t.network.listeners[t.Name] = l
	return l, nil
}

func (t *MemTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.network.mu.Lock()
	l := t.network.listeners[t.Name]
	t.network.mu.Unlock()
	if l != nil {
		return l.Close()
	}
	return nil
}

func (t *MemTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
