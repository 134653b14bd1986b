package transfer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/20af02/PairCopy/p2p"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrUnknownPeer  = errors.New("peer not among discovered peers")
	ErrWrongRole    = errors.New("operation not available for this role")
	ErrEngineClosed = errors.New("engine closed")
)

const (
	DefaultSendInterval = time.Second
	DefaultPollInterval = 500 * time.Millisecond
)

type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "client":
		return RoleClient, nil
	case "server":
		return RoleServer, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

type State int

const (
	StateIdle State = iota
	StateDiscovering
	StateConnecting
	StateListening
	StateConnected
	StateDisconnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

type EngineOpts struct {
	Role      Role
	Frame     FrameKind
	ServiceID string
	Transport p2p.Transport
	// SendInterval is the send loop's queue poll period.
	SendInterval time.Duration
	// PollInterval bounds how long a blocked read or write goes without
	// checking for a stop request.
	PollInterval time.Duration
	Archive      ArchiveFunc
	// OnEvent receives notifications on a dedicated goroutine, in order.
	OnEvent func(Event)
	Logger  *zap.Logger
}

// Engine is the connection state machine for one role. It owns at most one
// Connection at a time.
type Engine struct {
	EngineOpts
	codec  Codec
	events *notifier

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	peers    map[string]p2p.PeerDescriptor
	conn     *Connection
	listener p2p.Listener
	closed   bool
}

func NewEngine(opts EngineOpts) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SendInterval <= 0 {
		opts.SendInterval = DefaultSendInterval
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	opts.Logger = opts.Logger.With(zap.String("role", opts.Role.String()))

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		EngineOpts: opts,
		codec:      NewCodec(opts.Frame),
		events:     newNotifier(opts.OnEvent),
		ctx:        ctx,
		cancel:     cancel,
		peers:      make(map[string]p2p.PeerDescriptor),
	}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	if e.state != s {
		e.Logger.Debug("state change", zap.Stringer("from", e.state), zap.Stringer("to", s))
		e.state = s
	}
}

// Discover enumerates peers through the transport, blocking until the
// transport reports enumeration complete. The result replaces the known
// peer list and is sorted by id.
func (e *Engine) Discover(ctx context.Context) ([]p2p.PeerDescriptor, error) {
	if e.Role != RoleClient {
		return nil, ErrWrongRole
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	prev := e.state
	if prev != StateConnected {
		e.setState(StateDiscovering)
	}
	e.mu.Unlock()

	found, err := e.enumerate(ctx)

	e.mu.Lock()
	if e.state == StateDiscovering {
		e.setState(StateIdle)
	}
	if err == nil {
		e.peers = found
	}
	e.mu.Unlock()

	if err != nil {
		e.Logger.Error("discovery failed", zap.Error(err))
		e.events.emit(Event{Kind: EventDiscoveryFailed, Err: err})
		return nil, err
	}

	peers := sortedPeers(found)
	for _, p := range peers {
		e.Logger.Info("discovered peer", zap.String("id", p.ID), zap.String("name", p.Name))
	}
	e.events.emit(Event{Kind: EventDiscoveryComplete, Peers: peers})
	return peers, nil
}

func (e *Engine) enumerate(ctx context.Context) (map[string]p2p.PeerDescriptor, error) {
	ch, err := e.Transport.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}

	found := make(map[string]p2p.PeerDescriptor)
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("discover: %w", ctx.Err())
		case ev, ok := <-ch:
			if !ok {
				return found, nil
			}
			switch ev.Kind {
			case p2p.PeerAdded:
				if _, dup := found[ev.Peer.ID]; dup {
					continue
				}
				if ev.Peer.Name == "" {
					e.Logger.Info("skipping unnamed peer", zap.String("id", ev.Peer.ID))
					continue
				}
				found[ev.Peer.ID] = ev.Peer
			case p2p.PeerUpdated:
				if _, known := found[ev.Peer.ID]; known {
					found[ev.Peer.ID] = ev.Peer
				}
			case p2p.PeerRemoved:
				delete(found, ev.Peer.ID)
			}
		}
	}
}

// Peers returns the result of the last discovery pass, sorted by id.
func (e *Engine) Peers() []p2p.PeerDescriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return sortedPeers(e.peers)
}

// ResolvePeer finds a discovered peer by id, or failing that by display name.
func (e *Engine) ResolvePeer(idOrName string) (p2p.PeerDescriptor, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.peers[idOrName]; ok {
		return p, true
	}
	for _, p := range sortedPeers(e.peers) {
		if p.Name == idOrName {
			return p, true
		}
	}
	return p2p.PeerDescriptor{}, false
}

// Connect tears down any current connection and dials the given peer. A
// dial failure moves the engine to StateError and is also reported as a
// StatusError event.
func (e *Engine) Connect(ctx context.Context, peerID string) error {
	if e.Role != RoleClient {
		return ErrWrongRole
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	peer, ok := e.peers[peerID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	old := e.conn
	e.mu.Unlock()

	if old != nil {
		e.release(old, nil)
	}

	e.mu.Lock()
	e.setState(StateConnecting)
	e.mu.Unlock()

	e.Logger.Info("connecting", zap.String("peer", peer.ID), zap.String("name", peer.Name))
	s, err := e.Transport.Dial(ctx, peer.ID)
	if err != nil {
		err = fmt.Errorf("connect %s: %w", peer.ID, err)
		e.Logger.Error("connection failed", zap.Error(err))
		e.mu.Lock()
		e.setState(StateError)
		e.mu.Unlock()
		e.events.emit(Event{Kind: EventStatusChanged, Status: StatusError, Peer: peer, Err: err})
		return err
	}

	return e.attach(s, peer)
}

// Listen starts accepting inbound connections. The listener outlives any
// single connection; every accepted stream replaces the current one.
func (e *Engine) Listen(ctx context.Context) error {
	if e.Role != RoleServer {
		return ErrWrongRole
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if e.listener != nil {
		return nil
	}

	l, err := e.Transport.Listen(e.ctx, e.ServiceID)
	if err != nil {
		err = fmt.Errorf("listen: %w", err)
		e.Logger.Error("listen failed", zap.Error(err))
		e.setState(StateError)
		e.events.emit(Event{Kind: EventStatusChanged, Status: StatusError, Err: err})
		return err
	}
	e.listener = l
	if e.conn == nil {
		e.setState(StateListening)
	}
	e.Logger.Info("listening", zap.String("addr", l.Addr()), zap.String("service", e.ServiceID))

	go e.acceptLoop(l)
	return nil
}

func (e *Engine) acceptLoop(l p2p.Listener) {
	for {
		s, peer, err := l.Accept(e.ctx)
		if err != nil {
			e.mu.Lock()
			if e.listener == l {
				e.listener = nil
				if e.state == StateListening {
					e.setState(StateIdle)
				}
			}
			e.mu.Unlock()
			if !errors.Is(err, p2p.ErrListenerClosed) && !errors.Is(err, context.Canceled) {
				e.Logger.Error("accept failed", zap.Error(err))
			}
			return
		}

		e.Logger.Info("client connected", zap.String("peer", peer.ID), zap.String("addr", peer.Addr))
		e.mu.Lock()
		old := e.conn
		e.mu.Unlock()
		if old != nil {
			e.release(old, nil)
		}
		if err := e.attach(s, peer); err != nil {
			e.Logger.Warn("dropping inbound connection", zap.Error(err))
		}
	}
}

// Listening reports whether the server's listener is up.
func (e *Engine) Listening() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listener != nil
}

// StopListening closes the listener without touching the current connection.
func (e *Engine) StopListening() {
	e.mu.Lock()
	l := e.listener
	e.listener = nil
	if e.state == StateListening {
		e.setState(StateIdle)
	}
	e.mu.Unlock()

	if l != nil {
		if err := l.Close(); err != nil {
			e.Logger.Warn("release listener", zap.Error(err))
		}
	}
}

// attach wraps s in a new Connection, announces it and starts its loops.
// Any connection it replaces is released first.
func (e *Engine) attach(s p2p.Stream, peer p2p.PeerDescriptor) error {
	conn := newConnection(e.ctx, s, peer, connOpts{
		codec:        e.codec,
		sendInterval: e.SendInterval,
		pollInterval: e.PollInterval,
		logger:       e.Logger,
		onSent:       e.unitSent(peer),
		onRecv:       e.unitArrived(peer),
	})

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		s.Close()
		return ErrEngineClosed
	}
	displaced := e.conn
	e.conn = conn
	e.setState(StateConnected)
	e.mu.Unlock()

	// An overlapping connect may have installed its own connection while
	// this one was dialing. Only one may survive.
	if displaced != nil {
		e.release(displaced, nil)
	}
	e.mu.Lock()
	if e.conn == conn {
		e.events.emit(Event{Kind: EventStatusChanged, Status: StatusConnected, Peer: peer})
	}
	e.mu.Unlock()

	conn.start()
	go e.watch(conn)
	e.Logger.Info("connected", zap.String("peer", peer.ID))
	return nil
}

func (e *Engine) watch(c *Connection) {
	<-c.exited()
	e.release(c, c.Err())
}

// release tears c down and reports the disconnect exactly once, whichever
// of Disconnect, a replacing connection or a dying loop gets here first.
func (e *Engine) release(c *Connection, cause error) {
	e.mu.Lock()
	if e.conn == c {
		e.conn = nil
		e.setState(StateDisconnected)
	}
	e.mu.Unlock()

	c.Close()

	c.reported.Do(func() {
		if cause == nil {
			cause = c.Err()
		}
		e.Logger.Info("disconnected", zap.String("peer", c.peer.ID), zap.Error(cause))
		e.events.emit(Event{Kind: EventStatusChanged, Status: StatusDisconnected, Peer: c.peer, Err: cause})
	})
}

// Disconnect releases the current connection. It is idempotent.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	c := e.conn
	if c == nil && e.state == StateError {
		e.setState(StateDisconnected)
	}
	e.mu.Unlock()

	if c != nil {
		e.release(c, nil)
	}
}

// Alive reports whether a connection exists and both of its loops run.
func (e *Engine) Alive() bool {
	e.mu.Lock()
	c := e.conn
	e.mu.Unlock()
	return c != nil && c.Alive()
}

// Peer returns the peer of the current connection.
func (e *Engine) Peer() (p2p.PeerDescriptor, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return p2p.PeerDescriptor{}, false
	}
	return e.conn.peer, true
}

// Send queues u for the current connection. Only caller-input problems and
// the absence of a connection are reported.
func (e *Engine) Send(u Unit) error {
	if err := e.codec.Validate(u); err != nil {
		return err
	}
	e.mu.Lock()
	c := e.conn
	e.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	c.outgoing.Enqueue(u)
	return nil
}

// Receive drains every unit that arrived on the current connection.
func (e *Engine) Receive() []Unit {
	e.mu.Lock()
	c := e.conn
	e.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.incoming.Drain()
}

// Pending returns how many units wait in the outgoing queue.
func (e *Engine) Pending() int {
	e.mu.Lock()
	c := e.conn
	e.mu.Unlock()
	if c == nil {
		return 0
	}
	return c.outgoing.Len()
}

// Close stops listening, releases the connection and flushes notifications.
// It must not be called from inside OnEvent.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.StopListening()
	e.Disconnect()
	e.cancel()
	e.events.close()
}

func (e *Engine) unitSent(peer p2p.PeerDescriptor) func(Unit) {
	return func(u Unit) {
		e.archive(DirSend, u)
		e.events.emit(Event{Kind: EventUnitSent, Peer: peer, Unit: u})
	}
}

func (e *Engine) unitArrived(peer p2p.PeerDescriptor) func(Unit) {
	return func(u Unit) {
		e.archive(DirRecv, u)
		e.events.emit(Event{Kind: EventUnitArrived, Peer: peer, Unit: u})
	}
}

func (e *Engine) archive(dir Direction, u Unit) {
	if e.Archive == nil {
		return
	}
	if err := e.Archive(dir, u); err != nil {
		e.Logger.Warn("archive failed", zap.Stringer("dir", dir), zap.String("unit", u.Name), zap.Error(err))
	}
}

func sortedPeers(m map[string]p2p.PeerDescriptor) []p2p.PeerDescriptor {
	out := make([]p2p.PeerDescriptor, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
