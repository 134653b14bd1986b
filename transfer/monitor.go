package transfer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// TickResult tells the scheduler whether the rest of its cycle should run.
type TickResult int

const (
	// TickOK means the connection (or listener) is healthy.
	TickOK TickResult = iota
	// TickReconnecting means this tick started a reconnect or relisten.
	TickReconnecting
	// TickPending means an earlier attempt is still in flight.
	TickPending
	// TickDown means there is nothing to drain and no policy to restart it.
	TickDown
)

func (r TickResult) String() string {
	switch r {
	case TickOK:
		return "ok"
	case TickReconnecting:
		return "reconnecting"
	case TickPending:
		return "pending"
	case TickDown:
		return "down"
	default:
		return "unknown"
	}
}

// Monitor is the health check driven by an external periodic scheduler.
// Clients with an auto-connect target are rediscovered and reconnected when
// their connection dies; servers get their listener restarted.
type Monitor struct {
	engine *Engine
	// AutoConnect is a peer id or display name. Empty disables reconnects.
	autoConnect string
	logger      *zap.Logger

	starting atomic.Bool
	wg       sync.WaitGroup
}

func NewMonitor(e *Engine, autoConnect string) *Monitor {
	return &Monitor{
		engine:      e,
		autoConnect: autoConnect,
		logger:      e.Logger.Named("monitor"),
	}
}

// Starting reports whether a reconnect attempt is in flight.
func (m *Monitor) Starting() bool { return m.starting.Load() }

// Tick runs one health check. A tick that starts a reconnect does nothing
// else; the attempt runs in the background and overlapping ticks are
// turned away until it finishes.
func (m *Monitor) Tick(ctx context.Context) TickResult {
	if m.engine.Role == RoleServer {
		return m.tickServer(ctx)
	}
	return m.tickClient(ctx)
}

func (m *Monitor) tickClient(ctx context.Context) TickResult {
	if m.engine.Alive() {
		return TickOK
	}
	if m.autoConnect == "" {
		return TickDown
	}
	if s := m.engine.State(); s == StateConnecting || s == StateDiscovering {
		return TickPending
	}
	if !m.starting.CompareAndSwap(false, true) {
		return TickPending
	}

	m.logger.Info("connection not alive, reconnecting", zap.String("target", m.autoConnect))
	m.engine.Disconnect()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.starting.Store(false)
		if err := m.reconnect(ctx); err != nil {
			m.logger.Warn("reconnect failed", zap.Error(err))
		}
	}()
	return TickReconnecting
}

func (m *Monitor) reconnect(ctx context.Context) error {
	if _, err := m.engine.Discover(ctx); err != nil {
		return err
	}
	peer, ok := m.engine.ResolvePeer(m.autoConnect)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, m.autoConnect)
	}
	return m.engine.Connect(ctx, peer.ID)
}

func (m *Monitor) tickServer(ctx context.Context) TickResult {
	if m.engine.Listening() {
		if m.engine.Alive() {
			return TickOK
		}
		return TickDown
	}
	if !m.starting.CompareAndSwap(false, true) {
		return TickPending
	}
	defer m.starting.Store(false)

	m.logger.Info("listener not running, restarting")
	m.engine.StopListening()
	if err := m.engine.Listen(ctx); err != nil {
		m.logger.Warn("restart listener failed", zap.Error(err))
	}
	return TickReconnecting
}

// Wait blocks until any in-flight reconnect attempt has finished.
func (m *Monitor) Wait() { m.wg.Wait() }
