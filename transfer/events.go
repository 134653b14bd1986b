package transfer

import (
	"sync"
	"time"

	"github.com/20af02/PairCopy/p2p"
)

type EventKind int

const (
	EventStatusChanged EventKind = iota
	EventDiscoveryComplete
	EventDiscoveryFailed
	EventUnitArrived
	EventUnitSent
)

func (k EventKind) String() string {
	switch k {
	case EventStatusChanged:
		return "status"
	case EventDiscoveryComplete:
		return "discovery-complete"
	case EventDiscoveryFailed:
		return "discovery-failed"
	case EventUnitArrived:
		return "unit-arrived"
	case EventUnitSent:
		return "unit-sent"
	default:
		return "unknown"
	}
}

// Status is the connection status carried by EventStatusChanged.
type Status int

const (
	StatusConnected Status = iota
	StatusDisconnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a notification from the engine. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind   EventKind
	Status Status
	Peer   p2p.PeerDescriptor
	Peers  []p2p.PeerDescriptor
	Unit   Unit
	Err    error
	At     time.Time
}

// notifier delivers events in order on its own goroutine so that the
// transfer loops never block on the subscriber.
type notifier struct {
	handler func(Event)

	mu      sync.Mutex
	cond    *sync.Cond
	pending []Event
	closed  bool
	done    chan struct{}
}

func newNotifier(handler func(Event)) *notifier {
	n := &notifier{handler: handler, done: make(chan struct{})}
	n.cond = sync.NewCond(&n.mu)
	if handler == nil {
		close(n.done)
		return n
	}
	go n.run()
	return n
}

func (n *notifier) emit(ev Event) {
	if n.handler == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	n.mu.Lock()
	if !n.closed {
		n.pending = append(n.pending, ev)
		n.cond.Signal()
	}
	n.mu.Unlock()
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		n.mu.Lock()
		for len(n.pending) == 0 && !n.closed {
			n.cond.Wait()
		}
		if len(n.pending) == 0 && n.closed {
			n.mu.Unlock()
			return
		}
		batch := n.pending
		n.pending = nil
		n.mu.Unlock()

		for _, ev := range batch {
			n.handler(ev)
		}
	}
}

// close flushes pending events and stops the dispatcher.
func (n *notifier) close() {
	n.mu.Lock()
	n.closed = true
	n.cond.Broadcast()
	n.mu.Unlock()
	<-n.done
}
