package p2p

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// PeerDescriptor is a remote node as seen by discovery.
type PeerDescriptor struct {
	// ID is opaque and stable for the same peer across discovery passes.
	ID string `yaml:"id"`
	// Name is for display only and may be empty or duplicated.
	Name string `yaml:"name"`
	// Addr is the transport-dependent address used to reach the peer.
	Addr string `yaml:"addr"`
}

type PeerEventKind int

const (
	PeerAdded PeerEventKind = iota
	PeerUpdated
	PeerRemoved
)

func (k PeerEventKind) String() string {
	switch k {
	case PeerAdded:
		return "added"
	case PeerUpdated:
		return "updated"
	case PeerRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// PeerEvent is one step of a discovery pass.
type PeerEvent struct {
	Kind PeerEventKind
	Peer PeerDescriptor
}

// PeerIDFor derives a stable peer id from a transport address.
func PeerIDFor(addr string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(addr)).String()
}

// peerBook is the static list of known peers used by the socket transports
// for discovery and dial lookups.
type peerBook struct {
	mu    sync.RWMutex
	peers []PeerDescriptor
}

func newPeerBook(scheme string, peers []PeerDescriptor) *peerBook {
	b := &peerBook{peers: make([]PeerDescriptor, 0, len(peers))}
	for _, p := range peers {
		if p.ID == "" {
			p.ID = PeerIDFor(scheme + "://" + p.Addr)
		}
		b.peers = append(b.peers, p)
	}
	return b
}

func (b *peerBook) lookup(id string) (PeerDescriptor, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, p := range b.peers {
		if p.ID == id {
			return p, true
		}
	}
	return PeerDescriptor{}, false
}

// discover replays the book as a sequence of PeerAdded events.
func (b *peerBook) discover(ctx context.Context) <-chan PeerEvent {
	b.mu.RLock()
	peers := append([]PeerDescriptor(nil), b.peers...)
	b.mu.RUnlock()

	ch := make(chan PeerEvent)
	go func() {
		defer close(ch)
		for _, p := range peers {
			select {
			case ch <- PeerEvent{Kind: PeerAdded, Peer: p}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
