package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/luciancaetano/simwatch"
)

var (
	// ErrRegistryClosed is returned by Add once CloseAll has run.
	ErrRegistryClosed = errors.New("registry closed")
	// ErrDuplicatePeer is returned by Add for an id already present.
	ErrDuplicatePeer = errors.New("peer already registered")
)

// Peer is the part of a connection the registry and broadcaster need.
type Peer interface {
	ID() string
	WriteFrame(frame []byte) error
	CloseWithCode(ctx context.Context, code int, reason string) error
}

// Registry is the set of OPEN connections. It is safe for concurrent use; readers
// iterate over Peers, a copy taken under the lock, never over the live map.
type Registry struct {
	mu     sync.RWMutex
	peers  map[string]Peer
	closed bool
}

// NewRegistry creates an empty registry. Each server run owns its own.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]Peer)}
}

// Add registers p.
func (r *Registry) Add(p Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	if _, ok := r.peers[p.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePeer, p.ID())
	}
	r.peers[p.ID()] = p
	return nil
}

// Remove unregisters id and reports whether it was present. Removing an absent id
// is a no-op, so concurrent failure paths may race on it safely.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[id]; !ok {
		return false
	}
	delete(r.peers, id)
	return true
}

// Get returns the peer registered under id.
func (r *Registry) Get(id string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.peers[id]
	return p, ok
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Peers returns a snapshot of the registered peers.
func (r *Registry) Peers() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// CloseAll empties the registry, refuses further Adds and closes every peer that
// was registered with the going-away status. It returns how many peers were closed.
func (r *Registry) CloseAll(ctx context.Context) int {
	r.mu.Lock()
	r.closed = true
	peers := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.peers = make(map[string]Peer)
	r.mu.Unlock()

	for _, p := range peers {
		_ = p.CloseWithCode(ctx, simwatch.CloseGoingAway, "server shutting down")
	}
	return len(peers)
}
