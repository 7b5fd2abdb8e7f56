package room

import (
	"sync"

	"github.com/google/uuid"

	"hearth/internal/platform/metrics"
	"hearth/pkg/domain"
)

const defaultPeerBuffer = 64

// Peer is one connected sync client. Frames for it queue on Send; a peer
// whose queue is full is evicted and Evicted is closed.
type Peer struct {
	ID        string
	Principal domain.Principal

	send    chan []byte
	evicted chan struct{}
	once    sync.Once
}

func (p *Peer) Send() <-chan []byte { return p.send }

func (p *Peer) Evicted() <-chan struct{} { return p.evicted }

func (p *Peer) evict() {
	p.once.Do(func() { close(p.evicted) })
}

// Hub fans document deltas out to the peers of one room. Broadcast never
// blocks on a slow peer.
type Hub struct {
	room    string
	buffer  int
	metrics *metrics.Metrics

	mu    sync.RWMutex
	peers map[*Peer]struct{}
}

func NewHub(room string, buffer int, m *metrics.Metrics) *Hub {
	if buffer <= 0 {
		buffer = defaultPeerBuffer
	}
	return &Hub{room: room, buffer: buffer, metrics: m, peers: make(map[*Peer]struct{})}
}

// Join registers a peer for principal.
func (h *Hub) Join(principal domain.Principal) *Peer {
	p := &Peer{
		ID:        uuid.NewString(),
		Principal: principal,
		send:      make(chan []byte, h.buffer),
		evicted:   make(chan struct{}),
	}
	h.mu.Lock()
	h.peers[p] = struct{}{}
	h.mu.Unlock()
	h.metrics.AddActivePeers(h.room, 1)
	return p
}

// Leave unregisters p. It is safe to call after an eviction.
func (h *Hub) Leave(p *Peer) {
	h.mu.Lock()
	_, ok := h.peers[p]
	delete(h.peers, p)
	h.mu.Unlock()
	if ok {
		h.metrics.AddActivePeers(h.room, -1)
	}
}

// Broadcast queues frame for every peer except from, which may be nil.
func (h *Hub) Broadcast(frame []byte, from *Peer) {
	var slow []*Peer
	h.mu.RLock()
	for p := range h.peers {
		if p == from {
			continue
		}
		select {
		case p.send <- frame:
		default:
			slow = append(slow, p)
		}
	}
	h.mu.RUnlock()

	for _, p := range slow {
		h.Leave(p)
		p.evict()
		h.metrics.IncrementSlowPeerEvictions()
	}
}

// Len returns the number of connected peers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}
