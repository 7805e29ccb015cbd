package sfu

import (
	"sync"
	"time"
)

// Room pairs a router with the peers currently in the call.
type Room struct {
	id        string
	router    *Router
	createdAt time.Time

	mu    sync.RWMutex
	peers map[string]*Peer
}

func newRoom(id string, router *Router) *Room {
	return &Room{
		id:        id,
		router:    router,
		createdAt: time.Now().UTC(),
		peers:     make(map[string]*Peer),
	}
}

// ID returns the room id (shared with the chat room).
func (r *Room) ID() string { return r.id }

// Router returns the room's media router.
func (r *Room) Router() *Router { return r.router }

func (r *Room) addPeer(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.id] = p
}

func (r *Room) peer(sessionID string) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[sessionID]
}

func (r *Room) peerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	return ids
}

// PeerCount returns the number of peers currently in the room.
func (r *Room) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// ProducingPeerCount returns how many peers own at least one producer. The
// recording trigger fires when this reaches two.
func (r *Room) ProducingPeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, p := range r.peers {
		if len(p.producerSnapshot()) > 0 {
			n++
		}
	}
	return n
}

// Producers returns an atomic snapshot of every producer in the room.
func (r *Room) Producers() []*Producer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Producer
	for _, p := range r.peers {
		out = append(out, p.producerSnapshot()...)
	}
	return out
}

// findTransport searches every peer in the room, per the connect contract:
// the id alone identifies the transport.
func (r *Room) findTransport(id string) *Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.peers {
		if t := p.transportByID(id); t != nil {
			return t
		}
	}
	return nil
}

// findProducer returns a producer and its owning peer.
func (r *Room) findProducer(id string) (*Producer, *Peer) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.peers {
		for _, prod := range p.producerSnapshot() {
			if prod.id == id {
				return prod, p
			}
		}
	}
	return nil, nil
}

// removePeer detaches and closes a peer, cascading closure to consumers in
// other peers that were fed by its producers. Returns nil if absent.
func (r *Room) removePeer(sessionID string) *Peer {
	r.mu.Lock()
	p, ok := r.peers[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.peers, sessionID)
	others := make([]*Peer, 0, len(r.peers))
	for _, other := range r.peers {
		others = append(others, other)
	}
	r.mu.Unlock()

	closingProducers := make(map[string]bool)
	for _, prod := range p.producerSnapshot() {
		closingProducers[prod.id] = true
	}
	p.close()
	for _, other := range others {
		other.closeConsumersOf(closingProducers)
	}
	return p
}

func (r *Room) empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers) == 0
}
