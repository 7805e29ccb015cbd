package sfu

import "sync"

// Peer is one session's media presence in a room: at most one transport per
// direction plus the producers and consumers hanging off them.
type Peer struct {
	id       string // session id
	username string

	mu        sync.Mutex
	caps      *RTPCapabilities
	send      *Transport
	recv      *Transport
	producers map[string]*Producer
	consumers map[string]*Consumer
}

func newPeer(sessionID, username string) *Peer {
	return &Peer{
		id:        sessionID,
		username:  username,
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}
}

// ID returns the peer's session id.
func (p *Peer) ID() string { return p.id }

// Username returns the display name attributed to the peer's streams.
func (p *Peer) Username() string { return p.username }

func (p *Peer) setCapabilities(caps RTPCapabilities) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.caps = &caps
}

func (p *Peer) capabilities() *RTPCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.caps
}

// setTransport stores a transport under its direction, replacing (and
// closing) any previous one.
func (p *Peer) setTransport(t *Transport) {
	p.mu.Lock()
	var old *Transport
	if t.direction == DirectionSend {
		old, p.send = p.send, t
	} else {
		old, p.recv = p.recv, t
	}
	p.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

func (p *Peer) transportByID(id string) *Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.send != nil && p.send.id == id {
		return p.send
	}
	if p.recv != nil && p.recv.id == id {
		return p.recv
	}
	return nil
}

func (p *Peer) recvTransport() *Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recv
}

func (p *Peer) addProducer(prod *Producer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.producers[prod.id] = prod
}

func (p *Peer) addConsumer(cons *Consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumers[cons.id] = cons
}

func (p *Peer) producerSnapshot() []*Producer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Producer, 0, len(p.producers))
	for _, prod := range p.producers {
		out = append(out, prod)
	}
	return out
}

func (p *Peer) consumerByID(id string) *Consumer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consumers[id]
}

// closeConsumersOf closes and removes any consumer bound to one of the given
// producer ids. Used when a producing peer leaves.
func (p *Peer) closeConsumersOf(producerIDs map[string]bool) {
	p.mu.Lock()
	var closing []*Consumer
	for id, cons := range p.consumers {
		if producerIDs[cons.producerID] {
			closing = append(closing, cons)
			delete(p.consumers, id)
		}
	}
	p.mu.Unlock()
	for _, cons := range closing {
		cons.Close()
	}
}

// close tears the peer down in dependency order: consumers, producers,
// transports.
func (p *Peer) close() {
	p.mu.Lock()
	consumers := p.consumers
	producers := p.producers
	send, recv := p.send, p.recv
	p.consumers = make(map[string]*Consumer)
	p.producers = make(map[string]*Producer)
	p.send, p.recv = nil, nil
	p.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	for _, prod := range producers {
		prod.Close()
	}
	if send != nil {
		send.Close()
	}
	if recv != nil {
		recv.Close()
	}
}
