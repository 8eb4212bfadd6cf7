// Package mem is an in-process transport. Identities are claimed atomically
// within one Network, which makes it the reference transport for tests.
package mem

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/SWAI-Ltd/peerhub/internal/transport"
)

// Network is one isolated identity namespace.
type Network struct {
	mu        sync.Mutex
	endpoints map[string]*endpoint
}

func NewNetwork() *Network {
	return &Network{endpoints: make(map[string]*endpoint)}
}

// Open claims requestedID, or a random UUID when it is empty.
func (n *Network) Open(ctx context.Context, requestedID string) (transport.Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := requestedID
	if id == "" {
		id = uuid.NewString()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.endpoints[id]; ok {
		return nil, transport.ErrIdentityTaken
	}
	ep := &endpoint{id: id, net: n, chans: make(map[*channel]struct{})}
	n.endpoints[id] = ep
	return ep, nil
}

// Kill closes the endpoint holding id together with every channel it owns,
// as if the process behind it had died. It reports whether id was held.
func (n *Network) Kill(id string) bool {
	n.mu.Lock()
	ep := n.endpoints[id]
	n.mu.Unlock()
	if ep == nil {
		return false
	}
	_ = ep.Close()
	return true
}

// Has reports whether some endpoint currently holds id.
func (n *Network) Has(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.endpoints[id]
	return ok
}

func (n *Network) lookup(id string) *endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.endpoints[id]
}

func (n *Network) release(ep *endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.endpoints[ep.id] == ep {
		delete(n.endpoints, ep.id)
	}
}

type endpoint struct {
	id  string
	net *Network

	mu      sync.Mutex
	closed  bool
	handler func(transport.Channel)
	pending []*channel
	chans   map[*channel]struct{}
}

func (e *endpoint) ID() string { return e.id }

func (e *endpoint) Connect(ctx context.Context, target string) (transport.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, transport.ErrClosed
	}
	remote := e.net.lookup(target)
	if remote == nil {
		return nil, &transport.PeerUnavailableError{ID: target}
	}
	p := newPipe()
	local := &channel{p: p, side: 0, peer: target, owner: e}
	accepted := &channel{p: p, side: 1, peer: e.id, owner: remote}
	if !remote.accept(accepted) {
		return nil, &transport.PeerUnavailableError{ID: target}
	}
	if !e.track(local) {
		p.close()
		return nil, transport.ErrClosed
	}
	return local, nil
}

func (e *endpoint) accept(c *channel) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.chans[c] = struct{}{}
	if e.handler != nil {
		go e.handler(c)
	} else {
		e.pending = append(e.pending, c)
	}
	return true
}

func (e *endpoint) track(c *channel) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.chans[c] = struct{}{}
	return true
}

func (e *endpoint) untrack(c *channel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.chans, c)
}

func (e *endpoint) Listen(handler func(transport.Channel)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
	if handler == nil {
		return
	}
	for _, c := range e.pending {
		go handler(c)
	}
	e.pending = nil
}

func (e *endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	chans := make([]*channel, 0, len(e.chans))
	for c := range e.chans {
		chans = append(chans, c)
	}
	e.chans = nil
	e.pending = nil
	e.mu.Unlock()

	e.net.release(e)
	for _, c := range chans {
		c.p.close()
	}
	return nil
}

// pipe carries payloads in both directions; q[s] is the inbox of side s.
type pipe struct {
	mu     sync.Mutex
	closed bool
	q      [2][][]byte
	notify [2]chan struct{}
}

func newPipe() *pipe {
	return &pipe{notify: [2]chan struct{}{make(chan struct{}, 1), make(chan struct{}, 1)}}
}

func (p *pipe) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	for _, ch := range p.notify {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

type channel struct {
	p     *pipe
	side  int
	peer  string
	owner *endpoint
}

func (c *channel) Peer() string { return c.peer }

func (c *channel) Send(payload []byte) error {
	other := 1 - c.side
	buf := append([]byte(nil), payload...)
	c.p.mu.Lock()
	if c.p.closed {
		c.p.mu.Unlock()
		return transport.ErrClosed
	}
	c.p.q[other] = append(c.p.q[other], buf)
	c.p.mu.Unlock()
	select {
	case c.p.notify[other] <- struct{}{}:
	default:
	}
	return nil
}

// Recv drains payloads queued before a close, then reports ErrClosed.
func (c *channel) Recv() ([]byte, error) {
	for {
		c.p.mu.Lock()
		if q := c.p.q[c.side]; len(q) > 0 {
			b := q[0]
			c.p.q[c.side] = q[1:]
			c.p.mu.Unlock()
			return b, nil
		}
		closed := c.p.closed
		c.p.mu.Unlock()
		if closed {
			c.owner.untrack(c)
			return nil, transport.ErrClosed
		}
		<-c.p.notify[c.side]
	}
}

func (c *channel) Close() error {
	c.p.close()
	c.owner.untrack(c)
	return nil
}
