package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/SWAI-Ltd/peerhub/internal/transport"
)

// State of a remote connection. Closed is terminal.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Conn is one peer relationship: Connecting -> Open -> Closed. A closed Conn
// never reopens; reconnecting creates a new Conn.
type Conn struct {
	peer    string
	inbound bool
	state   atomic.Int32
	ch      transport.Channel
	done    chan struct{}

	mu       sync.Mutex
	err      error
	openedAt time.Time
}

func newConn(peer string, inbound bool) *Conn {
	return &Conn{peer: peer, inbound: inbound, done: make(chan struct{})}
}

func (c *Conn) Peer() string  { return c.peer }
func (c *Conn) Inbound() bool { return c.inbound }
func (c *Conn) State() State  { return State(c.state.Load()) }

// Done is closed when the connection reaches Closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err is the reason the connection closed, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) OpenedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openedAt
}

func (c *Conn) open(ch transport.Channel) bool {
	c.mu.Lock()
	c.ch = ch
	c.openedAt = time.Now()
	c.mu.Unlock()
	return c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
}

// close moves the connection to Closed and releases the channel. Only the
// first call returns true.
func (c *Conn) close(err error) bool {
	prev := State(c.state.Swap(int32(StateClosed)))
	if prev == StateClosed {
		return false
	}
	c.mu.Lock()
	c.err = err
	ch := c.ch
	c.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
	close(c.done)
	return true
}

func (c *Conn) channel() transport.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch
}
