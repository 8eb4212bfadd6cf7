package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/peerhub/internal/proto"
	"github.com/SWAI-Ltd/peerhub/internal/transport"
	"github.com/SWAI-Ltd/peerhub/internal/transport/mem"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// inbox records everything a node's handler receives.
type inbox struct {
	mu   sync.Mutex
	msgs []proto.Inbound
}

func (b *inbox) handle(in proto.Inbound) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, in)
}

func (b *inbox) count(match func(proto.Inbound) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.msgs {
		if match(m) {
			n++
		}
	}
	return n
}

func isTweet(id string) func(proto.Inbound) bool {
	return func(in proto.Inbound) bool {
		return in.Variant == proto.VariantTweet && in.Message.Tweet.ID == id
	}
}

func isPresence(action, peer string) func(proto.Inbound) bool {
	return func(in proto.Inbound) bool {
		return in.Variant == proto.VariantSystem && in.Message.Action == action && in.Message.PeerID == peer
	}
}

// captureSchedule records reconnect timers instead of arming them.
type captureSchedule struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

func (c *captureSchedule) schedule(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delays = append(c.delays, d)
	c.fns = append(c.fns, f)
	return func() bool { return true }
}

func (c *captureSchedule) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fns)
}

func (c *captureSchedule) fire(i int) {
	c.mu.Lock()
	f := c.fns[i]
	c.mu.Unlock()
	f()
}

type node struct {
	*Service
	inbox *inbox
	sched *captureSchedule
}

func newNode(t *testing.T, tr transport.Transport) *node {
	t.Helper()
	sched := &captureSchedule{}
	s, err := New(Config{Transport: tr, Schedule: sched.schedule})
	require.NoError(t, err)
	n := &node{Service: s, inbox: &inbox{}, sched: sched}
	s.OnMessage(n.inbox.handle)
	t.Cleanup(func() { _ = s.Close() })
	return n
}

func startNode(t *testing.T, tr transport.Transport) *node {
	t.Helper()
	n := newNode(t, tr)
	_, err := n.Elect(context.Background())
	require.NoError(t, err)
	return n
}

// startSwarm starts a hub followed by count peripherals, waiting until the
// hub has registered every one of them.
func startSwarm(t *testing.T, net *mem.Network, count int) (*node, []*node) {
	t.Helper()
	hub := startNode(t, net)
	require.Equal(t, RoleHub, hub.Role())
	peers := make([]*node, 0, count)
	for i := 0; i < count; i++ {
		p := startNode(t, net)
		require.Equal(t, RolePeripheral, p.Role())
		peers = append(peers, p)
		want := i + 1
		require.Eventually(t, func() bool { return hub.ConnectionCount() == want }, waitFor, tick)
	}
	return hub, peers
}

func tweet(id string) proto.Message {
	return proto.NewTweetMessage("", proto.Tweet{ID: id, Content: "hello " + id})
}
