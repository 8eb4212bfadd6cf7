package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/peerhub/internal/proto"
	"github.com/SWAI-Ltd/peerhub/internal/transport"
	"github.com/SWAI-Ltd/peerhub/internal/transport/mem"
)

func TestFirstInstanceBecomesHub(t *testing.T) {
	net := mem.NewNetwork()
	n := startNode(t, net)

	assert.Equal(t, RoleHub, n.Role())
	assert.Equal(t, DefaultHubID, n.ID())
	assert.True(t, net.Has(DefaultHubID))
	assert.Zero(t, n.ConnectionCount())
	assert.Zero(t, n.sched.len())
}

func TestSecondInstanceBecomesPeripheral(t *testing.T) {
	net := mem.NewNetwork()
	hub, peers := startSwarm(t, net, 1)
	p := peers[0]

	assert.NotEqual(t, DefaultHubID, p.ID())
	c, ok := p.Registry().Get(DefaultHubID)
	require.True(t, ok)
	assert.Equal(t, StateOpen, c.State())
	assert.Equal(t, []string{DefaultHubID}, p.ConnectedPeerIDs())
	assert.Equal(t, []string{p.ID()}, hub.ConnectedPeerIDs())

	// initialize handshake reaches the hub's application handler
	require.Eventually(t, func() bool {
		return hub.inbox.count(isPresence(proto.ActionInitialize, p.ID())) == 1
	}, waitFor, tick)
}

func TestConcurrentStartupElectsSingleHub(t *testing.T) {
	for round := 0; round < 20; round++ {
		net := mem.NewNetwork()
		nodes := []*node{newNode(t, net), newNode(t, net), newNode(t, net)}

		var wg sync.WaitGroup
		start := make(chan struct{})
		for _, n := range nodes {
			wg.Add(1)
			go func(n *node) {
				defer wg.Done()
				<-start
				_, err := n.Elect(context.Background())
				assert.NoError(t, err)
			}(n)
		}
		close(start)
		wg.Wait()

		hubs := 0
		var hub *node
		for _, n := range nodes {
			if n.Role() == RoleHub {
				hubs++
				hub = n
			}
		}
		require.Equal(t, 1, hubs, "round %d", round)
		for _, n := range nodes {
			if n == hub {
				continue
			}
			c, ok := n.Registry().Get(DefaultHubID)
			require.True(t, ok, "round %d: peripheral without hub connection", round)
			assert.Equal(t, StateOpen, c.State())
		}
		require.Eventually(t, func() bool { return hub.ConnectionCount() == len(nodes)-1 }, waitFor, tick)
	}
}

func TestHubFanOutExcludesSender(t *testing.T) {
	net := mem.NewNetwork()
	hub, peers := startSwarm(t, net, 3)
	a, b, c := peers[0], peers[1], peers[2]

	require.NoError(t, a.Broadcast(tweet("t1"), ""))

	require.Eventually(t, func() bool {
		return b.inbox.count(isTweet("t1")) == 1 && c.inbox.count(isTweet("t1")) == 1
	}, waitFor, tick)
	require.Eventually(t, func() bool { return hub.inbox.count(isTweet("t1")) == 1 }, waitFor, tick)

	// give a stray echo time to show up
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, a.inbox.count(isTweet("t1")))
	assert.Equal(t, 1, b.inbox.count(isTweet("t1")))
	assert.Equal(t, 1, c.inbox.count(isTweet("t1")))
}

func TestHubBroadcastHonorsExclude(t *testing.T) {
	net := mem.NewNetwork()
	hub, peers := startSwarm(t, net, 2)
	a, b := peers[0], peers[1]

	require.NoError(t, hub.Broadcast(tweet("h1"), a.ID()))

	require.Eventually(t, func() bool { return b.inbox.count(isTweet("h1")) == 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, a.inbox.count(isTweet("h1")))
	assert.Zero(t, hub.inbox.count(isTweet("h1")))
}

func TestPresenceNotices(t *testing.T) {
	net := mem.NewNetwork()
	hub, peers := startSwarm(t, net, 2)
	a, b := peers[0], peers[1]

	c := startNode(t, net)
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 3 }, waitFor, tick)

	joined := isPresence(proto.ActionPeerJoined, c.ID())
	require.Eventually(t, func() bool {
		return a.inbox.count(joined) == 1 && b.inbox.count(joined) == 1
	}, waitFor, tick)
	assert.Zero(t, c.inbox.count(joined))

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 2 }, waitFor, tick)

	left := isPresence(proto.ActionPeerLeft, c.ID())
	require.Eventually(t, func() bool {
		return a.inbox.count(left) == 1 && b.inbox.count(left) == 1
	}, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, a.inbox.count(joined))
	assert.Equal(t, 1, a.inbox.count(left))
	assert.Equal(t, 1, b.inbox.count(left))
}

func TestOpaquePayloadPassesThrough(t *testing.T) {
	net := mem.NewNetwork()
	hub, peers := startSwarm(t, net, 2)
	a, b := peers[0], peers[1]

	raw := []byte("not json {")
	hubConn, ok := a.Registry().Get(DefaultHubID)
	require.True(t, ok)
	require.NoError(t, a.Send(hubConn, raw))

	opaque := func(in proto.Inbound) bool { return in.Opaque() && string(in.Raw) == string(raw) }
	require.Eventually(t, func() bool { return b.inbox.count(opaque) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return hub.inbox.count(opaque) == 1 }, waitFor, tick)
	assert.Zero(t, a.inbox.count(opaque))
}

func TestSendRequiresOpenConnection(t *testing.T) {
	net := mem.NewNetwork()
	_, peers := startSwarm(t, net, 1)
	p := peers[0]

	c, ok := p.Registry().Get(DefaultHubID)
	require.True(t, ok)
	c.close(nil)

	err := p.Send(c, []byte("x"))
	assert.ErrorIs(t, err, ErrConnectionUnavailable)
	assert.ErrorIs(t, p.Send(nil, []byte("x")), ErrConnectionUnavailable)
	assert.ErrorIs(t, p.Send(newConn("someone", false), []byte("x")), ErrConnectionUnavailable)
}

func TestHubLossSchedulesSingleReconnect(t *testing.T) {
	net := mem.NewNetwork()
	hub, peers := startSwarm(t, net, 1)
	p := peers[0]

	require.NoError(t, hub.Close())
	require.Eventually(t, func() bool { return p.sched.len() == 1 }, waitFor, tick)
	assert.Equal(t, DefaultReconnectDelay, p.sched.delays[0])
	assert.Zero(t, p.ConnectionCount())
	assert.True(t, p.sup.Pending())

	// dropped while the retry is pending; never panics or queues
	err := p.Broadcast(tweet("lost"), "")
	assert.ErrorIs(t, err, ErrConnectionUnavailable)
	assert.ErrorIs(t, p.SendToHub(tweet("lost")), ErrConnectionUnavailable)
	assert.Equal(t, 1, p.sched.len())

	// a new hub appears before the timer fires
	hub2 := startNode(t, net)
	require.Equal(t, RoleHub, hub2.Role())

	p.sched.fire(0)
	assert.Equal(t, RolePeripheral, p.Role())
	c, ok := p.Registry().Get(DefaultHubID)
	require.True(t, ok)
	assert.Equal(t, StateOpen, c.State())
	assert.False(t, p.sup.Pending())
	assert.Equal(t, 1, p.sched.len())
	require.Eventually(t, func() bool { return hub2.ConnectionCount() == 1 }, waitFor, tick)
}

func TestReconnectPromotesWhenHubIsGone(t *testing.T) {
	net := mem.NewNetwork()
	hub, peers := startSwarm(t, net, 2)
	a, b := peers[0], peers[1]

	require.NoError(t, hub.Close())
	require.Eventually(t, func() bool { return a.sched.len() == 1 && b.sched.len() == 1 }, waitFor, tick)

	a.sched.fire(0)
	require.Equal(t, RoleHub, a.Role())
	assert.Equal(t, DefaultHubID, a.ID())
	assert.False(t, a.sup.Pending())

	b.sched.fire(0)
	require.Equal(t, RolePeripheral, b.Role())
	require.Eventually(t, func() bool { return a.ConnectionCount() == 1 }, waitFor, tick)

	require.NoError(t, b.Broadcast(tweet("after-failover"), ""))
	require.Eventually(t, func() bool { return a.inbox.count(isTweet("after-failover")) == 1 }, waitFor, tick)
}

func TestHubDoesNotReconnectToPeripherals(t *testing.T) {
	net := mem.NewNetwork()
	hub, peers := startSwarm(t, net, 1)

	require.NoError(t, peers[0].Close())
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 0 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, hub.sched.len())
}

func TestConnectToHubIsIdempotent(t *testing.T) {
	net := mem.NewNetwork()
	hub, peers := startSwarm(t, net, 1)
	p := peers[0]

	before, ok := p.Registry().Get(DefaultHubID)
	require.True(t, ok)

	require.NoError(t, p.ConnectToHub(context.Background()))

	after, ok := p.Registry().Get(DefaultHubID)
	require.True(t, ok)
	assert.Same(t, before, after)
	assert.Equal(t, 1, p.ConnectionCount())
	require.Never(t, func() bool { return hub.ConnectionCount() != 1 }, 50*time.Millisecond, tick)
	require.Eventually(t, func() bool {
		return hub.inbox.count(isPresence(proto.ActionInitialize, p.ID())) == 1
	}, waitFor, tick)

	// the hub itself never dials
	require.NoError(t, hub.ConnectToHub(context.Background()))
	assert.Equal(t, 1, hub.ConnectionCount())
}

func TestRegistryCountTracksOpenConnections(t *testing.T) {
	net := mem.NewNetwork()
	hub, peers := startSwarm(t, net, 4)

	require.NoError(t, peers[1].Close())
	require.NoError(t, peers[3].Close())
	extra := startNode(t, net)
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 3 }, waitFor, tick)

	for _, n := range []*node{hub, peers[0], peers[2], extra} {
		entries := n.Registry().All()
		assert.Equal(t, len(entries), n.ConnectionCount())
		seen := map[string]bool{}
		for _, e := range entries {
			assert.Equal(t, StateOpen, e.Conn.State())
			assert.False(t, seen[e.PeerID], "duplicate entry for %s", e.PeerID)
			seen[e.PeerID] = true
		}
	}
	assert.ElementsMatch(t, []string{peers[0].ID(), peers[2].ID(), extra.ID()}, hub.ConnectedPeerIDs())
}

func TestOnMessageReplacesHandler(t *testing.T) {
	net := mem.NewNetwork()
	hub, peers := startSwarm(t, net, 2)
	a, b := peers[0], peers[1]
	_ = hub

	second := &inbox{}
	b.OnMessage(second.handle)

	require.NoError(t, a.Broadcast(tweet("t2"), ""))
	require.Eventually(t, func() bool { return second.count(isTweet("t2")) == 1 }, waitFor, tick)
	assert.Zero(t, b.inbox.count(isTweet("t2")))
}

func TestBroadcastBeforeElect(t *testing.T) {
	n := newNode(t, mem.NewNetwork())
	assert.ErrorIs(t, n.Broadcast(tweet("x"), ""), ErrNotStarted)
	assert.ErrorIs(t, n.ConnectToHub(context.Background()), ErrNotStarted)
}

func TestBroadcastPrunesStaleEntries(t *testing.T) {
	net := mem.NewNetwork()
	hub, peers := startSwarm(t, net, 1)

	ghost := newConn("ghost", true)
	ghost.close(nil)
	hub.Registry().Upsert("ghost", ghost)
	require.Equal(t, 2, hub.ConnectionCount())

	require.NoError(t, hub.Broadcast(tweet("p1"), ""))
	assert.Equal(t, []string{peers[0].ID()}, hub.ConnectedPeerIDs())
	require.Eventually(t, func() bool { return peers[0].inbox.count(isTweet("p1")) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool {
		return peers[0].inbox.count(isPresence(proto.ActionPeerLeft, "ghost")) == 1
	}, waitFor, tick)
}

func TestClaimHub(t *testing.T) {
	net := mem.NewNetwork()
	dedicated := newNode(t, net)
	require.NoError(t, dedicated.ClaimHub(context.Background()))
	assert.Equal(t, RoleHub, dedicated.Role())
	assert.ErrorIs(t, dedicated.ClaimHub(context.Background()), ErrAlreadyStarted)

	rival := newNode(t, net)
	assert.ErrorIs(t, rival.ClaimHub(context.Background()), ErrIdentityTaken)

	p := startNode(t, net)
	assert.Equal(t, RolePeripheral, p.Role())
	require.Eventually(t, func() bool { return dedicated.ConnectionCount() == 1 }, waitFor, tick)

	_, err := p.Elect(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestConcurrentElectOnOneService(t *testing.T) {
	n := newNode(t, mem.NewNetwork())

	const callers = 8
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := n.Elect(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyStarted)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, RoleHub, n.Role())
}

// unreachableHub never answers on the hub identity and refuses every claim.
type unreachableHub struct{ *mem.Network }

func (u unreachableHub) Open(ctx context.Context, id string) (transport.Endpoint, error) {
	if id != "" {
		return nil, ErrIdentityTaken
	}
	ep, err := u.Network.Open(ctx, "")
	if err != nil {
		return nil, err
	}
	return unreachableEndpoint{ep}, nil
}

type unreachableEndpoint struct{ transport.Endpoint }

func (unreachableEndpoint) Connect(_ context.Context, target string) (transport.Channel, error) {
	return nil, &transport.PeerUnavailableError{ID: target}
}

type electionRecorder struct {
	nopRecorder
	mu    sync.Mutex
	roles []string
}

func (r *electionRecorder) Elected(role string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles = append(r.roles, role)
}

func (r *electionRecorder) elected() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.roles...)
}

func TestElectionRecordedOnlyOnSuccess(t *testing.T) {
	sched := &captureSchedule{}
	rec := &electionRecorder{}
	s, err := New(Config{Transport: unreachableHub{mem.NewNetwork()}, Schedule: sched.schedule, Metrics: rec})
	require.NoError(t, err)
	defer s.Close()

	role, err := s.Elect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RolePeripheral, role)
	assert.Empty(t, rec.elected())
	assert.Equal(t, 1, sched.len())

	net := mem.NewNetwork()
	hubRec := &electionRecorder{}
	hub, err := New(Config{Transport: net, Metrics: hubRec})
	require.NoError(t, err)
	defer hub.Close()
	_, err = hub.Elect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"hub"}, hubRec.elected())
}
