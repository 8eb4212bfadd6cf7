// Package mesh assembles a peerhub node from its configuration: transport,
// relay service, metrics and the optional local feed.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/SWAI-Ltd/peerhub/internal/config"
	"github.com/SWAI-Ltd/peerhub/internal/feed"
	"github.com/SWAI-Ltd/peerhub/internal/observability"
	"github.com/SWAI-Ltd/peerhub/internal/proto"
	"github.com/SWAI-Ltd/peerhub/internal/proto/codec"
	"github.com/SWAI-Ltd/peerhub/internal/relay"
	"github.com/SWAI-Ltd/peerhub/internal/transport/mem"
)

// Node is one peerhub instance: hub or peripheral, decided by Start.
type Node struct {
	settings *config.Config
	log      *zap.Logger
	svc      *relay.Service
	feed     *feed.Store
	metrics  *observability.Metrics

	mu    sync.RWMutex
	onMsg func(proto.Inbound)
}

// Config for Node
type Config struct {
	// Settings is the loaded node configuration; config.Default() when nil.
	Settings *config.Config
	Logger   *zap.Logger
	// Network is the shared in-process network for transport kind mem.
	Network *mem.Network
	// OnMessage receives every inbound message after it was persisted.
	OnMessage func(proto.Inbound)
	// DisableMetrics skips Prometheus collection (tests, embedded use).
	DisableMetrics bool
	// Schedule overrides the reconnect timer.
	Schedule relay.ScheduleFunc
}

// NewNode wires a node without touching the network; call Start or
// StartHub to join the swarm.
func NewNode(cfg Config) (*Node, error) {
	settings := cfg.Settings
	if settings == nil {
		settings = config.Default()
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("node", settings.NodeID))

	tr, err := NewTransport(settings, cfg.Network, log)
	if err != nil {
		return nil, err
	}
	c, err := codec.Lookup(settings.Codec)
	if err != nil {
		return nil, err
	}

	n := &Node{settings: settings, log: log, onMsg: cfg.OnMessage}
	rc := relay.Config{
		HubID:     settings.HubID,
		Transport: tr,
		Codec:     c,
		Reconnect: settings.Backoff(),
		Logger:    log,
		Schedule:  cfg.Schedule,
	}
	if !cfg.DisableMetrics {
		n.metrics = observability.NewMetrics(settings.NodeID)
		rc.Metrics = n.metrics
	}

	if settings.Feed.Path != "" {
		if settings.Feed.Path != ":memory:" {
			if err := config.EnsureDir(settings.Feed.Path); err != nil {
				return nil, fmt.Errorf("feed dir: %w", err)
			}
		}
		n.feed, err = feed.Open(settings.Feed.Path, log)
		if err != nil {
			return nil, err
		}
	}

	n.svc, err = relay.New(rc)
	if err != nil {
		if n.feed != nil {
			_ = n.feed.Close()
		}
		return nil, err
	}
	n.svc.OnMessage(n.handle)
	return n, nil
}

// Start runs the election and returns the role this node ended up with.
func (n *Node) Start(ctx context.Context) (relay.Role, error) {
	role, err := n.svc.Elect(ctx)
	if err != nil {
		return role, err
	}
	n.log.Info("node started", zap.String("id", n.svc.ID()), zap.String("role", role.String()))
	return role, nil
}

// StartHub claims the hub identity or fails; it never falls back to
// peripheral.
func (n *Node) StartHub(ctx context.Context) error {
	if err := n.svc.ClaimHub(ctx); err != nil {
		return err
	}
	n.log.Info("node started", zap.String("id", n.svc.ID()), zap.String("role", relay.RoleHub.String()))
	return nil
}

// OnMessage replaces the application callback.
func (n *Node) OnMessage(f func(proto.Inbound)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onMsg = f
}

func (n *Node) handle(in proto.Inbound) {
	if n.feed != nil && in.Message != nil {
		if _, err := n.feed.Apply(context.Background(), *in.Message); err != nil {
			n.log.Warn("persist failed", zap.String("from", in.From), zap.Error(err))
		}
	}
	n.mu.RLock()
	f := n.onMsg
	n.mu.RUnlock()
	if f != nil {
		f(in)
	}
}

// Publish stores m in the local feed, then broadcasts it. A message that
// could not be sent for want of a hub connection is still kept locally
// and the relay error is returned.
func (n *Node) Publish(ctx context.Context, m proto.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if n.feed != nil {
		if _, err := n.feed.Apply(ctx, m); err != nil {
			return err
		}
	}
	return n.svc.Broadcast(m, "")
}

func (n *Node) ID() string               { return n.svc.ID() }
func (n *Node) Role() relay.Role         { return n.svc.Role() }
func (n *Node) Service() *relay.Service  { return n.svc }
func (n *Node) Settings() *config.Config { return n.settings }

// Feed is the local store, or nil when persistence is disabled.
func (n *Node) Feed() *feed.Store { return n.feed }

// Close leaves the swarm and closes the feed.
func (n *Node) Close() error {
	err := n.svc.Close()
	if n.feed != nil {
		err = errors.Join(err, n.feed.Close())
	}
	return err
}
