// Package relay elects one instance of a swarm as hub and relays messages
// between it and every other (peripheral) instance.
//
// A Service owns the process-wide relay state: the local endpoint, its role
// and the connection registry. Peripherals hold exactly one connection, to
// the hub identity; the hub holds one per peripheral and fans every inbound
// message out to all others.
package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/SWAI-Ltd/peerhub/internal/proto"
	"github.com/SWAI-Ltd/peerhub/internal/proto/codec"
	"github.com/SWAI-Ltd/peerhub/internal/transport"
)

// DefaultHubID is the reserved rendezvous identity shared by every build.
const DefaultHubID = "234c0f7d-2f89-4870-aed7-35e1a90a41bb"

// Role of the local instance
type Role int

const (
	RolePeripheral Role = iota
	RoleHub
)

func (r Role) String() string {
	if r == RoleHub {
		return "hub"
	}
	return "peripheral"
}

// LocalEndpoint is an immutable snapshot of the local identity and role.
// Promotion replaces the whole value.
type LocalEndpoint struct {
	ID   string
	Role Role
	ep   transport.Endpoint
}

// Handler receives every inbound message exactly once.
type Handler func(proto.Inbound)

// Recorder receives relay metrics.
type Recorder interface {
	SetConnections(n int)
	Message(direction, kind string)
	DroppedSend()
	ReconnectAttempt(success bool)
	Elected(role string)
}

type nopRecorder struct{}

func (nopRecorder) SetConnections(int)     {}
func (nopRecorder) Message(string, string) {}
func (nopRecorder) DroppedSend()           {}
func (nopRecorder) ReconnectAttempt(bool)  {}
func (nopRecorder) Elected(string)         {}

// Config for a relay Service
type Config struct {
	// HubID is the reserved identity; DefaultHubID when empty.
	HubID     string
	Transport transport.Transport
	// Codec for structured messages; JSON when nil.
	Codec     codec.Codec
	Reconnect Backoff
	Logger    *zap.Logger
	Metrics   Recorder
	// Schedule overrides the reconnect timer (tests).
	Schedule ScheduleFunc
}

// Service is the relay: election, registry, routing and reconnection.
type Service struct {
	hubID     string
	transport transport.Transport
	codec     codec.Codec
	log       *zap.Logger
	rec       Recorder

	started  atomic.Bool
	local    atomic.Pointer[LocalEndpoint]
	registry *Registry
	sup      *Supervisor

	promoteMu sync.Mutex

	hmu     sync.RWMutex
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) (*Service, error) {
	if cfg.Transport == nil {
		return nil, errors.New("relay: transport required")
	}
	if cfg.HubID == "" {
		cfg.HubID = DefaultHubID
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.JSON()
	}
	if cfg.Reconnect.InitialDelay <= 0 {
		cfg.Reconnect = FixedBackoff(DefaultReconnectDelay)
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	var rec Recorder = nopRecorder{}
	if cfg.Metrics != nil {
		rec = cfg.Metrics
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		hubID:     cfg.HubID,
		transport: cfg.Transport,
		codec:     cfg.Codec,
		log:       log.Named("relay"),
		rec:       rec,
		registry:  NewRegistry(),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.sup = newSupervisor(cfg.Reconnect, cfg.Schedule, s.reattach, s.log, rec)
	return s, nil
}

// OnMessage installs the application handler, replacing any previous one.
func (s *Service) OnMessage(h Handler) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.handler = h
}

// Role returns the current role. Before Elect it is RolePeripheral.
func (s *Service) Role() Role {
	if l := s.local.Load(); l != nil {
		return l.Role
	}
	return RolePeripheral
}

// ID returns the local identity, or "" before Elect.
func (s *Service) ID() string {
	if l := s.local.Load(); l != nil {
		return l.ID
	}
	return ""
}

// HubID returns the reserved identity this service elects against.
func (s *Service) HubID() string { return s.hubID }

func (s *Service) ConnectionCount() int { return s.registry.Count() }

func (s *Service) ConnectedPeerIDs() []string { return s.registry.IDs() }

// Registry exposes the connection registry for inspection.
func (s *Service) Registry() *Registry { return s.registry }

// Close tears down the endpoint and every connection. A closed service
// does not reconnect.
func (s *Service) Close() error {
	s.sup.Stop()
	s.cancel()
	var err error
	if l := s.local.Load(); l != nil && l.ep != nil {
		err = l.ep.Close()
	}
	for _, e := range s.registry.All() {
		s.teardown(e.Conn, ErrClosed)
	}
	s.wg.Wait()
	return err
}

func (s *Service) closing() bool { return s.ctx.Err() != nil }
