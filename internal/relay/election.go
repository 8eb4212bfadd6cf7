package relay

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/SWAI-Ltd/peerhub/internal/proto"
	"github.com/SWAI-Ltd/peerhub/internal/transport"
)

// Elect opens a neutral endpoint and settles the local role: peripheral if
// the hub identity answers, hub if it does not and this instance wins the
// claim on it. Only a failure to open any endpoint is returned as an error;
// a peripheral that cannot reach the hub keeps retrying in the background.
func (s *Service) Elect(ctx context.Context) (Role, error) {
	if s.closing() {
		return RolePeripheral, ErrClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return s.Role(), ErrAlreadyStarted
	}
	ep, err := s.transport.Open(ctx, "")
	if err != nil {
		s.started.Store(false)
		return RolePeripheral, fmt.Errorf("open endpoint: %w", err)
	}
	s.local.Store(&LocalEndpoint{ID: ep.ID(), Role: RolePeripheral, ep: ep})
	s.log.Debug("endpoint opened", zap.String("id", ep.ID()))

	role, err := s.attach(ctx)
	if err != nil {
		if s.local.Load() == nil {
			s.started.Store(false)
			return role, err
		}
		s.log.Warn("hub unreachable, retrying in background", zap.Error(err))
		s.sup.Schedule()
		return role, nil
	}
	s.rec.Elected(role.String())
	s.log.Info("role elected", zap.String("role", role.String()), zap.String("id", s.ID()))
	return role, nil
}

// attach connects to the hub, or claims the hub identity when nobody holds
// it. The claim is tried once per call.
func (s *Service) attach(ctx context.Context) (Role, error) {
	err := s.ConnectToHub(ctx)
	if err == nil {
		return s.Role(), nil
	}
	if !transport.IsPeerUnavailable(err, s.hubID) {
		return RolePeripheral, err
	}
	s.log.Info("hub not found, claiming hub identity", zap.String("hub", s.hubID))
	err = s.promote(ctx)
	if err == nil {
		return RoleHub, nil
	}
	if !errors.Is(err, transport.ErrIdentityTaken) {
		return RolePeripheral, err
	}
	s.log.Info("hub identity already claimed, connecting as peripheral")
	return RolePeripheral, s.ConnectToHub(ctx)
}

// reattach is the supervisor's attempt: the same procedure as election.
func (s *Service) reattach() error {
	if s.closing() {
		return nil
	}
	_, err := s.attach(s.ctx)
	return err
}

// promote swaps the neutral endpoint for one holding the hub identity. On a
// lost claim a fresh neutral endpoint is installed instead.
func (s *Service) promote(ctx context.Context) error {
	s.promoteMu.Lock()
	defer s.promoteMu.Unlock()

	cur := s.local.Load()
	if cur.Role == RoleHub {
		return nil
	}
	_ = cur.ep.Close()

	ep, err := s.transport.Open(ctx, s.hubID)
	if err != nil {
		neutral, nerr := s.transport.Open(ctx, "")
		if nerr != nil {
			s.local.Store(nil)
			return fmt.Errorf("reopen endpoint after failed claim: %w", nerr)
		}
		s.local.Store(&LocalEndpoint{ID: neutral.ID(), Role: RolePeripheral, ep: neutral})
		return err
	}
	s.local.Store(&LocalEndpoint{ID: ep.ID(), Role: RoleHub, ep: ep})
	s.sup.Stop()
	for _, e := range s.registry.All() {
		s.teardown(e.Conn, errors.New("endpoint replaced"))
	}
	ep.Listen(s.acceptInbound)
	s.log.Info("running as hub", zap.String("id", ep.ID()))
	return nil
}

// ConnectToHub dials the hub identity and registers the connection under
// it. It is a no-op for the hub itself and while an open hub entry exists.
func (s *Service) ConnectToHub(ctx context.Context) error {
	local := s.local.Load()
	if local == nil {
		return ErrNotStarted
	}
	if local.Role == RoleHub {
		return nil
	}
	if c, ok := s.registry.Get(s.hubID); ok && c.State() == StateOpen {
		return nil
	}

	c := newConn(s.hubID, false)
	ch, err := local.ep.Connect(ctx, s.hubID)
	if err != nil {
		c.close(err)
		return err
	}
	c.open(ch)
	s.register(c)
	s.log.Info("connected to hub", zap.String("hub", s.hubID), zap.String("id", local.ID))

	if err := s.SendToHub(proto.NewSystemMessage(proto.ActionInitialize, local.ID)); err != nil {
		s.log.Debug("initialize not sent", zap.Error(err))
	}
	return nil
}

// register upserts c and starts its receive loop. A replaced entry is
// closed without side effects since it no longer owns its key.
func (s *Service) register(c *Conn) {
	if s.closing() {
		c.close(ErrClosed)
		return
	}
	if prev := s.registry.Upsert(c.Peer(), c); prev != nil && prev != c {
		s.log.Debug("replacing connection", zap.String("peer", c.Peer()))
		prev.close(errors.New("replaced"))
	}
	s.rec.SetConnections(s.registry.Count())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serve(c)
	}()
}

// ClaimHub opens the hub identity directly, skipping the neutral endpoint.
// It is for dedicated hubs and fails with ErrIdentityTaken when another
// instance already holds the identity.
func (s *Service) ClaimHub(ctx context.Context) error {
	if s.closing() {
		return ErrClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	ep, err := s.transport.Open(ctx, s.hubID)
	if err != nil {
		s.started.Store(false)
		return err
	}
	s.local.Store(&LocalEndpoint{ID: ep.ID(), Role: RoleHub, ep: ep})
	s.rec.Elected(RoleHub.String())
	ep.Listen(s.acceptInbound)
	s.log.Info("running as dedicated hub", zap.String("id", ep.ID()))
	return nil
}
