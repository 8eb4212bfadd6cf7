package relay

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/SWAI-Ltd/peerhub/internal/proto"
	"github.com/SWAI-Ltd/peerhub/internal/transport"
)

// acceptInbound is the hub's listener for peripherals dialing in.
func (s *Service) acceptInbound(ch transport.Channel) {
	if s.Role() != RoleHub || s.closing() {
		_ = ch.Close()
		return
	}
	c := newConn(ch.Peer(), true)
	c.open(ch)
	s.register(c)
	s.log.Info("peer joined", zap.String("peer", c.Peer()), zap.Int("peers", s.registry.Count()))
	s.notify(proto.ActionPeerJoined, c.Peer(), c.Peer())
}

// serve pumps one connection until its channel fails.
func (s *Service) serve(c *Conn) {
	ch := c.channel()
	for {
		payload, err := ch.Recv()
		if err != nil {
			s.teardown(c, err)
			return
		}
		if c.State() != StateOpen {
			s.teardown(c, c.Err())
			return
		}
		s.handleData(c, payload)
	}
}

// handleData normalizes an arrival, relays it when this is the hub, then
// hands it to the application.
func (s *Service) handleData(c *Conn, payload []byte) {
	in := proto.Decode(s.codec, c.Peer(), payload)
	s.rec.Message("in", in.Variant.String())
	if in.Opaque() {
		s.log.Debug("opaque payload", zap.String("peer", c.Peer()), zap.Int("bytes", len(payload)))
	}
	if s.Role() == RoleHub && s.registry.Holds(c.Peer(), c) {
		n := s.fanOut(in.Raw, c.Peer())
		s.rec.Message("relayed", in.Variant.String())
		s.log.Debug("relayed", zap.String("from", c.Peer()), zap.String("kind", in.Variant.String()), zap.Int("peers", n))
	}
	s.deliver(in)
}

func (s *Service) deliver(in proto.Inbound) {
	s.hmu.RLock()
	h := s.handler
	s.hmu.RUnlock()
	if h != nil {
		h(in)
	}
}

// teardown closes c and, if it still owned its registry key, removes it and
// runs the role's follow-up exactly once: a peerLeft notice on the hub, a reconnect on a
// peripheral that lost the hub.
func (s *Service) teardown(c *Conn, err error) {
	c.close(err)
	if !s.registry.RemoveConn(c.Peer(), c) {
		return
	}
	s.rec.SetConnections(s.registry.Count())
	if s.closing() {
		return
	}
	switch {
	case c.Inbound() && s.Role() == RoleHub:
		s.log.Info("peer left", zap.String("peer", c.Peer()), zap.NamedError("reason", err))
		s.notify(proto.ActionPeerLeft, c.Peer(), "")
	case !c.Inbound() && c.Peer() == s.hubID && s.Role() == RolePeripheral:
		s.log.Warn("hub connection lost", zap.NamedError("reason", err))
		s.sup.Schedule()
	}
}

// notify fans a presence notice about peerID out to every peer but exclude.
func (s *Service) notify(action, peerID, exclude string) {
	payload, err := proto.Encode(s.codec, proto.NewSystemMessage(action, peerID))
	if err != nil {
		s.log.Error("encode presence notice", zap.Error(err))
		return
	}
	s.fanOut(payload, exclude)
}

// fanOut sends payload to every registered peer except exclude and returns
// how many sends succeeded. Entries that are no longer open, or whose send
// fails, are dropped.
func (s *Service) fanOut(payload []byte, exclude string) int {
	n := 0
	for _, e := range s.registry.All() {
		if exclude != "" && e.PeerID == exclude {
			continue
		}
		if e.Conn.State() != StateOpen {
			s.log.Debug("pruning stale entry", zap.String("peer", e.PeerID))
			s.teardown(e.Conn, ErrConnectionUnavailable)
			continue
		}
		if err := s.Send(e.Conn, payload); err == nil {
			n++
		}
	}
	return n
}

// Send writes payload on c. It fails with ErrConnectionUnavailable unless c
// is open; a transport failure tears c down. Nothing is queued or retried.
func (s *Service) Send(c *Conn, payload []byte) error {
	if c == nil || c.State() != StateOpen {
		s.rec.DroppedSend()
		return ErrConnectionUnavailable
	}
	if err := c.channel().Send(payload); err != nil {
		s.rec.DroppedSend()
		s.log.Warn("send failed, dropping peer", zap.String("peer", c.Peer()), zap.Error(err))
		s.teardown(c, err)
		return fmt.Errorf("%w: %v", ErrConnectionUnavailable, err)
	}
	s.rec.Message("out", "frame")
	return nil
}

// Broadcast sends m to the swarm. A peripheral forwards it to the hub, which
// fans it out (exclude is ignored there); the hub sends it to every peer but
// excludePeerID. With no hub connection the message is dropped and
// ErrConnectionUnavailable returned.
func (s *Service) Broadcast(m proto.Message, excludePeerID string) error {
	local := s.local.Load()
	if local == nil {
		return ErrNotStarted
	}
	payload, err := proto.Encode(s.codec, m)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if local.Role == RolePeripheral {
		return s.sendToHub(payload)
	}
	n := s.fanOut(payload, excludePeerID)
	s.log.Debug("broadcast", zap.String("type", m.Type), zap.Int("peers", n))
	return nil
}

// SendToHub sends m over the hub connection only.
func (s *Service) SendToHub(m proto.Message) error {
	payload, err := proto.Encode(s.codec, m)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return s.sendToHub(payload)
}

func (s *Service) sendToHub(payload []byte) error {
	c, ok := s.registry.Get(s.hubID)
	if !ok || s.Role() == RoleHub {
		s.rec.DroppedSend()
		s.log.Debug("no hub connection, message dropped")
		return ErrConnectionUnavailable
	}
	return s.Send(c, payload)
}

// IsUnavailable reports whether err means a message was dropped for want of
// a connection.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrConnectionUnavailable)
}
