// Package transport defines the identity-addressed transport capability the
// relay consumes: an endpoint that owns one identity, and directed duplex
// channels between endpoints.
//
// Implementations:
//   - mem: in-process, used by tests and single-binary swarms
//   - quic: QUIC streams with a hello frame naming the dialer
//   - ws: websocket text frames behind an HTTP upgrade route
package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrIdentityTaken is returned by Open when the requested identity is
	// already owned by another endpoint.
	ErrIdentityTaken = errors.New("transport: identity already taken")
	// ErrClosed is returned by operations on a closed endpoint or channel.
	ErrClosed = errors.New("transport: closed")
)

// PeerUnavailableError reports that a directed connect found nobody holding ID.
type PeerUnavailableError struct {
	ID  string
	Err error
}

func (e *PeerUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: peer %s unavailable: %v", e.ID, e.Err)
	}
	return fmt.Sprintf("transport: peer %s unavailable", e.ID)
}

func (e *PeerUnavailableError) Unwrap() error { return e.Err }

// IsPeerUnavailable reports whether err is a PeerUnavailableError naming id.
func IsPeerUnavailable(err error, id string) bool {
	var pe *PeerUnavailableError
	return errors.As(err, &pe) && pe.ID == id
}

// Channel is a reliable, ordered duplex channel to one remote identity.
// Exactly one goroutine is expected to call Recv; Send is safe for concurrent use.
type Channel interface {
	// Peer is the remote identity.
	Peer() string
	// Send writes one payload; it fails immediately if the channel is closed.
	Send(payload []byte) error
	// Recv blocks for the next payload. Any error means the channel is done.
	Recv() ([]byte, error)
	Close() error
}

// Endpoint is the local addressable side of a transport, holding one identity.
type Endpoint interface {
	ID() string
	// Connect opens a channel to target. It returns a *PeerUnavailableError
	// when no endpoint holds target.
	Connect(ctx context.Context, target string) (Channel, error)
	// Listen registers the handler for accepted inbound channels. Channels
	// that arrive before Listen is called are held until it is.
	Listen(handler func(Channel))
	Close() error
}

// Transport opens endpoints.
type Transport interface {
	// Open claims requestedID, or a fresh neutral identity when it is empty.
	// It returns ErrIdentityTaken if requestedID is owned elsewhere.
	Open(ctx context.Context, requestedID string) (Endpoint, error)
}
