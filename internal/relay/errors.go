package relay

import (
	"errors"

	"github.com/SWAI-Ltd/peerhub/internal/transport"
)

var (
	// ErrConnectionUnavailable is returned when a send targets an absent or
	// non-open connection. The message is dropped.
	ErrConnectionUnavailable = errors.New("relay: connection unavailable")
	// ErrIdentityTaken aliases the transport's claim failure so callers of
	// this package need not import transport.
	ErrIdentityTaken  = transport.ErrIdentityTaken
	ErrNotStarted     = errors.New("relay: not started")
	ErrAlreadyStarted = errors.New("relay: already started")
	ErrClosed         = errors.New("relay: closed")
)
