package discovery

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/betamos/zeroconf"
)

const (
	ServiceType = "_peerhub._udp"
	Domain      = "local."
)

// Default time a Resolve browses before giving up
const DefaultResolveTimeout = 2 * time.Second

// Peer is one advertised identity on the local network
type Peer struct {
	Name string
	Addr string
	Port int
}

// Advertisement publishes one identity until closed
type Advertisement struct {
	client *zeroconf.Client
	id     string
	port   int
}

// Advertise publishes id on port so peers on the LAN can resolve it
func Advertise(id string, port int) (*Advertisement, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("zeroconf: invalid port %d", port)
	}
	svcType := zeroconf.NewType(ServiceType)
	self := zeroconf.NewService(svcType, id, uint16(port))
	client, err := zeroconf.New().Publish(self).Open()
	if err != nil {
		return nil, fmt.Errorf("zeroconf: %w", err)
	}
	return &Advertisement{client: client, id: id, port: port}, nil
}

// Advertiser adapts Advertise to the transports' Advertise hook
func Advertiser(id string, port int) (io.Closer, error) {
	return Advertise(id, port)
}

// Close withdraws the advertisement
func (a *Advertisement) Close() error {
	if a.client != nil {
		return a.client.Close()
	}
	return nil
}

// Resolver looks identities up by browsing for advertisements. It satisfies
// transport.Directory.
type Resolver struct {
	Timeout time.Duration
}

// Resolve browses until an advertisement named id shows up or the timeout passes
func (r Resolver) Resolve(ctx context.Context, id string) (string, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	found := make(chan Peer, 1)
	client, err := zeroconf.New().
		Browse(func(e zeroconf.Event) {
			peer, ok := peerFromEvent(e)
			if !ok || peer.Name != id {
				return
			}
			select {
			case found <- peer:
			default:
			}
		}, zeroconf.NewType(ServiceType)).
		Open()
	if err != nil {
		return "", fmt.Errorf("zeroconf: %w", err)
	}
	defer client.Close()

	select {
	case p := <-found:
		return p.Addr, nil
	case <-ctx.Done():
		return "", fmt.Errorf("zeroconf: %s not found: %w", id, ctx.Err())
	}
}

func peerFromEvent(e zeroconf.Event) (Peer, bool) {
	var addrs []string
	for _, a := range e.Addrs {
		if a.IsValid() {
			addrs = append(addrs, net.JoinHostPort(a.String(), strconv.Itoa(int(e.Port))))
		}
	}
	if len(addrs) == 0 {
		return Peer{}, false
	}
	// prefer IPv4
	addr := addrs[0]
	for _, a := range addrs {
		if !strings.HasPrefix(a, "[") {
			addr = a
			break
		}
	}
	return Peer{Name: e.Name, Addr: addr, Port: int(e.Port)}, true
}
