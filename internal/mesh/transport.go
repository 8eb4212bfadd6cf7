package mesh

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/SWAI-Ltd/peerhub/internal/config"
	"github.com/SWAI-Ltd/peerhub/internal/discovery"
	"github.com/SWAI-Ltd/peerhub/internal/transport"
	"github.com/SWAI-Ltd/peerhub/internal/transport/mem"
	"github.com/SWAI-Ltd/peerhub/internal/transport/quic"
	"github.com/SWAI-Ltd/peerhub/internal/transport/ws"
)

// NewTransport builds the transport named by cfg.Transport.Kind. The mem
// kind joins network, which must be shared by every node of the swarm.
func NewTransport(cfg *config.Config, network *mem.Network, log *zap.Logger) (transport.Transport, error) {
	switch cfg.Transport.Kind {
	case "mem":
		if network == nil {
			return nil, fmt.Errorf("mesh: transport kind mem needs a shared network")
		}
		return network, nil
	case "quic":
		return quic.New(quic.Config{
			HubID:       cfg.HubID,
			ListenAddr:  cfg.Transport.HubListen,
			Directory:   directory(cfg),
			DialTimeout: cfg.Transport.DialTimeout,
			Advertise:   advertiser(cfg),
			Logger:      log,
		}), nil
	case "ws":
		return ws.New(ws.Config{
			HubID:       cfg.HubID,
			ListenAddr:  cfg.Transport.HubListen,
			Directory:   directory(cfg),
			DialTimeout: cfg.Transport.DialTimeout,
			Advertise:   advertiser(cfg),
			Logger:      log,
		}), nil
	default:
		return nil, fmt.Errorf("mesh: unknown transport kind %q", cfg.Transport.Kind)
	}
}

// directory resolves the hub from the configured address first, then mDNS.
func directory(cfg *config.Config) transport.Directory {
	ds := transport.Directories{}
	if cfg.Transport.HubAddr != "" {
		ds = append(ds, transport.StaticDirectory{cfg.HubID: cfg.Transport.HubAddr})
	}
	if cfg.Discovery.Enable {
		ds = append(ds, discovery.Resolver{Timeout: cfg.Discovery.Timeout})
	}
	return ds
}

func advertiser(cfg *config.Config) func(string, int) (io.Closer, error) {
	if !cfg.Discovery.Enable {
		return nil
	}
	return discovery.Advertiser
}
