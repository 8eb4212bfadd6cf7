// peerhub-relay runs a dedicated hub. It exits non-zero when another instance
// already holds the hub identity.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/SWAI-Ltd/peerhub/internal/config"
	"github.com/SWAI-Ltd/peerhub/internal/mesh"
	"github.com/SWAI-Ltd/peerhub/internal/observability"
	"github.com/SWAI-Ltd/peerhub/internal/proto"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file")
	listen := flag.String("listen", "", "override transport.hub_listen")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Transport.HubListen = *listen
	}
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Addr != "" {
		srv := observability.ServeMetrics(cfg.Metrics.Addr, logger)
		defer srv.Close()
	}

	node, err := mesh.RunRelay(ctx, mesh.Config{
		Settings: cfg,
		Logger:   logger,
		OnMessage: func(in proto.Inbound) {
			logger.Debug("relayed", zap.String("from", in.From), zap.String("kind", in.Variant.String()))
		},
	})
	if err != nil {
		logger.Error("failed to start relay", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("relay listening", zap.String("addr", cfg.Transport.HubListen), zap.String("hub", node.ID()))

	<-ctx.Done()
	logger.Info("relay shutting down")
	_ = node.Close()
}
