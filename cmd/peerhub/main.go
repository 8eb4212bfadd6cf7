// peerhub runs one swarm member. The first instance to start becomes the hub;
// later ones connect to it and every message is relayed to all others.
// Usage: go run ./cmd/peerhub -config peerhub.yaml [-post "hello"] [-prompt "topic"]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/SWAI-Ltd/peerhub/client"
	"github.com/SWAI-Ltd/peerhub/internal/config"
	"github.com/SWAI-Ltd/peerhub/internal/observability"
	"github.com/SWAI-Ltd/peerhub/internal/proto"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file (default: ./peerhub.yaml if present)")
	post := flag.String("post", "", "publish one tweet with this content after joining")
	prompt := flag.String("prompt", "", "prompt attached to the tweet; without -post the generator writes the content")
	user := flag.String("user", "", "user name stamped on posted tweets")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
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

	name := *user
	if name == "" {
		name = cfg.NodeID
	}
	c, err := client.New(ctx, client.Config{Settings: cfg, User: name, Logger: logger})
	if err != nil {
		logger.Error("failed to start node", zap.Error(err))
		os.Exit(1)
	}
	defer c.Close()
	logger.Info("joined swarm", zap.String("id", c.ID()), zap.String("role", c.Role().String()))

	if *post != "" || *prompt != "" {
		t, err := c.PostTweet(ctx, *post, *prompt)
		if err != nil {
			logger.Warn("post not relayed", zap.String("tweet", t.ID), zap.Error(err))
		} else {
			logger.Info("posted", zap.String("tweet", t.ID))
		}
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case in, ok := <-c.Messages():
			if !ok {
				return
			}
			logMessage(logger, in)
		}
	}
}

func logMessage(log *zap.Logger, in proto.Inbound) {
	switch in.Variant {
	case proto.VariantTweet:
		log.Info("tweet", zap.String("from", in.From), zap.String("id", in.Message.Tweet.ID),
			zap.String("content", in.Message.Tweet.Content), zap.String("action", in.Message.Action))
	case proto.VariantComment:
		log.Info("comment", zap.String("from", in.From), zap.String("tweet", in.Message.Comment.TweetID),
			zap.String("content", in.Message.Comment.Content))
	case proto.VariantSystem:
		log.Info("system", zap.String("action", in.Message.Action), zap.String("peer", in.Message.PeerID))
	default:
		log.Info("opaque payload", zap.String("from", in.From), zap.Int("bytes", len(in.Raw)))
	}
}
