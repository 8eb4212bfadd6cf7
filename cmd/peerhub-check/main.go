// peerhub-check is a validation CLI: it joins the swarm and classifies every
// incoming message as structured (tweet, comment, system) or opaque.
// Usage: go run ./cmd/peerhub-check -config peerhub.yaml [-duration 30s]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SWAI-Ltd/peerhub/client"
	"github.com/SWAI-Ltd/peerhub/internal/config"
	"github.com/SWAI-Ltd/peerhub/internal/proto"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file")
	duration := flag.Duration("duration", 0, "stop after this long (0 runs until interrupted)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg.NodeID = "peerhub-check"
	// never persist what is being checked
	cfg.Feed.Path = ""

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	c, err := client.New(ctx, client.Config{Settings: cfg, MessageBuffer: 256, DisableMetrics: true})
	if err != nil {
		log.Fatalf("connect failed: %v", err)
	}
	defer c.Close()
	fmt.Printf("Joined as %s (%s). Waiting for messages.\n", c.ID(), c.Role())

	counts := map[proto.Variant]int{}
	for {
		select {
		case <-ctx.Done():
			report(os.Stdout, counts)
			return
		case in, ok := <-c.Messages():
			if !ok {
				report(os.Stdout, counts)
				return
			}
			counts[in.Variant]++
			ts := time.Now().Format("15:04:05")
			if in.Opaque() {
				fmt.Printf("[%s] OPAQUE %s: %d bytes %q\n", ts, in.From, len(in.Raw), preview(in.Raw))
			} else {
				fmt.Printf("[%s] OK     %s: %s %s\n", ts, in.From, in.Variant, string(in.Raw))
			}
		}
	}
}

func report(w *os.File, counts map[proto.Variant]int) {
	structured := counts[proto.VariantTweet] + counts[proto.VariantComment] + counts[proto.VariantSystem]
	fmt.Fprintf(w, "\nDone. Structured: %d (tweet %d, comment %d, system %d), Opaque: %d\n",
		structured, counts[proto.VariantTweet], counts[proto.VariantComment], counts[proto.VariantSystem],
		counts[proto.VariantOpaque])
}

func preview(b []byte) []byte {
	if len(b) > 64 {
		return b[:64]
	}
	return b
}
