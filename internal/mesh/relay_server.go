package mesh

import (
	"context"
	"fmt"
)

// RunRelay starts a dedicated hub. Unlike Start it never settles for the
// peripheral role: if another instance holds the hub identity it returns
// relay.ErrIdentityTaken.
func RunRelay(ctx context.Context, cfg Config) (*Node, error) {
	n, err := NewNode(cfg)
	if err != nil {
		return nil, err
	}
	if err := n.StartHub(ctx); err != nil {
		_ = n.Close()
		return nil, fmt.Errorf("claim hub identity: %w", err)
	}
	return n, nil
}
