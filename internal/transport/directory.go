package transport

import (
	"context"
	"fmt"
)

// Directory resolves identities to dialable addresses.
type Directory interface {
	Resolve(ctx context.Context, id string) (string, error)
}

// StaticDirectory is a fixed identity -> address map.
type StaticDirectory map[string]string

func (d StaticDirectory) Resolve(_ context.Context, id string) (string, error) {
	if addr, ok := d[id]; ok && addr != "" {
		return addr, nil
	}
	return "", fmt.Errorf("transport: no address for %s", id)
}

// Directories tries each directory in order and returns the first hit.
type Directories []Directory

func (ds Directories) Resolve(ctx context.Context, id string) (string, error) {
	var lastErr error
	for _, d := range ds {
		if d == nil {
			continue
		}
		addr, err := d.Resolve(ctx, id)
		if err == nil {
			return addr, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("transport: no address for %s", id)
	}
	return "", lastErr
}
