package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOwnsAddr(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name   string
		listen string
		dial   string
		want   bool
	}{
		{"same address", "127.0.0.1:7000", "127.0.0.1:7000", true},
		{"wildcard with loopback dial", ":7000", "127.0.0.1:7000", true},
		{"unspecified with loopback dial", "0.0.0.0:7000", "127.0.0.1:7000", true},
		{"other port on same host", "127.0.0.1:7001", "127.0.0.1:7000", false},
		{"explicit host mismatch", "127.0.0.1:7000", "127.0.0.2:7000", false},
		{"wildcard with foreign dial", ":7000", "192.0.2.10:7000", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := OwnsAddr(ctx, tc.listen, tc.dial)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := OwnsAddr(ctx, "no-port", "127.0.0.1:7000")
	assert.Error(t, err)
}

func TestCheckClaim(t *testing.T) {
	ctx := context.Background()
	dir := StaticDirectory{"hub": "127.0.0.1:7000"}

	assert.NoError(t, CheckClaim(ctx, dir, "hub", "127.0.0.1:7000"))
	assert.ErrorIs(t, CheckClaim(ctx, dir, "hub", "127.0.0.1:7001"), ErrIdentityTaken)
	// unresolvable identities and missing directories carry no holder
	assert.NoError(t, CheckClaim(ctx, dir, "other", "127.0.0.1:7001"))
	assert.NoError(t, CheckClaim(ctx, nil, "hub", "127.0.0.1:7001"))
}
