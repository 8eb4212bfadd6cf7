package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingDirectory struct{}

func (failingDirectory) Resolve(context.Context, string) (string, error) {
	return "", errors.New("lookup failed")
}

func TestStaticDirectory(t *testing.T) {
	d := StaticDirectory{"hub": "127.0.0.1:6121", "blank": ""}
	addr, err := d.Resolve(context.Background(), "hub")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6121", addr)

	_, err = d.Resolve(context.Background(), "blank")
	assert.Error(t, err)
}

func TestDirectoriesFallThrough(t *testing.T) {
	ds := Directories{nil, failingDirectory{}, StaticDirectory{"hub": "10.0.0.1:1"}}
	addr, err := ds.Resolve(context.Background(), "hub")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:1", addr)

	_, err = Directories{failingDirectory{}}.Resolve(context.Background(), "hub")
	assert.EqualError(t, err, "lookup failed")

	_, err = Directories{}.Resolve(context.Background(), "hub")
	assert.Error(t, err)
}

func TestPeerUnavailableError(t *testing.T) {
	cause := errors.New("dial timeout")
	err := error(&PeerUnavailableError{ID: "hub", Err: cause})
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsPeerUnavailable(err, "hub"))
	assert.Contains(t, err.Error(), "hub")
}
