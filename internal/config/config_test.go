package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SWAI-Ltd/peerhub/internal/relay"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "peerhub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, relay.DefaultHubID, cfg.HubID)
	assert.Equal(t, 3*time.Second, cfg.Reconnect.Delay)
	assert.Equal(t, relay.FixedBackoff(3*time.Second), cfg.Backoff())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
node_id: laptop
codec: cbor
transport:
  kind: quic
  hub_addr: 192.168.1.10:7000
  hub_listen: :7000
  dial_timeout: 500ms
reconnect:
  delay: 1s
  multiplier: 2
  max_delay: 30s
  jitter: true
feed:
  path: /tmp/feed.db
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "laptop", cfg.NodeID)
	assert.Equal(t, relay.DefaultHubID, cfg.HubID)
	assert.Equal(t, "cbor", cfg.Codec)
	assert.Equal(t, "quic", cfg.Transport.Kind)
	assert.Equal(t, "192.168.1.10:7000", cfg.Transport.HubAddr)
	assert.Equal(t, 500*time.Millisecond, cfg.Transport.DialTimeout)
	assert.Equal(t, relay.Backoff{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second, Jitter: true}, cfg.Backoff())
	assert.Equal(t, "/tmp/feed.db", cfg.Feed.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
	// untouched keys keep their defaults
	assert.Equal(t, []string{"stdout"}, cfg.Log.Outputs)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "transport:\n  kind: quic\n")
	t.Setenv("PEERHUB_TRANSPORT_KIND", "mem")
	t.Setenv("PEERHUB_HUB_ID", "custom-hub")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mem", cfg.Transport.Kind)
	assert.Equal(t, "custom-hub", cfg.HubID)
}

func TestLoadGeneratorKeyFromEnv(t *testing.T) {
	path := writeConfig(t, "generator:\n  enable: true\n  max_tokens: 80\n")
	t.Setenv("PEERHUB_GENERATOR_API_KEY", "k-123")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Generator.Enable)
	assert.Equal(t, "k-123", cfg.Generator.APIKey)
	assert.Equal(t, 80, cfg.Generator.MaxTokens)
	assert.Equal(t, "llama-3.3-70b-versatile", cfg.Generator.Model)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"default", func(*Config) {}, true},
		{"mem needs no addresses", func(c *Config) { c.Transport = TransportConfig{Kind: "mem"} }, true},
		{"discovery replaces hub_addr", func(c *Config) { c.Transport.HubAddr = ""; c.Discovery.Enable = true }, true},
		{"missing hub id", func(c *Config) { c.HubID = " " }, false},
		{"unknown kind", func(c *Config) { c.Transport.Kind = "carrier-pigeon" }, false},
		{"missing hub addr", func(c *Config) { c.Transport.HubAddr = "" }, false},
		{"missing hub listen", func(c *Config) { c.Transport.HubListen = "" }, false},
		{"unknown codec", func(c *Config) { c.Codec = "xml" }, false},
		{"cbor over quic", func(c *Config) { c.Codec = "cbor" }, true},
		{"json over ws", func(c *Config) { c.Transport.Kind = "ws"; c.Codec = "json" }, true},
		{"cbor over ws", func(c *Config) { c.Transport.Kind = "ws"; c.Codec = "cbor" }, false},
		{"generator with defaults", func(c *Config) { c.Generator.Enable = true }, true},
		{"generator without model", func(c *Config) { c.Generator.Enable = true; c.Generator.Model = "" }, false},
		{"zero delay", func(c *Config) { c.Reconnect.Delay = 0 }, false},
		{"shrinking multiplier", func(c *Config) { c.Reconnect.Multiplier = 0.5 }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestEnsureDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "feed.db")
	require.NoError(t, EnsureDir(path))
	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.NoError(t, EnsureDir("feed.db"))
}
