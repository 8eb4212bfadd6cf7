// Package config provides YAML-based configuration loading for peerhub nodes.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/SWAI-Ltd/peerhub/internal/generate"
	"github.com/SWAI-Ltd/peerhub/internal/proto/codec"
	"github.com/SWAI-Ltd/peerhub/internal/relay"
)

// Config is the root node configuration.
type Config struct {
	// NodeID is a human-readable label used in logs and metrics; the
	// relay identity itself is assigned by the transport.
	NodeID string `mapstructure:"node_id"`

	// HubID is the reserved rendezvous identity. Every instance of a swarm
	// must use the same value.
	HubID string `mapstructure:"hub_id"`

	// Codec names the wire encoding for structured messages: json or cbor.
	Codec string `mapstructure:"codec"`

	Transport TransportConfig `mapstructure:"transport"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Generator GeneratorConfig `mapstructure:"generator"`
	Log       LogConfig       `mapstructure:"log"`
}

// TransportConfig selects and parameterizes the transport.
type TransportConfig struct {
	// Kind: quic, ws or mem
	Kind string `mapstructure:"kind"`
	// HubAddr is where peripherals dial the hub (e.g. localhost:6121)
	HubAddr string `mapstructure:"hub_addr"`
	// HubListen is what the hub binds when it claims the identity (e.g. :6121)
	HubListen   string        `mapstructure:"hub_listen"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// ReconnectConfig controls the peripheral's hub reconnection timer.
// Multiplier 1 and no jitter keep a fixed interval.
type ReconnectConfig struct {
	Delay      time.Duration `mapstructure:"delay"`
	Multiplier float64       `mapstructure:"multiplier"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Jitter     bool          `mapstructure:"jitter"`
}

// DiscoveryConfig toggles mDNS advertisement and lookup of the hub.
type DiscoveryConfig struct {
	Enable  bool          `mapstructure:"enable"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// FeedConfig points at the local sqlite feed; empty disables persistence.
type FeedConfig struct {
	Path string `mapstructure:"path"`
}

// MetricsConfig exposes Prometheus metrics on Addr when set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// GeneratorConfig points at a chat-completions endpoint that writes tweet
// content from a prompt. The key usually comes from PEERHUB_GENERATOR_API_KEY.
type GeneratorConfig struct {
	Enable      bool          `mapstructure:"enable"`
	Endpoint    string        `mapstructure:"endpoint"`
	Model       string        `mapstructure:"model"`
	APIKey      string        `mapstructure:"api_key"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `mapstructure:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		NodeID: "peerhub-node",
		HubID:  relay.DefaultHubID,
		Codec:  "json",
		Transport: TransportConfig{
			Kind:        "quic",
			HubAddr:     "localhost:6121",
			HubListen:   ":6121",
			DialTimeout: 2 * time.Second,
		},
		Reconnect: ReconnectConfig{
			Delay:      relay.DefaultReconnectDelay,
			Multiplier: 1,
		},
		Discovery: DiscoveryConfig{Enable: false, Timeout: 2 * time.Second},
		Generator: GeneratorConfig{
			Endpoint:    generate.DefaultEndpoint,
			Model:       generate.DefaultModel,
			Temperature: generate.DefaultTemperature,
			MaxTokens:   generate.DefaultMaxTokens,
			Timeout:     generate.DefaultTimeout,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise searches
// ./peerhub.yaml and ./config/peerhub.yaml. Environment variables use the
// prefix PEERHUB with `.`/`-` replaced by `_`, e.g. PEERHUB_TRANSPORT_KIND=ws.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PEERHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("node_id", cfg.NodeID)
	v.SetDefault("hub_id", cfg.HubID)
	v.SetDefault("codec", cfg.Codec)
	v.SetDefault("transport.kind", cfg.Transport.Kind)
	v.SetDefault("transport.hub_addr", cfg.Transport.HubAddr)
	v.SetDefault("transport.hub_listen", cfg.Transport.HubListen)
	v.SetDefault("transport.dial_timeout", cfg.Transport.DialTimeout)
	v.SetDefault("reconnect.delay", cfg.Reconnect.Delay)
	v.SetDefault("reconnect.multiplier", cfg.Reconnect.Multiplier)
	v.SetDefault("reconnect.max_delay", cfg.Reconnect.MaxDelay)
	v.SetDefault("reconnect.jitter", cfg.Reconnect.Jitter)
	v.SetDefault("discovery.enable", cfg.Discovery.Enable)
	v.SetDefault("discovery.timeout", cfg.Discovery.Timeout)
	v.SetDefault("feed.path", cfg.Feed.Path)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)
	v.SetDefault("generator.enable", cfg.Generator.Enable)
	v.SetDefault("generator.endpoint", cfg.Generator.Endpoint)
	v.SetDefault("generator.model", cfg.Generator.Model)
	v.SetDefault("generator.api_key", cfg.Generator.APIKey)
	v.SetDefault("generator.temperature", cfg.Generator.Temperature)
	v.SetDefault("generator.max_tokens", cfg.Generator.MaxTokens)
	v.SetDefault("generator.timeout", cfg.Generator.Timeout)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("peerhub")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(".", "config"))
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if !errors.As(err, &nf) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields a node cannot start without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.HubID) == "" {
		return errors.New("config: hub_id required")
	}
	switch c.Transport.Kind {
	case "quic", "ws":
		if strings.TrimSpace(c.Transport.HubAddr) == "" && !c.Discovery.Enable {
			return errors.New("config: transport.hub_addr required unless discovery is enabled")
		}
		if strings.TrimSpace(c.Transport.HubListen) == "" {
			return errors.New("config: transport.hub_listen required")
		}
	case "mem":
	default:
		return fmt.Errorf("config: unknown transport kind %q", c.Transport.Kind)
	}
	cd, err := codec.Lookup(c.Codec)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	// ws carries text frames only
	if c.Transport.Kind == "ws" && !codec.IsText(cd) {
		return fmt.Errorf("config: codec %q cannot be carried over ws text frames", cd.Name())
	}
	if c.Reconnect.Delay <= 0 {
		return errors.New("config: reconnect.delay must be positive")
	}
	if c.Reconnect.Multiplier != 0 && c.Reconnect.Multiplier < 1 {
		return errors.New("config: reconnect.multiplier must be >= 1")
	}
	if c.Generator.Enable && (strings.TrimSpace(c.Generator.Endpoint) == "" || strings.TrimSpace(c.Generator.Model) == "") {
		return errors.New("config: generator.endpoint and generator.model required when the generator is enabled")
	}
	return nil
}

// Backoff converts the reconnect section into the relay's policy.
func (c *Config) Backoff() relay.Backoff {
	return relay.Backoff{
		InitialDelay: c.Reconnect.Delay,
		Multiplier:   c.Reconnect.Multiplier,
		MaxDelay:     c.Reconnect.MaxDelay,
		Jitter:       c.Reconnect.Jitter,
	}
}

// GeneratorClient builds the chat-completions client, or nil when disabled.
func (c *Config) GeneratorClient(log *zap.Logger) *generate.ChatClient {
	if !c.Generator.Enable {
		return nil
	}
	return generate.NewChatClient(generate.Config{
		Endpoint:    c.Generator.Endpoint,
		Model:       c.Generator.Model,
		APIKey:      c.Generator.APIKey,
		Temperature: c.Generator.Temperature,
		MaxTokens:   c.Generator.MaxTokens,
		Timeout:     c.Generator.Timeout,
		Logger:      log,
	})
}

// EnsureDir creates the parent directory of a file path.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
