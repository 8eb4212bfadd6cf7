// Package client provides the peerhub developer SDK: join a swarm, post
// tweets and comments, and receive everything the swarm relays on a channel.
package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SWAI-Ltd/peerhub/internal/config"
	"github.com/SWAI-Ltd/peerhub/internal/feed"
	"github.com/SWAI-Ltd/peerhub/internal/mesh"
	"github.com/SWAI-Ltd/peerhub/internal/proto"
	"github.com/SWAI-Ltd/peerhub/internal/relay"
	"github.com/SWAI-Ltd/peerhub/internal/transport/mem"
)

const (
	// DefaultMessageBuffer is the buffer size for the Messages() channel.
	DefaultMessageBuffer = 64
)

var (
	// ErrClosed is returned when using a client after Close.
	ErrClosed = errors.New("client closed")
	// ErrNoFeed is returned by feed queries when persistence is disabled.
	ErrNoFeed = errors.New("client: feed disabled")
)

// Config configures the peerhub client.
type Config struct {
	// Settings is the node configuration; config.Default() when nil.
	Settings *config.Config
	// User is stamped on every tweet this client posts.
	User   string
	Logger *zap.Logger
	// Network is the shared in-process network when Settings selects mem.
	Network *mem.Network
	// MessageBuffer sets the capacity of Messages() channel; 0 uses DefaultMessageBuffer.
	MessageBuffer int
	// DisableMetrics skips Prometheus collection.
	DisableMetrics bool
	// Generator writes tweet content from a prompt. When nil, the settings'
	// generator section is used if enabled.
	Generator Generator
}

// Generator produces tweet content from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Client is the developer-facing handle on one swarm member. Read inbound
// traffic from Messages().
type Client struct {
	node *mesh.Node
	user string
	log  *zap.Logger
	gen  Generator
	msgs chan proto.Inbound

	mu     sync.RWMutex
	closed bool
}

// New creates a client and runs the election. The returned client is a
// peripheral or, if no hub answered, the hub itself.
func New(ctx context.Context, cfg Config) (*Client, error) {
	buf := cfg.MessageBuffer
	if buf <= 0 {
		buf = DefaultMessageBuffer
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{user: cfg.User, log: log, msgs: make(chan proto.Inbound, buf)}
	node, err := mesh.NewNode(mesh.Config{
		Settings:       cfg.Settings,
		Logger:         log,
		Network:        cfg.Network,
		OnMessage:      c.deliver,
		DisableMetrics: cfg.DisableMetrics,
	})
	if err != nil {
		return nil, err
	}
	if _, err := node.Start(ctx); err != nil {
		_ = node.Close()
		return nil, err
	}
	c.node = node
	c.gen = cfg.Generator
	if c.gen == nil {
		if gc := node.Settings().GeneratorClient(log); gc != nil {
			c.gen = gc
		}
	}
	return c, nil
}

func (c *Client) deliver(in proto.Inbound) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.msgs <- in:
	default:
		c.log.Warn("message buffer full, dropping", zap.String("from", in.From), zap.String("kind", in.Variant.String()))
	}
}

// Messages returns the channel of received messages. It is closed by Close.
func (c *Client) Messages() <-chan proto.Inbound {
	return c.msgs
}

func (c *Client) publish(ctx context.Context, m proto.Message) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return c.node.Publish(ctx, m)
}

// PostTweet publishes a new tweet. With empty content and a generator
// configured, the content is generated from prompt; a failed generation
// falls back to the prompt text. The tweet is kept in the local feed even
// when the hub is unreachable; the relay error is returned in that case.
func (c *Client) PostTweet(ctx context.Context, content, prompt string) (proto.Tweet, error) {
	if strings.TrimSpace(content) == "" && strings.TrimSpace(prompt) != "" && c.gen != nil {
		text, err := c.gen.Generate(ctx, prompt)
		if err != nil {
			c.log.Warn("tweet generation failed, posting prompt", zap.Error(err))
			text = prompt
		}
		content = text
	}
	t := proto.Tweet{
		ID:        uuid.NewString(),
		Content:   content,
		Prompt:    prompt,
		User:      c.user,
		Timestamp: time.Now().UnixMilli(),
	}
	return t, c.publish(ctx, proto.NewTweetMessage(c.node.ID(), t))
}

// UpdateTweet republishes t, replacing the stored copy on every peer.
func (c *Client) UpdateTweet(ctx context.Context, t proto.Tweet) error {
	m := proto.NewTweetMessage(c.node.ID(), t)
	m.Action = proto.ActionUpdate
	return c.publish(ctx, m)
}

// Like increments the like count of a stored tweet and publishes the update.
func (c *Client) Like(ctx context.Context, tweetID string) (proto.Tweet, error) {
	return c.bump(ctx, tweetID, func(t *proto.Tweet) { t.Likes++ })
}

// Share increments the share count of a stored tweet and publishes the update.
func (c *Client) Share(ctx context.Context, tweetID string) (proto.Tweet, error) {
	return c.bump(ctx, tweetID, func(t *proto.Tweet) { t.Shares++ })
}

func (c *Client) bump(ctx context.Context, tweetID string, f func(*proto.Tweet)) (proto.Tweet, error) {
	store := c.node.Feed()
	if store == nil {
		return proto.Tweet{}, ErrNoFeed
	}
	t, err := store.Tweet(ctx, tweetID)
	if err != nil {
		return proto.Tweet{}, err
	}
	f(&t)
	return t, c.UpdateTweet(ctx, t)
}

// PostComment publishes a comment on tweetID.
func (c *Client) PostComment(ctx context.Context, tweetID, content string) (proto.Comment, error) {
	cm := proto.Comment{
		ID:        uuid.NewString(),
		TweetID:   tweetID,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
	return cm, c.publish(ctx, proto.NewCommentMessage(c.node.ID(), cm))
}

// Tweets queries the local feed; see feed.Store.Tweets.
func (c *Client) Tweets(ctx context.Context, sortBy, query string) ([]proto.Tweet, error) {
	if c.node.Feed() == nil {
		return nil, ErrNoFeed
	}
	return c.node.Feed().Tweets(ctx, sortBy, query)
}

// Comments returns the stored comments on tweetID.
func (c *Client) Comments(ctx context.Context, tweetID string) ([]proto.Comment, error) {
	if c.node.Feed() == nil {
		return nil, ErrNoFeed
	}
	return c.node.Feed().Comments(ctx, tweetID)
}

// ID returns this client's swarm identity.
func (c *Client) ID() string { return c.node.ID() }

// Role reports whether this client is currently the hub.
func (c *Client) Role() relay.Role { return c.node.Role() }

// Peers returns the identities this client holds connections to.
func (c *Client) Peers() []string { return c.node.Service().ConnectedPeerIDs() }

// Close leaves the swarm and closes the Messages() channel.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.msgs)
	c.mu.Unlock()
	return c.node.Close()
}

// Sort orders accepted by Tweets.
const (
	SortLatest  = feed.SortLatest
	SortPopular = feed.SortPopular
)
