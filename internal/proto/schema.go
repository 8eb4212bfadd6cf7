package proto

import (
	"errors"
	"fmt"
	"time"
)

// Message types
const (
	TypeTweet   = "tweet"
	TypeComment = "comment"
	TypeSystem  = "system"
)

// System actions
const (
	ActionPeerJoined = "peerJoined"
	ActionPeerLeft   = "peerLeft"
	ActionInitialize = "initialize"
	// ActionUpdate marks a tweet message that replaces an existing tweet (likes, shares).
	ActionUpdate = "update"
)

var ErrInvalidMessage = errors.New("proto: invalid message")

// Tweet is one post of the shared log
type Tweet struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Prompt    string `json:"prompt,omitempty"`
	User      string `json:"user,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Likes     int    `json:"likes"`
	Shares    int    `json:"shares"`
}

// Comment on a tweet
type Comment struct {
	ID        string `json:"id"`
	TweetID   string `json:"tweetId"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Message is the logical wire message exchanged between peers.
// Exactly one of Tweet/Comment is set for data messages; system messages
// carry Action and PeerID.
type Message struct {
	Type      string   `json:"type"`
	Action    string   `json:"action,omitempty"`
	PeerID    string   `json:"peerId,omitempty"`
	Timestamp int64    `json:"timestamp"`
	Text      string   `json:"message,omitempty"`
	Tweet     *Tweet   `json:"tweet,omitempty"`
	Comment   *Comment `json:"comment,omitempty"`
}

// NewTweetMessage wraps t in a tweet message stamped with the current time
func NewTweetMessage(sender string, t Tweet) Message {
	return Message{Type: TypeTweet, PeerID: sender, Timestamp: time.Now().UnixMilli(), Tweet: &t}
}

// NewCommentMessage wraps c in a comment message stamped with the current time
func NewCommentMessage(sender string, c Comment) Message {
	return Message{Type: TypeComment, PeerID: sender, Timestamp: time.Now().UnixMilli(), Comment: &c}
}

// NewSystemMessage builds a presence/handshake notice about peerID
func NewSystemMessage(action, peerID string) Message {
	m := Message{Type: TypeSystem, Action: action, PeerID: peerID, Timestamp: time.Now().UnixMilli()}
	if action == ActionPeerJoined {
		m.Text = "New peer joined"
	}
	return m
}

// Validate checks that m carries the fields its type requires
func (m Message) Validate() error {
	switch m.Type {
	case TypeTweet:
		if m.Tweet == nil {
			return fmt.Errorf("%w: tweet body required", ErrInvalidMessage)
		}
		if m.Tweet.ID == "" {
			return fmt.Errorf("%w: tweet.id required", ErrInvalidMessage)
		}
		return nil
	case TypeComment:
		if m.Comment == nil {
			return fmt.Errorf("%w: comment body required", ErrInvalidMessage)
		}
		if m.Comment.ID == "" || m.Comment.TweetID == "" {
			return fmt.Errorf("%w: comment.id and comment.tweetId required", ErrInvalidMessage)
		}
		return nil
	case TypeSystem:
		switch m.Action {
		case ActionPeerJoined, ActionPeerLeft, ActionInitialize:
			return nil
		default:
			return fmt.Errorf("%w: unknown system action %q", ErrInvalidMessage, m.Action)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
}

// KnownTypes returns all message types a peer understands
func KnownTypes() []string {
	return []string{TypeTweet, TypeComment, TypeSystem}
}
