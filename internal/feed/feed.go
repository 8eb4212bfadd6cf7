// Package feed persists the tweets and comments a node has seen in a local
// sqlite database.
package feed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/SWAI-Ltd/peerhub/internal/proto"
)

// Sort orders for Tweets
const (
	SortLatest  = "latest"
	SortPopular = "popular"
)

var (
	ErrExists   = errors.New("feed: already exists")
	ErrNotFound = errors.New("feed: not found")
)

const schema = `
CREATE TABLE IF NOT EXISTS tweets (
	id        TEXT NOT NULL PRIMARY KEY,
	content   TEXT NOT NULL,
	prompt    TEXT NOT NULL DEFAULT '',
	user      TEXT NOT NULL DEFAULT '',
	timestamp INTEGER NOT NULL,
	likes     INTEGER NOT NULL DEFAULT 0,
	shares    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS tweets_by_timestamp ON tweets (timestamp);
CREATE TABLE IF NOT EXISTS comments (
	id        TEXT NOT NULL PRIMARY KEY,
	tweet_id  TEXT NOT NULL,
	content   TEXT NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS comments_by_tweet ON comments (tweet_id);
`

// Store is a sqlite-backed feed
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory store.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open feed: %w", err)
	}
	// one connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init feed schema: %w", err)
	}
	return &Store{db: db, log: log.Named("feed")}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// AddTweet inserts t. It returns ErrExists when the id is already stored.
func (s *Store) AddTweet(ctx context.Context, t proto.Tweet) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO tweets (id, content, prompt, user, timestamp, likes, shares) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Content, t.Prompt, t.User, t.Timestamp, t.Likes, t.Shares,
	)
	if err != nil {
		return fmt.Errorf("insert tweet: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("tweet %s: %w", t.ID, ErrExists)
	}
	return nil
}

// UpdateTweet stores t, replacing any tweet with the same id.
func (s *Store) UpdateTweet(ctx context.Context, t proto.Tweet) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tweets (id, content, prompt, user, timestamp, likes, shares) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Content, t.Prompt, t.User, t.Timestamp, t.Likes, t.Shares,
	)
	if err != nil {
		return fmt.Errorf("update tweet: %w", err)
	}
	return nil
}

func (s *Store) Tweet(ctx context.Context, id string) (proto.Tweet, error) {
	var t proto.Tweet
	err := s.db.QueryRowContext(ctx,
		`SELECT id, content, prompt, user, timestamp, likes, shares FROM tweets WHERE id = ?`, id,
	).Scan(&t.ID, &t.Content, &t.Prompt, &t.User, &t.Timestamp, &t.Likes, &t.Shares)
	if errors.Is(err, sql.ErrNoRows) {
		return proto.Tweet{}, fmt.Errorf("tweet %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return proto.Tweet{}, fmt.Errorf("query tweet: %w", err)
	}
	return t, nil
}

// Tweets lists tweets whose content or prompt contains query
// (case-insensitive; empty matches all), newest first for SortLatest and by
// likes+shares for SortPopular.
func (s *Store) Tweets(ctx context.Context, sortBy, query string) ([]proto.Tweet, error) {
	order := "timestamp DESC"
	switch sortBy {
	case "", SortLatest:
	case SortPopular:
		order = "(likes + shares) DESC, timestamp DESC"
	default:
		return nil, fmt.Errorf("feed: unknown sort %q", sortBy)
	}
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, prompt, user, timestamp, likes, shares FROM tweets
		WHERE lower(content) LIKE ? ESCAPE '\' OR lower(prompt) LIKE ? ESCAPE '\'
		ORDER BY `+order, pattern, pattern)
	if err != nil {
		return nil, fmt.Errorf("query tweets: %w", err)
	}
	defer rows.Close()

	var out []proto.Tweet
	for rows.Next() {
		var t proto.Tweet
		if err := rows.Scan(&t.ID, &t.Content, &t.Prompt, &t.User, &t.Timestamp, &t.Likes, &t.Shares); err != nil {
			return nil, fmt.Errorf("scan tweet: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AddComment inserts c. It returns ErrExists when the id is already stored.
func (s *Store) AddComment(ctx context.Context, c proto.Comment) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO comments (id, tweet_id, content, timestamp) VALUES (?, ?, ?, ?)`,
		c.ID, c.TweetID, c.Content, c.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("comment %s: %w", c.ID, ErrExists)
	}
	return nil
}

// Comments returns the comments on tweetID, oldest first.
func (s *Store) Comments(ctx context.Context, tweetID string) ([]proto.Comment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tweet_id, content, timestamp FROM comments WHERE tweet_id = ? ORDER BY timestamp ASC`, tweetID)
	if err != nil {
		return nil, fmt.Errorf("query comments: %w", err)
	}
	defer rows.Close()

	var out []proto.Comment
	for rows.Next() {
		var c proto.Comment
		if err := rows.Scan(&c.ID, &c.TweetID, &c.Content, &c.Timestamp); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Apply ingests a relayed message. Tweets and comments are stored (a tweet
// with the update action replaces its predecessor); duplicates are ignored.
// System messages are never persisted. It reports whether anything changed.
func (s *Store) Apply(ctx context.Context, m proto.Message) (bool, error) {
	var err error
	switch m.Type {
	case proto.TypeTweet:
		if m.Tweet == nil {
			return false, nil
		}
		if m.Action == proto.ActionUpdate {
			err = s.UpdateTweet(ctx, *m.Tweet)
		} else {
			err = s.AddTweet(ctx, *m.Tweet)
		}
	case proto.TypeComment:
		if m.Comment == nil {
			return false, nil
		}
		err = s.AddComment(ctx, *m.Comment)
	default:
		return false, nil
	}
	if errors.Is(err, ErrExists) {
		s.log.Debug("duplicate ignored", zap.String("type", m.Type))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
