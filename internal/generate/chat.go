// Package generate turns a short prompt into tweet text through an
// OpenAI-compatible chat-completions endpoint.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultEndpoint    = "https://api.groq.com/openai/v1/chat/completions"
	DefaultModel       = "llama-3.3-70b-versatile"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 150
	DefaultTimeout     = 15 * time.Second
)

// SystemPrompt steers the model toward a short, postable rewrite.
const SystemPrompt = `You are a creative assistant that enhances tweets for maximum engagement.
Rewrite the following tweet to make it more engaging, concise and impactful.

Keep it under 280 characters.
Use relevant hashtags and emojis to boost visibility.
Maintain a natural and conversational tone.
Return only the improved tweet with no commentary.`

// ErrEmptyCompletion is returned when the endpoint answers without any text.
var ErrEmptyCompletion = errors.New("generate: empty completion")

// Generator produces tweet content from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Config for the chat-completions client
type Config struct {
	Endpoint    string
	Model       string
	APIKey      string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	Logger      *zap.Logger
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// ChatClient implements Generator against a chat-completions API.
type ChatClient struct {
	cfg  Config
	http *http.Client
	log  *zap.Logger
}

func NewChatClient(cfg Config) *ChatClient {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &ChatClient{cfg: cfg, http: hc, log: log.Named("generate")}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate asks the model to rewrite prompt and returns the trimmed reply.
func (c *ChatClient) Generate(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", errors.New("generate: empty prompt")
	}
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: SystemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("generate: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("generate: read response: %w", err)
	}
	c.log.Debug("completion",
		zap.String("model", c.cfg.Model),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("generate: endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("generate: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}
