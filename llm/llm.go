// Package llm talks to hosted chat-completion models.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConfigured indicates no API key is set.
	ErrNotConfigured = errors.New("LLM API key not configured")
	ErrAuthFailed    = errors.New("authentication failed")
	ErrRateLimited   = errors.New("rate limited")
	ErrEmptyResponse = errors.New("empty response from model")
)

// Completer sends one prompt and returns the model's text answer.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Configured() bool
}

type Config struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
	Timeout  time.Duration
}

// New builds the client for cfg.Provider.
func New(cfg Config) (Completer, error) {
	switch cfg.Provider {
	case "", "openai":
		return NewOpenAIClient(cfg), nil
	case "anthropic":
		return NewAnthropicClient(cfg), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.Provider)
	}
}
