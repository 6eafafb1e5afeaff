// Package llm wraps the OpenAI-compatible chat completion endpoint used for prompt enhancement
// and HTML synthesis.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const defaultTimeout = 3 * time.Minute

var (
	errMissingAPIKey = errors.New("llm: api key required")
	errMissingModel  = errors.New("llm: model name required")
	// ErrEmptyCompletion is returned when the provider answers without any choices.
	ErrEmptyCompletion = errors.New("llm: completion returned no choices")
)

// Config describes how to reach the completion provider.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	Logger  *zap.Logger
}

// Client completes prompts against an OpenAI-compatible API.
type Client struct {
	api     *openai.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

// NewClient validates cfg and constructs a Client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errMissingAPIKey
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errMissingModel
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		api:     openai.NewClientWithConfig(clientConfig),
		model:   cfg.Model,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Complete sends a single two-message chat completion. It makes exactly one attempt.
func (c *Client) Complete(ctx context.Context, systemInstruction, userContent string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	response, err := c.api.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemInstruction},
			{Role: openai.ChatMessageRoleUser, Content: userContent},
		},
	})
	if err != nil {
		c.logger.Warn("model completion failed",
			zap.String("model", c.model),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err))
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	c.logger.Debug("model completion finished",
		zap.String("model", c.model),
		zap.Duration("elapsed", time.Since(started)),
		zap.Int("total_tokens", response.Usage.TotalTokens))
	return response.Choices[0].Message.Content, nil
}
