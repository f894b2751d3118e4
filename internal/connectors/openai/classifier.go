// Package openai classifies requests with an OpenAI-compatible chat model.
package openai

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/fentz26/flowgate/internal/connectors"
	"github.com/sashabaranov/go-openai"
)

// SystemPrompt instructs the model to answer with the classification JSON only.
const SystemPrompt = `You are an assistant that analyzes business requests.

Return ONLY valid JSON with this exact schema:
{
  "intent": string,
  "recommended_action": "send_email" | "create_task" | "reject",
  "confidence": number between 0 and 1
}`

const (
	DefaultModel   = "gpt-4.1-mini"
	DefaultTimeout = 30 * time.Second
)

// Config configures the classifier.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	Timeout     time.Duration
}

// Classifier calls the chat completions API.
type Classifier struct {
	client      *openai.Client
	model       string
	temperature float32
}

var _ connectors.Classifier = (*Classifier)(nil)

// New creates a classifier. An empty API key is a configuration error.
func New(cfg Config) (*Classifier, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api key: %w", connectors.ErrNotConfigured)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &Classifier{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}, nil
}

// Classify returns the model's raw message content.
func (c *Classifier) Classify(ctx context.Context, requestText string) ([]byte, error) {
	// The request field is omitempty, so a literal zero would fall back to
	// the API default of 1.
	temperature := c.temperature
	if temperature == 0 {
		temperature = math.SmallestNonzeroFloat32
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: requestText},
		},
		Temperature: temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: no choices: %w", connectors.ErrEmptyResponse)
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return nil, fmt.Errorf("openai: empty content: %w", connectors.ErrEmptyResponse)
	}
	return []byte(content), nil
}
