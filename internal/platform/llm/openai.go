package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

// Config configures an OpenAI-compatible endpoint.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	Timeout     time.Duration
}

// OpenAIClient implements Generator against the chat completions API. Any
// provider exposing an OpenAI-compatible endpoint works through BaseURL.
type OpenAIClient struct {
	client      *openai.Client
	model       string
	temperature float32
	timeout     time.Duration
	logger      zerolog.Logger
}

func NewOpenAIClient(cfg Config, logger zerolog.Logger) *OpenAIClient {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIClient{
		client:      openai.NewClientWithConfig(oc),
		model:       model,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
		logger:      logger.With().Str("component", "llm").Logger(),
	}
}

func (c *OpenAIClient) Generate(ctx context.Context, instruction, prompt string) (string, error) {
	return c.complete(ctx, instruction, []Message{{Role: RoleUser, Content: prompt}})
}

func (c *OpenAIClient) Chat(ctx context.Context, instruction string, history []Message) (string, error) {
	if len(history) == 0 {
		return "", errors.New("chat requires at least one message")
	}
	return c.complete(ctx, instruction, history)
}

func (c *OpenAIClient) complete(ctx context.Context, instruction string, history []Message) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if instruction != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: instruction})
	}
	for _, m := range history {
		role := m.Role
		if role != RoleAssistant {
			// anything that is not the model speaking is the patient
			role = openai.ChatMessageRoleUser
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}

	c.logger.Debug().
		Str("model", c.model).
		Int("messages", len(msgs)).
		Int("total_tokens", resp.Usage.TotalTokens).
		Dur("latency", time.Since(start)).
		Msg("completion received")

	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}
