package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/remingtons1/colony/pkg/models"
)

// chatRetryDelays are the backoff delays between retries of transient
// provider failures.
var chatRetryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// completions is the slice of the OpenAI SDK the adapter uses; tests
// substitute a fake.
type completions interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Config configures the OpenAI-compatible adapter.
type Config struct {
	BaseURL      string
	APIKey       string
	DefaultModel string

	// TierModels maps survival tiers to model names. A request with a
	// tier not in the table falls back to DefaultModel.
	TierModels map[models.Tier]string
}

// OpenAIClient implements Client against any OpenAI-compatible chat
// completions endpoint.
type OpenAIClient struct {
	completions completions
	cfg         Config
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewOpenAIClient creates the adapter. SDK-level retries are disabled;
// the adapter owns its retry budget so behavior matches the inference
// contract exactly.
func NewOpenAIClient(cfg Config) (*OpenAIClient, error) {
	if cfg.DefaultModel == "" {
		return nil, fmt.Errorf("default model is required")
	}
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAIClient{
		completions: &client.Chat.Completions,
		cfg:         cfg,
		sleep:       sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Chat performs one inference call, retrying 429/5xx responses with
// bounded backoff.
func (c *OpenAIClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("messages are required")
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.resolveModel(req)),
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case RoleAssistant:
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.ResponseFormat == "json_object" {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	var lastErr error
	for attempt := 0; attempt <= len(chatRetryDelays); attempt++ {
		if attempt > 0 {
			slog.Warn("Retrying LLM call", "attempt", attempt, "error", lastErr)
			if err := c.sleep(ctx, chatRetryDelays[attempt-1]); err != nil {
				return nil, err
			}
		}
		completion, err := c.completions.New(ctx, params)
		if err == nil {
			return translate(completion)
		}
		lastErr = err
		if !isTransient(err) {
			return nil, fmt.Errorf("llm call failed: %w", err)
		}
	}
	return nil, fmt.Errorf("llm call failed after %d attempts: %w", len(chatRetryDelays)+1, lastErr)
}

// resolveModel picks the model for a request: explicit model, then tier
// table, then the default.
func (c *OpenAIClient) resolveModel(req *ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	if req.Tier != "" {
		if m, ok := c.cfg.TierModels[req.Tier]; ok && m != "" {
			return m
		}
	}
	return c.cfg.DefaultModel
}

func translate(completion *openai.ChatCompletion) (*ChatResponse, error) {
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("llm returned no choices")
	}
	return &ChatResponse{
		Content: completion.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:  int(completion.Usage.TotalTokens),
		},
	}, nil
}

// isTransient reports whether a provider error is worth retrying:
// rate limits and server-side failures.
func isTransient(err error) bool {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return apierr.StatusCode == 429 || apierr.StatusCode >= 500
	}
	return false
}
