package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/spigell/hirescope/internal/ai"
)

const (
	defaultModel     = "o3"
	defaultMaxTokens = 2000
	defaultTimeout   = 3 * time.Minute
)

type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type Options struct {
	Model           string
	ReasoningEffort string
	MaxTokens       int
	Timeout         time.Duration
	BaseURL         string
}

// Client sends single chat completion requests.
type Client struct {
	chat      chatCompleter
	model     string
	reasoning string
	maxTokens int
	timeout   time.Duration
	logger    *zap.Logger
}

func NewClient(apiKey string, opts Options, logger *zap.Logger) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}

	cfg := openai.DefaultConfig(apiKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}

	return newClient(openai.NewClientWithConfig(cfg), opts, logger), nil
}

func newClient(chat chatCompleter, opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		chat:      chat,
		model:     model,
		reasoning: strings.ToLower(strings.TrimSpace(opts.ReasoningEffort)),
		maxTokens: maxTokens,
		timeout:   timeout,
		logger:    logger,
	}
}

func (c *Client) Provider() string { return ai.ProviderOpenAI }

func (c *Client) Model() string { return c.model }

func (c *Client) Generate(ctx context.Context, req ai.Request) (*ai.Response, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, errors.New("prompt must not be empty")
	}

	chatReq := openai.ChatCompletionRequest{Model: c.model}
	if system := strings.TrimSpace(req.System); system != "" {
		role := openai.ChatMessageRoleSystem
		if reasoningModel(c.model) {
			role = openai.ChatMessageRoleDeveloper
		}
		chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{Role: role, Content: system})
	}
	chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	if req.JSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	// Reasoning models (o1/o3/o4/gpt-5*) take MaxCompletionTokens instead of MaxTokens.
	if reasoningModel(c.model) {
		chatReq.MaxCompletionTokens = c.maxTokens
		chatReq.ReasoningEffort = c.reasoning
	} else {
		chatReq.MaxTokens = c.maxTokens
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.chat.CreateChatCompletion(callCtx, chatReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classify(err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices: %w", ai.ErrEmptyResponse)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return nil, fmt.Errorf("openai finish reason %q: %w", resp.Choices[0].FinishReason, ai.ErrEmptyResponse)
	}

	usage := ai.Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	// Completion tokens include reasoning tokens; Usage keeps them apart.
	if d := resp.Usage.CompletionTokensDetails; d != nil && d.ReasoningTokens <= usage.OutputTokens {
		usage.ReasoningTokens = d.ReasoningTokens
		usage.OutputTokens -= d.ReasoningTokens
	}

	model := resp.Model
	if model == "" {
		model = c.model
	}

	c.logger.Debug("openai call finished",
		zap.String("ai_model", model),
		zap.Int("input_tokens", usage.InputTokens),
		zap.Int("output_tokens", usage.OutputTokens),
		zap.Int("reasoning_tokens", usage.ReasoningTokens),
	)

	return &ai.Response{Text: text, Usage: usage, Model: model}, nil
}

func reasoningModel(model string) bool {
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

func classify(err error) error {
	status := 0
	msg := err.Error()

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
		msg = apiErr.Message
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	case errors.Is(err, context.DeadlineExceeded):
		return &ai.TransientError{Provider: ai.ProviderOpenAI, Err: err}
	default:
		// Connection level failures never reached the API.
		return &ai.TransientError{Provider: ai.ProviderOpenAI, Err: err}
	}

	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= http.StatusInternalServerError {
		if apiErr != nil && apiErr.Type == "insufficient_quota" {
			return fmt.Errorf("openai quota exhausted: %w", err)
		}
		return &ai.TransientError{
			Provider:   ai.ProviderOpenAI,
			Status:     status,
			RetryAfter: ai.RetryDelayFromMessage(msg),
			Err:        err,
		}
	}

	return fmt.Errorf("create chat completion: %w", err)
}
