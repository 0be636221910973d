package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/spigell/hirescope/internal/ai"
)

const (
	defaultModel   = "gemini-2.5-pro"
	defaultTimeout = 2 * time.Minute
)

var thinkingBudgets = map[string]int32{
	"low":    1024,
	"medium": 8192,
	"high":   24576,
}

type models interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Options struct {
	Model           string
	ReasoningEffort string
	MaxOutputTokens int32
	Timeout         time.Duration
}

// Generator sends single prompts to the Gemini API.
type Generator struct {
	models    models
	model     string
	reasoning string
	maxTokens int32
	timeout   time.Duration
	logger    *zap.Logger
}

// NewGenerator creates a new Generator configured for the Gemini API backend.
func NewGenerator(ctx context.Context, apiKey string, opts Options, logger *zap.Logger) (*Generator, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return newGenerator(client.Models, opts, logger), nil
}

func newGenerator(m models, opts Options, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultModel
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Generator{
		models:    m,
		model:     model,
		reasoning: strings.ToLower(strings.TrimSpace(opts.ReasoningEffort)),
		maxTokens: opts.MaxOutputTokens,
		timeout:   timeout,
		logger:    logger,
	}
}

func (g *Generator) Provider() string { return ai.ProviderGemini }

func (g *Generator) Model() string {
	if g == nil {
		return ""
	}
	return g.model
}

// Generate performs one generateContent call and returns the joined text parts.
func (g *Generator) Generate(ctx context.Context, req ai.Request) (*ai.Response, error) {
	if g == nil || g.models == nil {
		return nil, errors.New("gemini generator is not initialized")
	}

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, errors.New("prompt must not be empty")
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.models.GenerateContent(callCtx, g.model, genai.Text(prompt), g.config(req))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classify(err)
	}

	output := responseText(resp)
	if output == "" {
		return nil, fmt.Errorf("gemini: %w", ai.ErrEmptyResponse)
	}

	out := &ai.Response{Text: output, Model: g.model}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = ai.Usage{
			InputTokens:     int(u.PromptTokenCount),
			OutputTokens:    int(u.CandidatesTokenCount),
			ReasoningTokens: int(u.ThoughtsTokenCount),
		}
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}

	g.logger.Debug("gemini call finished",
		zap.String("ai_model", out.Model),
		zap.Int("input_tokens", out.Usage.InputTokens),
		zap.Int("output_tokens", out.Usage.OutputTokens),
		zap.Int("reasoning_tokens", out.Usage.ReasoningTokens),
	)

	return out, nil
}

func (g *Generator) config(req ai.Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}

	if system := strings.TrimSpace(req.System); system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}
	if g.maxTokens > 0 {
		cfg.MaxOutputTokens = g.maxTokens
	}
	if budget, ok := thinkingBudgets[g.reasoning]; ok {
		cfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: &budget}
	}

	return cfg
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}

	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil || part.Thought {
				continue
			}
			text := strings.TrimSpace(part.Text)
			if text == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(text)
		}
	}

	return strings.TrimSpace(builder.String())
}

// classify maps API failures onto ai.TransientError; anything else is permanent.
func classify(err error) error {
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
	case errors.As(err, &apiErrPtr) && apiErrPtr != nil:
		apiErr = *apiErrPtr
	default:
		if errors.Is(err, context.DeadlineExceeded) || ai.IsNetworkError(err) {
			return &ai.TransientError{Provider: ai.ProviderGemini, Err: err}
		}
		return fmt.Errorf("generate content: %w", err)
	}

	switch {
	case apiErr.Code == http.StatusTooManyRequests,
		apiErr.Code == http.StatusRequestTimeout,
		apiErr.Code >= http.StatusInternalServerError:
		return &ai.TransientError{
			Provider:   ai.ProviderGemini,
			Status:     apiErr.Code,
			RetryAfter: retryAfter(apiErr),
			Err:        err,
		}
	}

	return fmt.Errorf("generate content: %w", err)
}

func retryAfter(apiErr genai.APIError) time.Duration {
	if d := ai.RetryDelayFromMessage(apiErr.Message); d > 0 {
		return d
	}
	for _, detail := range apiErr.Details {
		if v, ok := detail["retryDelay"].(string); ok {
			if d, err := time.ParseDuration(v); err == nil {
				return d
			}
		}
	}
	return 0
}
