package scoring

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/spigell/hirescope/internal/ai"
	"github.com/spigell/hirescope/internal/utils"
)

//go:embed prompt.md
var promptTemplate string

const (
	systemPrompt = "You are an expert recruiter and talent evaluator. Provide objective, thorough assessments " +
		"based on all available information. Be constructive but honest about gaps or concerns."

	defaultMaxAttempts   = 5
	defaultInitialDelay  = 2 * time.Second
	defaultMaxDelay      = time.Minute
	defaultMaxRetryDelay = 2 * time.Minute
	defaultMaxLogLength  = 200
)

// Request is one candidate profile to evaluate against a job.
type Request struct {
	RecordID       string
	JobTitle       string
	JobDescription string
	Profile        string
	CompanyContext string
	// DataQuality lists extraction problems the model should take into account.
	DataQuality string
}

type Options struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	MaxRetryDelay time.Duration
	Pricing       Pricing
	MaxLogLength  int
}

// Client scores candidate profiles with a single generator, retrying transient
// failures and re-requesting once when the reply cannot be parsed.
type Client struct {
	generator ai.Generator
	opts      Options
	logger    *zap.Logger
	wait      func(ctx context.Context, d time.Duration) error
	now       func() time.Time
}

func New(generator ai.Generator, opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = defaultInitialDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = defaultMaxRetryDelay
	}
	if opts.MaxLogLength <= 0 {
		opts.MaxLogLength = defaultMaxLogLength
	}
	if opts.Pricing == (Pricing{}) {
		opts.Pricing = DefaultPricing
	}

	return &Client{
		generator: generator,
		opts:      opts,
		logger:    logger.With(zap.String("ai_provider", generator.Provider()), zap.String("ai_model", generator.Model())),
		wait:      utils.WaitFor,
		now:       time.Now,
	}
}

// Score evaluates one profile. The returned cost covers only the call that
// produced the result. Every error is scoped to the record.
func (c *Client) Score(ctx context.Context, req Request) (*Result, error) {
	prompt := buildPrompt(req)
	aiReq := ai.Request{System: systemPrompt, Prompt: prompt, JSON: true}
	log := c.logger.With(zap.String("record_id", req.RecordID))

	log.Debug("score request",
		zap.Int("prompt_length", utf8.RuneCountInString(prompt)),
		zap.String("prompt_preview", utils.TruncateForLog(prompt, c.opts.MaxLogLength)),
	)

	var (
		calls     int
		failures  int
		reasked   bool
		lastError error
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		calls++
		resp, err := c.generator.Generate(ctx, aiReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			// A reply without text is as unusable as an unparseable one.
			if errors.Is(err, ai.ErrEmptyResponse) {
				if !reasked {
					reasked = true
					log.Warn("empty scoring response, asking again", zap.Error(err))
					continue
				}
				return nil, &ParseError{RecordID: req.RecordID, Err: err}
			}

			transient, ok := ai.AsTransient(err)
			if !ok {
				return nil, fmt.Errorf("score record %s: %w", req.RecordID, err)
			}

			failures++
			lastError = err
			if failures >= c.opts.MaxAttempts {
				return nil, &ExhaustedError{RecordID: req.RecordID, Attempts: calls, Err: lastError}
			}
			if transient.RetryAfter > c.opts.MaxRetryDelay {
				return nil, &ExhaustedError{
					RecordID: req.RecordID,
					Attempts: calls,
					Err:      fmt.Errorf("provider asked to wait %s, above the %s limit: %w", transient.RetryAfter, c.opts.MaxRetryDelay, err),
				}
			}

			delay := utils.Backoff(failures-1, c.opts.InitialDelay, c.opts.MaxDelay)
			if transient.RetryAfter > delay {
				delay = transient.RetryAfter
			}

			log.Warn("transient scoring error, retrying",
				zap.Int("attempt", calls),
				zap.Duration("delay", delay),
				zap.Error(err),
			)

			if err := c.wait(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		log.Debug("score response",
			zap.Int("response_length", utf8.RuneCountInString(resp.Text)),
			zap.String("response_preview", utils.TruncateForLog(resp.Text, c.opts.MaxLogLength)),
		)

		result, err := parseResponse(resp.Text)
		if err != nil {
			if !reasked {
				reasked = true
				log.Warn("unparseable scoring response, asking again", zap.Error(err))
				continue
			}
			return nil, &ParseError{RecordID: req.RecordID, Raw: resp.Text, Err: err}
		}

		result.RecordID = req.RecordID
		result.Usage = resp.Usage
		result.Cost = c.opts.Pricing.Cost(resp.Usage)
		result.Model = resp.Model
		result.Attempts = calls
		result.ScoredAt = c.now().UTC()

		log.Info("record scored",
			zap.Float64("score", result.Score),
			zap.Float64("cost", result.Cost),
			zap.Int("attempts", calls),
		)

		return result, nil
	}
}

// Recoverable reports whether err only affects the record being scored.
func Recoverable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func buildPrompt(req Request) string {
	company := ""
	if c := strings.TrimSpace(req.CompanyContext); c != "" {
		company = "\nCOMPANY CONTEXT:\n" + c + "\n"
	}
	quality := strings.TrimSpace(req.DataQuality)
	if quality == "" {
		quality = "All documents were read successfully."
	}

	r := strings.NewReplacer(
		"{{JOB_TITLE}}", req.JobTitle,
		"{{JOB_DESCRIPTION}}", req.JobDescription,
		"{{COMPANY_CONTEXT}}", company,
		"{{CANDIDATE_PROFILE}}", req.Profile,
		"{{DATA_QUALITY}}", quality,
	)
	return r.Replace(promptTemplate)
}
