package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/hirescope/internal/ai"
	"github.com/spigell/hirescope/internal/ai/gemini"
	"github.com/spigell/hirescope/internal/ai/openai"
	"github.com/spigell/hirescope/internal/checkpoint"
	"github.com/spigell/hirescope/internal/greenhouse"
	"github.com/spigell/hirescope/internal/logger"
	"github.com/spigell/hirescope/internal/scoring"
	"github.com/spigell/hirescope/internal/secrets"
	"github.com/spigell/hirescope/internal/storage"
)

const (
	backendFile   = "file"
	backendSQLite = "sqlite"
)

func newGreenhouse(cfg *GreenhouseConfig, log *zap.Logger) (*greenhouse.Client, error) {
	apiKey, err := secrets.Load(secrets.Source{
		Name: "greenhouse api key",
		File: cfg.APIKeyFile,
		Env:  "GREENHOUSE_API_KEY",
	})
	if err != nil {
		return nil, fmt.Errorf("%w (set GREENHOUSE_API_KEY_FILE or greenhouse.api-key-file)", err)
	}

	gh := greenhouse.New(log, apiKey)
	if cfg.APIURL != "" {
		gh.APIURL = cfg.APIURL
	}
	if cfg.UserAgent != "" {
		gh.UserAgent = cfg.UserAgent
	}
	if cfg.PerPage > 0 {
		gh.PerPage = cfg.PerPage
	}
	if cfg.Timeout > 0 {
		gh.HTTPClient.Timeout = cfg.Timeout
	}
	if cfg.RequestsPerSecond != 0 {
		gh.SetRateLimit(cfg.RequestsPerSecond, cfg.Burst)
	}

	retry := greenhouse.DefaultRetryPolicy
	if cfg.MaxRetries > 0 {
		retry.MaxRetries = cfg.MaxRetries
	}
	if cfg.InitialBackoff > 0 {
		retry.Initial = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		retry.Max = cfg.MaxBackoff
	}
	gh.Retry = retry

	return gh, nil
}

func newGenerator(ctx context.Context, cfg *AIConfig, base *zap.Logger) (ai.Generator, error) {
	provider := strings.TrimSpace(strings.ToLower(cfg.Provider))
	genLogger := logger.WithCommonFields(base, provider, cfg.Model)

	switch provider {
	case "", ai.ProviderOpenAI:
		apiKey, err := secrets.Load(secrets.Source{
			Name: "openai api key",
			File: cfg.OpenAIKeyFile,
			Env:  "OPENAI_API_KEY",
		})
		if err != nil {
			return nil, fmt.Errorf("%w (set OPENAI_API_KEY_FILE or ai.openai-key-file)", err)
		}

		client, err := openai.NewClient(apiKey, openai.Options{
			Model:           cfg.Model,
			ReasoningEffort: cfg.ReasoningEffort,
			MaxTokens:       cfg.MaxTokens,
			Timeout:         cfg.Timeout,
			BaseURL:         cfg.BaseURL,
		}, genLogger)
		if err != nil {
			return nil, err
		}
		return client, nil

	case ai.ProviderGemini:
		apiKey, err := secrets.Load(secrets.Source{
			Name: "gemini api key",
			File: cfg.GeminiKeyFile,
			Env:  "GEMINI_API_KEY",
		})
		if err != nil {
			return nil, fmt.Errorf("%w (set GEMINI_API_KEY_FILE or ai.gemini-key-file)", err)
		}

		generator, err := gemini.NewGenerator(ctx, apiKey, gemini.Options{
			Model:           cfg.Model,
			ReasoningEffort: cfg.ReasoningEffort,
			MaxOutputTokens: int32(cfg.MaxTokens),
			Timeout:         cfg.Timeout,
		}, genLogger)
		if err != nil {
			return nil, err
		}
		return generator, nil

	default:
		return nil, fmt.Errorf("unsupported ai provider: %s", cfg.Provider)
	}
}

func newScorer(ctx context.Context, cfg *AIConfig, log *zap.Logger) (*scoring.Client, error) {
	generator, err := newGenerator(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	return scoring.New(generator, scoring.Options{
		MaxAttempts:   cfg.MaxAttempts,
		InitialDelay:  cfg.InitialBackoff,
		MaxDelay:      cfg.MaxBackoff,
		MaxRetryDelay: cfg.MaxRetryDelay,
		Pricing:       cfg.Pricing,
		MaxLogLength:  cfg.MaxLogLength,
	}, log), nil
}

// newStore opens the configured checkpoint backend. The returned func releases it.
func newStore(ctx context.Context, cfg *CheckpointConfig, log *zap.Logger) (checkpoint.Store, func(), error) {
	var (
		store   checkpoint.Store
		closeFn = func() {}
	)

	dir := cfg.Dir
	if dir == "" {
		dir = "." + app
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", backendFile:
		fs, err := checkpoint.NewFileStore(dir, log)
		if err != nil {
			return nil, nil, err
		}
		store = fs

	case backendSQLite:
		path := cfg.SQLitePath
		if path == "" {
			path = filepath.Join(dir, "checkpoints.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create checkpoint dir: %w", err)
		}
		db, err := checkpoint.NewSQLiteStore(ctx, path, log)
		if err != nil {
			return nil, nil, err
		}
		store = db
		closeFn = func() {
			if err := db.Close(); err != nil {
				log.Warn("closing checkpoint database", zap.Error(err))
			}
		}

	default:
		return nil, nil, fmt.Errorf("unsupported checkpoint backend: %s", cfg.Backend)
	}

	if cfg.Archive != nil && cfg.Archive.Endpoint != "" {
		bucket, err := storage.New(ctx, *cfg.Archive)
		if err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("checkpoint archive: %w", err)
		}
		store = checkpoint.NewArchived(store, bucket, cfg.Archive.Prefix, log)
		log.Info("finalized checkpoints will be archived",
			zap.String("endpoint", cfg.Archive.Endpoint),
			zap.String("bucket", cfg.Archive.Bucket),
		)
	}

	return store, closeFn, nil
}
