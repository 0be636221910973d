package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/spigell/hirescope/internal/utils"
)

// Renderer delivers a report to the operator.
type Renderer interface {
	Render(ctx context.Context, r *Report, info RunInfo) error
}

type LogRenderer struct {
	logger        *zap.Logger
	summaryLength int
}

func NewLogRenderer(logger *zap.Logger) *LogRenderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogRenderer{logger: logger, summaryLength: 100}
}

func (l *LogRenderer) Render(_ context.Context, r *Report, info RunInfo) error {
	l.logger.Info("analysis report",
		zap.String("run_key", r.RunKey),
		zap.String("job", r.Meta.JobName),
		zap.Int("scored", r.Scored),
		zap.Int("ranked", len(r.Ranked)),
		zap.Int("duplicates", r.Duplicates),
		zap.Float64("average_score", r.AverageScore()),
		zap.Int("flagged", len(r.Flagged)),
		zap.Float64("run_cost", info.Cost),
		zap.Float64("total_cost", r.Cost),
		zap.Duration("elapsed", info.Elapsed),
		zap.Int("extraction_failures", info.ExtractionFailures),
		zap.Int("failed", info.Failed),
		zap.Bool("budget_exhausted", info.BudgetExhausted),
		zap.Bool("finalized", r.Finalized),
	)

	for _, e := range r.Top {
		l.logger.Info("top candidate", l.fields(e)...)
	}
	for _, e := range r.Flagged {
		l.logger.Info("hidden gem", l.fields(e)...)
	}

	return nil
}

func (l *LogRenderer) fields(e Entry) []zap.Field {
	return []zap.Field{
		zap.Int("rank", e.Rank),
		zap.String("name", e.Record.Name),
		zap.Float64("score", e.Result.Score),
		zap.String("status", e.Record.Status),
		zap.String("stage", e.Record.Stage),
		zap.String("application_id", e.Record.ID),
		zap.String("link", e.Link),
		zap.String("recommendation", e.Result.HireRecommendation),
		zap.String("summary", utils.TruncateForLog(e.Result.Summary, l.summaryLength)),
	}
}

// JSONRenderer writes the report as indented JSON. An empty Path writes to a temporary file.
type JSONRenderer struct {
	Path   string
	logger *zap.Logger
}

func NewJSONRenderer(path string, logger *zap.Logger) *JSONRenderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JSONRenderer{Path: path, logger: logger}
}

type document struct {
	Report *Report `json:"report"`
	Run    RunInfo `json:"run"`
}

func (j *JSONRenderer) Render(_ context.Context, r *Report, info RunInfo) error {
	var (
		file *os.File
		err  error
	)
	if j.Path == "" {
		file, err = os.CreateTemp("", "hirescope_*.json")
	} else {
		if err := os.MkdirAll(filepath.Dir(j.Path), 0o755); err != nil {
			return fmt.Errorf("create report dir: %w", err)
		}
		file, err = os.Create(j.Path)
	}
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(document{Report: r, Run: info}); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	j.logger.Info("dumping report to file", zap.String("filename", file.Name()))
	return nil
}

// Multi renders with every renderer and stops at the first error.
type Multi []Renderer

func (m Multi) Render(ctx context.Context, r *Report, info RunInfo) error {
	for _, renderer := range m {
		if err := renderer.Render(ctx, r, info); err != nil {
			return err
		}
	}
	return nil
}
