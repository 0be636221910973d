package analysis

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/hirescope/internal/checkpoint"
	"github.com/spigell/hirescope/internal/extract"
	"github.com/spigell/hirescope/internal/filtering"
	"github.com/spigell/hirescope/internal/greenhouse"
	"github.com/spigell/hirescope/internal/report"
	"github.com/spigell/hirescope/internal/scoring"
)

type State string

const (
	StateIdle        State = "idle"
	StateFetching    State = "fetching"
	StateAggregating State = "aggregating"
	StateDone        State = "done"
	StateFailed      State = "failed"
	StateCanceled    State = "canceled"
)

const (
	stageExtracting    = "extracting"
	stageScoring       = "scoring"
	stageCheckpointing = "checkpointing"

	defaultSourceName      = "greenhouse"
	defaultWorkers         = 2
	defaultCheckpointEvery = 10
	defaultOtherLimit      = 1000
)

// Source yields the records of a job and the material attached to them.
type Source interface {
	Applications(ctx context.Context, jobID string) iter.Seq2[*greenhouse.Application, error]
	Candidate(ctx context.Context, id string) (*greenhouse.Candidate, error)
	Download(ctx context.Context, att greenhouse.Attachment) ([]byte, error)
}

type Extractor interface {
	Extract(ctx context.Context, in extract.Input) extract.Document
}

type Scorer interface {
	Score(ctx context.Context, req scoring.Request) (*scoring.Result, error)
}

// Job is the collection an analysis run works on.
type Job struct {
	ID          string
	Name        string
	Description string
}

type Options struct {
	SourceName      string
	Workers         int
	CheckpointEvery int
	// Budget stops starting new records once the cumulative cost reaches it. Zero disables it.
	Budget         float64
	CompanyContext string
	ExcludeFile    string
	SkipStatuses   []string
	// OtherAttachmentLimit bounds the characters taken from attachments that are
	// neither a resume nor a cover letter.
	OtherAttachmentLimit int
	Filters              []filtering.Filter
	Report               report.Options
}

// Failure is a record that could not be scored. It is not checkpointed and is
// picked up again by the next run.
type Failure struct {
	RecordID string `json:"record_id"`
	Name     string `json:"name"`
	Stage    string `json:"stage"`
	Reason   string `json:"reason"`
}

type Summary struct {
	RunKey             string                    `json:"run_key"`
	State              State                     `json:"state"`
	Fetched            int                       `json:"fetched"`
	Skipped            int                       `json:"skipped"`
	Scored             int                       `json:"scored"`
	Failed             int                       `json:"failed"`
	Dropped            int                       `json:"dropped"`
	ExtractionFailures int                       `json:"extraction_failures"`
	Failures           []Failure                 `json:"failures,omitempty"`
	Checkpointed       int                       `json:"checkpointed"`
	PreviousCost       float64                   `json:"previous_cost"`
	RunCost            float64                   `json:"run_cost"`
	CumulativeCost     float64                   `json:"cumulative_cost"`
	Elapsed            time.Duration             `json:"elapsed"`
	BudgetExhausted    bool                      `json:"budget_exhausted"`
	Finalized          bool                      `json:"finalized"`
	Steps              map[string]filtering.Step `json:"steps,omitempty"`
}

// Info converts the summary into the metadata handed to report renderers.
func (s *Summary) Info() report.RunInfo {
	return report.RunInfo{
		Cost:               s.RunCost,
		CumulativeCost:     s.CumulativeCost,
		Elapsed:            s.Elapsed,
		ExtractionFailures: s.ExtractionFailures,
		Failed:             s.Failed,
		BudgetExhausted:    s.BudgetExhausted,
	}
}

// FatalError stops a run. The checkpoint is left as it was after the last
// successful append, so the run can be resumed.
type FatalError struct {
	RunKey       string
	Reason       string
	Checkpointed int
	Err          error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("analysis %s failed at %s with %d records checkpointed: %v", e.RunKey, e.Reason, e.Checkpointed, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Outcome is everything a finished, stopped or failed run produced.
type Outcome struct {
	Summary    *Summary
	Checkpoint *checkpoint.Checkpoint
	Report     *report.Report
}

// Orchestrator drives one analysis run at a time: fetch, filter, extract,
// score, checkpoint and aggregate.
type Orchestrator struct {
	source    Source
	extractor Extractor
	scorer    Scorer
	store     checkpoint.Store
	opts      Options
	logger    *zap.Logger
	now       func() time.Time

	mu    sync.Mutex
	state State
}

func New(source Source, extractor Extractor, scorer Scorer, store checkpoint.Store, opts Options, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SourceName == "" {
		opts.SourceName = defaultSourceName
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = defaultCheckpointEvery
	}
	if opts.OtherAttachmentLimit <= 0 {
		opts.OtherAttachmentLimit = defaultOtherLimit
	}

	return &Orchestrator{
		source:    source,
		extractor: extractor,
		scorer:    scorer,
		store:     store,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		state:     StateIdle,
	}
}

// State returns the current state of the run.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s *Summary, state State) {
	o.mu.Lock()
	o.state = state
	o.mu.Unlock()
	s.State = state
}

func (o *Orchestrator) fail(s *Summary, log *zap.Logger, reason string, checkpointed int, err error) error {
	o.setState(s, StateFailed)
	fatal := &FatalError{RunKey: s.RunKey, Reason: reason, Checkpointed: checkpointed, Err: err}
	log.Error("analysis failed",
		zap.String("reason", reason),
		zap.Int("checkpointed", checkpointed),
		zap.Error(err),
	)
	return fatal
}

func (o *Orchestrator) filters() []filtering.Filter {
	if len(o.opts.Filters) > 0 {
		return o.opts.Filters
	}
	return filtering.Default()
}
