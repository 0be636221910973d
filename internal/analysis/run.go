package analysis

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spigell/hirescope/internal/checkpoint"
	"github.com/spigell/hirescope/internal/filtering"
	"github.com/spigell/hirescope/internal/greenhouse"
	"github.com/spigell/hirescope/internal/logger"
	"github.com/spigell/hirescope/internal/report"
	"github.com/spigell/hirescope/internal/scoring"
)

type task struct {
	app *greenhouse.Application
	seq int
}

type result struct {
	app                *greenhouse.Application
	name               string
	entry              checkpoint.Entry
	extractionFailures int
	stage              string
	err                error
}

// Run analyses every application of the job not yet present in the checkpoint.
//
// A canceled context stops the run between records: results that completed are
// checkpointed and ctx.Err() is returned together with the partial outcome.
// Errors that stop the run are *FatalError.
func (o *Orchestrator) Run(ctx context.Context, job Job) (*Outcome, error) {
	started := o.now()
	key := checkpoint.RunKeyFor(o.opts.SourceName, job.ID)
	log := logger.WithRunFields(o.logger, key, job.ID)
	meta := checkpoint.Meta{JobID: job.ID, JobName: job.Name}

	summary := &Summary{RunKey: key}
	out := &Outcome{Summary: summary}
	o.setState(summary, StateIdle)

	token, err := o.store.Lock(ctx, key)
	if err != nil {
		// Reading without the lock is safe: the holder only appends.
		checkpointed := 0
		if cp, lerr := o.store.Load(ctx, key); lerr == nil && cp != nil {
			checkpointed = cp.Processed
			summary.Checkpointed = cp.Processed
			summary.PreviousCost = cp.Cost
		}
		return out, o.fail(summary, log, "lock", checkpointed, err)
	}
	defer func() {
		if err := o.store.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
			log.Warn("releasing checkpoint lock", zap.Error(err))
		}
	}()

	cp, err := o.store.Load(ctx, key)
	if err != nil {
		return out, o.fail(summary, log, "load", 0, err)
	}
	if cp == nil {
		cp = checkpoint.New(key, meta, started)
	} else {
		log.Info("resuming from checkpoint",
			zap.Int("checkpointed", cp.Processed),
			zap.Float64("cost", cp.Cost),
			zap.Bool("finalized", cp.Finalized),
		)
	}
	out.Checkpoint = cp
	summary.PreviousCost = cp.Cost
	summary.Checkpointed = cp.Processed
	persisted := cp.Processed

	chain, err := filtering.NewChain(&filtering.Config{
		Done:         cp.IDs(),
		ExcludeFile:  o.opts.ExcludeFile,
		SkipStatuses: o.opts.SkipStatuses,
	}, log, o.filters()...)
	if err != nil {
		return out, o.fail(summary, log, "filters", persisted, err)
	}

	fetchCtx, stopFetch := context.WithCancel(ctx)
	defer stopFetch()

	var stopped atomic.Bool
	if o.opts.Budget > 0 && cp.Cost >= o.opts.Budget {
		stopped.Store(true)
		summary.BudgetExhausted = true
		log.Warn("budget already exhausted by previous runs", zap.Float64("budget", o.opts.Budget), zap.Float64("cost", cp.Cost))
	}

	o.setState(summary, StateFetching)
	log.Info("fetching applications", zap.Int("workers", o.opts.Workers), zap.Int("checkpoint_every", o.opts.CheckpointEvery))

	tasks := make(chan task)
	results := make(chan result, o.opts.Workers)

	var (
		fetchErr         error
		fetched, skipped int
	)
	producerDone := make(chan struct{})

	// The producer owns the filter chain and is the only goroutine affected by
	// fetch backoff.
	go func() {
		defer close(producerDone)
		defer close(tasks)

		for app, err := range o.source.Applications(fetchCtx, job.ID) {
			if err != nil {
				fetchErr = err
				return
			}
			fetched++

			keep, _, err := chain.Keep(fetchCtx, app)
			if err != nil {
				fetchErr = err
				return
			}
			if !keep {
				skipped++
				continue
			}
			if stopped.Load() {
				return
			}

			select {
			case tasks <- task{app: app, seq: fetched}:
			case <-fetchCtx.Done():
				return
			}
		}
	}()

	var g errgroup.Group
	for range o.opts.Workers {
		g.Go(func() error {
			for t := range tasks {
				if ctx.Err() != nil || stopped.Load() {
					continue
				}
				results <- o.process(ctx, log, job, t)
			}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(results)
	}()

	var (
		pending  []checkpoint.Entry
		storeErr error
	)
	flush := func(reason string) {
		if len(pending) == 0 || storeErr != nil {
			return
		}
		if err := o.store.Append(context.WithoutCancel(ctx), key, token, meta, pending...); err != nil {
			storeErr = err
			stopped.Store(true)
			stopFetch()
			return
		}
		persisted += len(pending)
		summary.Checkpointed = persisted
		log.Info("checkpoint saved",
			zap.String("reason", reason),
			zap.Int("entries", len(pending)),
			zap.Int("checkpointed", persisted),
			zap.Float64("cost", cp.Cost),
		)
		pending = nil
	}

	for res := range results {
		summary.ExtractionFailures += res.extractionFailures

		if res.err != nil {
			if ctx.Err() != nil && !scoring.Recoverable(res.err) {
				summary.Dropped++
				log.Debug("in-flight record abandoned", zap.String(logger.FieldRecordID, res.app.ID))
				continue
			}
			summary.Failed++
			summary.Failures = append(summary.Failures, Failure{
				RecordID: res.app.ID,
				Name:     res.name,
				Stage:    res.stage,
				Reason:   res.err.Error(),
			})
			log.Warn("record failed",
				zap.String(logger.FieldRecordID, res.app.ID),
				zap.String("stage", res.stage),
				zap.Error(res.err),
			)
			continue
		}
		if storeErr != nil {
			continue
		}

		added := cp.Add(res.entry)
		if len(added) == 0 {
			continue
		}
		pending = append(pending, added...)
		summary.Scored++
		summary.RunCost += res.entry.Result.Cost

		log.Info("record scored",
			zap.String(logger.FieldRecordID, res.app.ID),
			zap.String("name", res.entry.Record.Name),
			zap.Float64("score", res.entry.Result.Score),
			zap.Float64("cost", res.entry.Result.Cost),
			zap.Int("pending", len(pending)),
		)

		if len(pending) >= o.opts.CheckpointEvery {
			flush("cadence")
		}

		if o.opts.Budget > 0 && cp.Cost >= o.opts.Budget && !summary.BudgetExhausted {
			summary.BudgetExhausted = true
			stopped.Store(true)
			stopFetch()
			log.Warn("budget exhausted, no new records will be started",
				zap.Float64("budget", o.opts.Budget),
				zap.Float64("cost", cp.Cost),
			)
		}
	}
	<-producerDone

	switch {
	case ctx.Err() != nil:
		flush("interrupted")
	case summary.BudgetExhausted:
		flush("budget")
	case fetchErr != nil:
		flush("fetch error")
	default:
		flush("complete")
	}

	summary.Fetched = fetched
	summary.Skipped = skipped
	summary.Steps = chain.Steps()
	summary.CumulativeCost = cp.Cost
	summary.Elapsed = o.now().Sub(started)
	chain.Log()

	if storeErr != nil {
		return out, o.fail(summary, log, "checkpoint", persisted, storeErr)
	}
	if fetchErr != nil && ctx.Err() == nil && !stopped.Load() {
		return out, o.fail(summary, log, "fetch", persisted, fetchErr)
	}
	if err := ctx.Err(); err != nil {
		o.setState(summary, StateCanceled)
		out.Report = report.Aggregate(cp, o.opts.Report)
		log.Warn("analysis interrupted, run again to resume",
			zap.Int("checkpointed", persisted),
			zap.Int("dropped", summary.Dropped),
		)
		return out, err
	}

	o.setState(summary, StateAggregating)
	if !summary.BudgetExhausted {
		if err := o.store.Finalize(ctx, key, token, meta); err != nil {
			return out, o.fail(summary, log, "finalize", persisted, err)
		}
		cp.Finalized = true
		summary.Finalized = true
	}

	out.Report = report.Aggregate(cp, o.opts.Report)
	o.setState(summary, StateDone)

	log.Info("analysis finished",
		zap.Int("fetched", summary.Fetched),
		zap.Int("skipped", summary.Skipped),
		zap.Int("scored", summary.Scored),
		zap.Int("failed", summary.Failed),
		zap.Int("extraction_failures", summary.ExtractionFailures),
		zap.Float64("run_cost", summary.RunCost),
		zap.Float64("cumulative_cost", summary.CumulativeCost),
		zap.Duration("elapsed", summary.Elapsed),
	)

	return out, nil
}
