package filtering

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spigell/hirescope/internal/greenhouse"
)

// Filter is a single skip step applied to every fetched application before it is scored.
type Filter interface {
	Name() string
	Disable(reason string)
	IsEnabled() bool

	Validate(cfg *Config) error
	// Keep reports whether the application should be analysed.
	Keep(ctx context.Context, app *greenhouse.Application) (bool, error)
}

// Step describes the result of executing a filtering step.
type Step struct {
	Initial int
	Dropped int
	Left    int
}

// Config contains configuration settings consumed by the filters.
type Config struct {
	// Done holds identifiers already present in the checkpoint.
	Done         map[string]struct{}
	ExcludeFile  string
	SkipStatuses []string
}

// Status represents runtime information about a filter.
type Status struct {
	Name    string
	Enabled bool
	Reason  string
	Details map[string]string
}

// statusProvider is implemented by filters that can supply detailed status information.
type statusProvider interface {
	Status() Status
}

// DisableByName marks a filter with the provided name as disabled while keeping it in the list.
func DisableByName(steps []Filter, name, reason string) {
	for _, step := range steps {
		if step.Name() == name {
			step.Disable(reason)
		}
	}
}

// Chain applies filters in order and counts what every step dropped.
// It is meant to be driven by a single goroutine.
type Chain struct {
	steps  []Filter
	stats  map[string]*Step
	logger *zap.Logger
}

// NewChain validates the enabled filters against cfg.
func NewChain(cfg *Config, logger *zap.Logger, steps ...Filter) (*Chain, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	stats := make(map[string]*Step, len(steps))
	for _, step := range steps {
		if !step.IsEnabled() {
			logger.Info("filter disabled", zap.String("name", step.Name()))
			continue
		}
		if err := step.Validate(cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", step.Name(), err)
		}
		stats[step.Name()] = &Step{}
	}

	return &Chain{steps: steps, stats: stats, logger: logger}, nil
}

// Keep runs the application through every enabled filter. When it is dropped,
// the name of the dropping filter is returned.
func (c *Chain) Keep(ctx context.Context, app *greenhouse.Application) (bool, string, error) {
	for _, step := range c.steps {
		if !step.IsEnabled() {
			continue
		}

		stat := c.stats[step.Name()]
		stat.Initial++

		keep, err := step.Keep(ctx, app)
		if err != nil {
			return false, step.Name(), fmt.Errorf("%s: %w", step.Name(), err)
		}
		if !keep {
			stat.Dropped++
			c.logger.Debug("application skipped",
				zap.String("filter", step.Name()),
				zap.String("record_id", app.ID),
			)
			return false, step.Name(), nil
		}
		stat.Left++
	}

	return true, "", nil
}

// Steps returns the counters of every enabled filter.
func (c *Chain) Steps() map[string]Step {
	out := make(map[string]Step, len(c.stats))
	for name, s := range c.stats {
		out[name] = *s
	}
	return out
}

// Log writes one line per enabled filter with its counters.
func (c *Chain) Log() {
	for _, step := range c.steps {
		s, ok := c.stats[step.Name()]
		if !ok {
			continue
		}
		c.logger.Info("filter step",
			zap.String("name", step.Name()),
			zap.Int("initial", s.Initial),
			zap.Int("dropped", s.Dropped),
			zap.Int("left", s.Left),
		)
	}
}

// Describe returns status entries for the provided filters.
func Describe(steps []Filter) []Status {
	statuses := make([]Status, 0, len(steps))
	for _, step := range steps {
		if reporter, ok := step.(statusProvider); ok {
			statuses = append(statuses, reporter.Status())
			continue
		}

		statuses = append(statuses, Status{
			Name:    step.Name(),
			Enabled: step.IsEnabled(),
		})
	}
	return statuses
}

// Default returns the standard chain: already checkpointed records first.
func Default() []Filter {
	return []Filter{NewCheckpointed(), NewExcludeFile(), NewStatuses()}
}
