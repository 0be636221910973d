package filtering

import (
	"context"
	"strconv"

	"github.com/spigell/hirescope/internal/greenhouse"
)

type checkpointedFilter struct {
	done map[string]struct{}
}

// NewCheckpointed creates a filter that skips applications scored by a previous run.
// It cannot be disabled: resuming must never score a record twice.
func NewCheckpointed() Filter {
	return &checkpointedFilter{}
}

func (f *checkpointedFilter) Name() string { return "checkpointed" }

func (f *checkpointedFilter) Disable(string) {}

func (f *checkpointedFilter) IsEnabled() bool { return true }

func (f *checkpointedFilter) Validate(cfg *Config) error {
	f.done = nil
	if cfg != nil {
		f.done = cfg.Done
	}
	return nil
}

func (f *checkpointedFilter) Keep(_ context.Context, app *greenhouse.Application) (bool, error) {
	_, done := f.done[app.ID]
	return !done, nil
}

func (f *checkpointedFilter) Status() Status {
	return Status{
		Name:    f.Name(),
		Enabled: true,
		Details: map[string]string{"checkpointed": strconv.Itoa(len(f.done))},
	}
}
