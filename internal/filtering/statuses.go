package filtering

import (
	"context"
	"strings"

	"github.com/spigell/hirescope/internal/greenhouse"
)

type statusesFilter struct {
	disabled bool
	reason   string
	skip     map[string]struct{}
}

// NewStatuses creates a filter that skips applications in the configured statuses, e.g. hired.
func NewStatuses() Filter {
	return &statusesFilter{}
}

func (f *statusesFilter) Name() string { return "statuses" }

func (f *statusesFilter) Disable(reason string) {
	f.disabled = true
	f.reason = reason
}

func (f *statusesFilter) IsEnabled() bool { return !f.disabled }

func (f *statusesFilter) Validate(cfg *Config) error {
	f.skip = make(map[string]struct{})
	if cfg == nil {
		return nil
	}
	for _, s := range cfg.SkipStatuses {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			f.skip[s] = struct{}{}
		}
	}
	return nil
}

func (f *statusesFilter) Keep(_ context.Context, app *greenhouse.Application) (bool, error) {
	_, skip := f.skip[strings.ToLower(app.Status)]
	return !skip, nil
}

func (f *statusesFilter) Status() Status {
	names := make([]string, 0, len(f.skip))
	for s := range f.skip {
		names = append(names, s)
	}
	details := map[string]string{}
	if len(names) > 0 {
		details["statuses"] = strings.Join(names, ",")
	}
	return Status{Name: f.Name(), Enabled: f.IsEnabled(), Reason: f.reason, Details: details}
}
