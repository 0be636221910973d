package filtering

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spigell/hirescope/internal/greenhouse"
)

// ExcludedApplications is the format of the exclude file.
type ExcludedApplications struct {
	Items []ExcludedApplication `json:"items"`
}

type ExcludedApplication struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// ReadExcludeFile loads an exclude file. An empty file excludes nothing.
func ReadExcludeFile(path string) (*ExcludedApplications, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, err
	}

	if stat.Size() == 0 {
		return &ExcludedApplications{}, nil
	}

	var excluded ExcludedApplications
	if err := json.NewDecoder(file).Decode(&excluded); err != nil {
		return nil, err
	}
	return &excluded, nil
}

type excludeFileFilter struct {
	path string
	ids  map[string]struct{}
}

// NewExcludeFile creates a filter that removes applications listed in the exclude file.
func NewExcludeFile() Filter {
	return &excludeFileFilter{}
}

func (f *excludeFileFilter) Name() string { return "exclude_file" }

func (f *excludeFileFilter) Disable(string) {}

func (f *excludeFileFilter) IsEnabled() bool { return true }

func (f *excludeFileFilter) Validate(cfg *Config) error {
	f.path = ""
	f.ids = nil
	if cfg != nil {
		f.path = strings.TrimSpace(cfg.ExcludeFile)
	}
	if f.path == "" {
		return nil
	}

	excluded, err := ReadExcludeFile(f.path)
	if err != nil {
		return fmt.Errorf("getting excluded applications from file: %w", err)
	}

	f.ids = make(map[string]struct{}, len(excluded.Items))
	for _, item := range excluded.Items {
		f.ids[strings.TrimSpace(item.ID)] = struct{}{}
	}
	return nil
}

func (f *excludeFileFilter) Keep(_ context.Context, app *greenhouse.Application) (bool, error) {
	_, excluded := f.ids[app.ID]
	return !excluded, nil
}

func (f *excludeFileFilter) Status() Status {
	details := map[string]string{}
	if f.path != "" {
		details["path"] = f.path
	}
	return Status{Name: f.Name(), Enabled: true, Details: details}
}
