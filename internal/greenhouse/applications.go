package greenhouse

import (
	"context"
	"fmt"
	"iter"
	"net/url"
	"strconv"
	"strings"
)

const (
	applicationsPath = "/applications"

	StatusActive    = "active"
	StatusRejected  = "rejected"
	StatusHired     = "hired"
	StatusConverted = "converted"
)

// Application is one candidate's application to a job. It is the unit of work
// of an analysis run and is never modified after it is fetched.
type Application struct {
	ID           string       `json:"id"`
	CandidateID  string       `json:"candidate_id"`
	Prospect     bool         `json:"prospect"`
	Status       string       `json:"status"`
	AppliedAt    string       `json:"applied_at"`
	RejectedAt   string       `json:"rejected_at"`
	CurrentStage *Stage       `json:"current_stage"`
	Attachments  []Attachment `json:"attachments"`
	Answers      []Answer     `json:"answers"`
}

type Stage struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Attachment struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
	Type     string `json:"type"`
}

type Answer struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// StageName returns the current stage name or an empty string.
func (a *Application) StageName() string {
	if a.CurrentStage == nil {
		return ""
	}
	return a.CurrentStage.Name
}

// Applications lazily yields every application of the job, page by page.
// Iteration stops at the first error, which is yielded with a nil application.
func (c *Client) Applications(ctx context.Context, jobID string) iter.Seq2[*Application, error] {
	return func(yield func(*Application, error) bool) {
		q := url.Values{}
		q.Set("job_id", jobID)
		q.Set("per_page", strconv.Itoa(c.perPage()))

		for items, err := range c.Pages(ctx, applicationsPath, q) {
			if err != nil {
				yield(nil, fmt.Errorf("applications of job %s: %w", jobID, err))
				return
			}

			var apps []*Application
			if err := decodeItems(items, &apps); err != nil {
				yield(nil, fmt.Errorf("decode applications of job %s: %w", jobID, err))
				return
			}

			for _, app := range apps {
				if app == nil || strings.TrimSpace(app.ID) == "" {
					continue
				}
				if !yield(app, nil) {
					return
				}
			}
		}
	}
}

// SampleApplication returns the first application of the job, or nil when there is none.
func (c *Client) SampleApplication(ctx context.Context, jobID string) (*Application, error) {
	q := url.Values{}
	q.Set("job_id", jobID)
	q.Set("per_page", "1")

	for items, err := range c.Pages(ctx, applicationsPath, q) {
		if err != nil {
			return nil, err
		}

		var apps []*Application
		if err := decodeItems(items, &apps); err != nil {
			return nil, err
		}
		if len(apps) > 0 {
			return apps[0], nil
		}
		break
	}

	return nil, nil
}
