package greenhouse

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
)

const jobsPath = "/jobs"

type Job struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Status            string         `json:"status"`
	Notes             string         `json:"notes"`
	CreatedAt         string         `json:"created_at"`
	Departments       []Named        `json:"departments"`
	Offices           []Named        `json:"offices"`
	KeyedCustomFields map[string]any `json:"keyed_custom_fields"`
}

type Named struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Department returns the first department name or "N/A".
func (j *Job) Department() string {
	if len(j.Departments) == 0 || j.Departments[0].Name == "" {
		return "N/A"
	}
	return j.Departments[0].Name
}

// Created returns the creation date without the time part.
func (j *Job) Created() string {
	if len(j.CreatedAt) > 10 {
		return j.CreatedAt[:10]
	}
	return j.CreatedAt
}

// Job returns a single job with its metadata.
func (c *Client) Job(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := c.getObject(ctx, fmt.Sprintf("%s%s/%s", c.APIURL, jobsPath, url.PathEscape(id)), &job); err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &job, nil
}

// Jobs lists the jobs visible to the API key, newest first.
func (c *Client) Jobs(ctx context.Context) ([]*Job, error) {
	q := url.Values{}
	q.Set("per_page", strconv.Itoa(c.perPage()))

	var jobs []*Job
	for items, err := range c.Pages(ctx, jobsPath, q) {
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}

		var page []*Job
		if err := decodeItems(items, &page); err != nil {
			return nil, fmt.Errorf("decode jobs: %w", err)
		}
		jobs = append(jobs, page...)
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt > jobs[j].CreatedAt
	})

	return jobs, nil
}
