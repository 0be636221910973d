package report

import (
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/spigell/hirescope/internal/checkpoint"
)

// Rule selects the flagged subset: records whose status or stage is one of
// Statuses and whose score is at least Threshold.
type Rule struct {
	Threshold float64  `mapstructure:"threshold" json:"threshold"`
	Statuses  []string `mapstructure:"statuses" json:"statuses"`
}

// DefaultRule flags previously rejected candidates scoring 70 or more.
var DefaultRule = Rule{
	Threshold: 70,
	Statuses:  []string{"rejected"},
}

// Match reports whether the entry belongs to the flagged subset.
func (r Rule) Match(e checkpoint.Entry) bool {
	if e.Result.Score < r.Threshold {
		return false
	}
	for _, s := range r.Statuses {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if strings.EqualFold(s, e.Record.Status) || strings.EqualFold(s, e.Record.Stage) {
			return true
		}
	}
	return false
}

// DefaultProfileURL is the Greenhouse web app that candidate links point to.
const DefaultProfileURL = "https://app.greenhouse.io"

type Options struct {
	// TopN limits the headline list. Zero keeps every entry.
	TopN int
	Flag Rule
	// ProfileURL is the base of candidate links, DefaultProfileURL when empty.
	ProfileURL string
}

type Entry struct {
	Rank int `json:"rank"`
	// Link opens the application in the Greenhouse web app.
	Link string `json:"link,omitempty"`
	checkpoint.Entry
}

// ProfileLink builds the web app link of an application. Records without a
// candidate id have no link.
func ProfileLink(base string, rec checkpoint.Record) string {
	if rec.CandidateID == "" {
		return ""
	}
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = DefaultProfileURL
	}
	link := base + "/people/" + url.PathEscape(rec.CandidateID)
	if rec.ID != "" {
		link += "?application_id=" + url.QueryEscape(rec.ID)
	}
	return link
}

// Report is derived from a checkpoint and never persisted on its own.
type Report struct {
	RunKey     string          `json:"run_key"`
	Meta       checkpoint.Meta `json:"meta"`
	Finalized  bool            `json:"finalized"`
	Cost       float64         `json:"cost"`
	Scored     int             `json:"scored"`
	Duplicates int             `json:"duplicates"`
	Rule       Rule            `json:"rule"`
	Ranked     []Entry         `json:"ranked"`
	Top        []Entry         `json:"top"`
	Flagged    []Entry         `json:"flagged"`
}

// RunInfo carries metadata of the run that produced the checkpoint.
type RunInfo struct {
	Cost               float64       `json:"cost"`
	CumulativeCost     float64       `json:"cumulative_cost"`
	Elapsed            time.Duration `json:"elapsed"`
	ExtractionFailures int           `json:"extraction_failures"`
	Failed             int           `json:"failed"`
	BudgetExhausted    bool          `json:"budget_exhausted"`
}

// Aggregate ranks the checkpoint by score. Ties keep fetch order, so the same
// checkpoint always yields the same report. A candidate who applied more than
// once is listed with the best scoring application only.
func Aggregate(cp *checkpoint.Checkpoint, opts Options) *Report {
	r := &Report{Rule: opts.Flag}
	if cp == nil {
		return r
	}

	r.RunKey = cp.RunKey
	r.Meta = cp.Meta
	r.Finalized = cp.Finalized
	r.Cost = cp.Cost
	r.Scored = len(cp.Entries)

	entries := make([]checkpoint.Entry, len(cp.Entries))
	copy(entries, cp.Entries)
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Result.Score != b.Result.Score {
			return a.Result.Score > b.Result.Score
		}
		if a.Record.Seq != b.Record.Seq {
			return a.Record.Seq < b.Record.Seq
		}
		return a.Record.ID < b.Record.ID
	})

	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if id := e.Record.CandidateID; id != "" {
			if _, dup := seen[id]; dup {
				r.Duplicates++
				continue
			}
			seen[id] = struct{}{}
		}
		r.Ranked = append(r.Ranked, Entry{
			Rank:  len(r.Ranked) + 1,
			Link:  ProfileLink(opts.ProfileURL, e.Record),
			Entry: e,
		})
	}

	r.Top = r.Ranked
	if opts.TopN > 0 && len(r.Top) > opts.TopN {
		r.Top = r.Ranked[:opts.TopN]
	}

	for _, e := range r.Ranked {
		if opts.Flag.Match(e.Entry) {
			r.Flagged = append(r.Flagged, e)
		}
	}

	return r
}

// AverageScore returns the mean score of ranked entries.
func (r *Report) AverageScore() float64 {
	if len(r.Ranked) == 0 {
		return 0
	}
	var sum float64
	for _, e := range r.Ranked {
		sum += e.Result.Score
	}
	return sum / float64(len(r.Ranked))
}
