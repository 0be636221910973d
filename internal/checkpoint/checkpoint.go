package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spigell/hirescope/internal/scoring"
)

var (
	// ErrCorrupt means persisted state could not be decoded. The run must not continue.
	ErrCorrupt = errors.New("checkpoint is corrupt")
	// ErrConcurrentRun means another process holds the lock of the run key.
	ErrConcurrentRun = errors.New("another run holds the checkpoint lock")
	// ErrLockLost means a write was attempted with a token that no longer owns the run.
	ErrLockLost = errors.New("checkpoint lock is not held")
)

// Token proves ownership of a run key between Lock and Unlock.
type Token string

// Record is the part of a fetched record kept alongside its score.
type Record struct {
	ID          string `json:"id"`
	CandidateID string `json:"candidate_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Stage       string `json:"stage"`
	AppliedAt   string `json:"applied_at"`
	// Seq is the position of the record in the fetch order.
	Seq int `json:"seq"`
}

type Entry struct {
	Record Record         `json:"record"`
	Result scoring.Result `json:"result"`
}

// Meta describes the collection a run analyses.
type Meta struct {
	JobID   string `json:"job_id"`
	JobName string `json:"job_name"`
}

type Checkpoint struct {
	RunKey    string    `json:"run_key"`
	Meta      Meta      `json:"meta"`
	Entries   []Entry   `json:"entries"`
	Cost      float64   `json:"cost"`
	Processed int       `json:"processed"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Finalized bool      `json:"finalized"`

	index map[string]struct{}
}

// Store persists checkpoints. A single holder of the run lock may write.
type Store interface {
	Lock(ctx context.Context, key string) (Token, error)
	Unlock(ctx context.Context, key string, token Token) error
	// ForceUnlock drops the lock whoever holds it. Only for operators clearing
	// a lock left behind by a run that no longer exists.
	ForceUnlock(ctx context.Context, key string) error
	// Load returns nil when the run has no persisted progress.
	Load(ctx context.Context, key string) (*Checkpoint, error)
	// Append durably adds entries. Entries already present are ignored.
	Append(ctx context.Context, key string, token Token, meta Meta, entries ...Entry) error
	Finalize(ctx context.Context, key string, token Token, meta Meta) error
}

// RunKeyFor derives the run key from the analysed collection, never from time.
func RunKeyFor(source, jobID string) string {
	clean := func(s string) string {
		s = strings.ToLower(strings.TrimSpace(s))
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
				return r
			}
			return '-'
		}, s)
	}
	return fmt.Sprintf("%s-job-%s", clean(source), clean(jobID))
}

func New(key string, meta Meta, now time.Time) *Checkpoint {
	return &Checkpoint{
		RunKey:    key,
		Meta:      meta,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Has reports whether the record was already scored.
func (c *Checkpoint) Has(id string) bool {
	c.ensureIndex()
	_, ok := c.index[id]
	return ok
}

// IDs returns the identifiers of all scored records.
func (c *Checkpoint) IDs() map[string]struct{} {
	c.ensureIndex()
	out := make(map[string]struct{}, len(c.index))
	for id := range c.index {
		out[id] = struct{}{}
	}
	return out
}

// Add appends entries whose record is not present yet and returns them.
func (c *Checkpoint) Add(entries ...Entry) []Entry {
	c.ensureIndex()

	added := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if _, ok := c.index[e.Record.ID]; ok {
			continue
		}
		c.index[e.Record.ID] = struct{}{}
		c.Entries = append(c.Entries, e)
		c.Cost += e.Result.Cost
		added = append(added, e)
	}
	c.Processed = len(c.Entries)

	return added
}

// Validate checks the structural invariants of a loaded checkpoint.
func (c *Checkpoint) Validate() error {
	seen := make(map[string]struct{}, len(c.Entries))
	var sum float64
	for i, e := range c.Entries {
		if e.Record.ID == "" {
			return fmt.Errorf("%w: entry %d has no record id", ErrCorrupt, i)
		}
		if _, ok := seen[e.Record.ID]; ok {
			return fmt.Errorf("%w: duplicate record %s", ErrCorrupt, e.Record.ID)
		}
		seen[e.Record.ID] = struct{}{}
		sum += e.Result.Cost
	}
	if c.Processed != len(c.Entries) {
		return fmt.Errorf("%w: processed %d but %d entries", ErrCorrupt, c.Processed, len(c.Entries))
	}
	if math.Abs(c.Cost-sum) > 1e-6 {
		return fmt.Errorf("%w: cost %.6f does not match entries %.6f", ErrCorrupt, c.Cost, sum)
	}
	return nil
}

// recount rebuilds derived fields from the entries.
func (c *Checkpoint) recount() {
	c.index = nil
	c.Cost = 0
	for _, e := range c.Entries {
		c.Cost += e.Result.Cost
	}
	c.Processed = len(c.Entries)
	c.ensureIndex()
}

func (c *Checkpoint) ensureIndex() {
	if c.index != nil {
		return
	}
	c.index = make(map[string]struct{}, len(c.Entries))
	for _, e := range c.Entries {
		c.index[e.Record.ID] = struct{}{}
	}
}

func (m Meta) merge(other Meta) Meta {
	if other.JobID != "" {
		m.JobID = other.JobID
	}
	if other.JobName != "" {
		m.JobName = other.JobName
	}
	return m
}
