package analysis

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/spigell/hirescope/internal/checkpoint"
	"github.com/spigell/hirescope/internal/extract"
	"github.com/spigell/hirescope/internal/greenhouse"
	"github.com/spigell/hirescope/internal/report"
	"github.com/spigell/hirescope/internal/scoring"
)

var testJob = Job{ID: "42", Name: "Backend Engineer", Description: "Go services"}

type fakeSource struct {
	apps     []*greenhouse.Application
	failAt   int
	fetchErr error
	files    map[string][]byte
}

func newSource(n int) *fakeSource {
	src := &fakeSource{files: map[string][]byte{}}
	for i := 1; i <= n; i++ {
		src.apps = append(src.apps, &greenhouse.Application{
			ID:          fmt.Sprintf("app-%02d", i),
			CandidateID: fmt.Sprintf("c-%02d", i),
			Status:      greenhouse.StatusActive,
			AppliedAt:   "2024-03-01T10:00:00Z",
		})
	}
	return src
}

func (f *fakeSource) Applications(ctx context.Context, _ string) iter.Seq2[*greenhouse.Application, error] {
	return func(yield func(*greenhouse.Application, error) bool) {
		for i, app := range f.apps {
			if f.fetchErr != nil && i == f.failAt {
				yield(nil, f.fetchErr)
				return
			}
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(app, nil) {
				return
			}
		}
	}
}

func (f *fakeSource) Candidate(_ context.Context, id string) (*greenhouse.Candidate, error) {
	if id == "missing" {
		return nil, errors.New("not found")
	}
	return &greenhouse.Candidate{
		ID:             id,
		FirstName:      "Name",
		LastName:       id,
		EmailAddresses: []greenhouse.ContactValue{{Value: id + "@example.com"}},
	}, nil
}

func (f *fakeSource) Download(_ context.Context, att greenhouse.Attachment) ([]byte, error) {
	data, ok := f.files[att.URL]
	if !ok {
		return nil, errors.New("404 Not Found")
	}
	return data, nil
}

type fakeExtractor struct{}

func (fakeExtractor) Extract(_ context.Context, in extract.Input) extract.Document {
	doc := extract.Document{RecordID: in.RecordID, Filename: in.Filename, Format: extract.FormatText}
	if string(in.Bytes) == "scan" {
		doc.Status = extract.StatusNonExtractable
		doc.Pages = 2
		return doc
	}
	doc.Status = extract.StatusOK
	doc.Text = string(in.Bytes)
	return doc
}

type fakeScorer struct {
	mu       sync.Mutex
	cost     float64
	scores   map[string]float64
	fail     map[string]error
	after    func(calls int)
	calls    []string
	requests map[string]scoring.Request
}

func (f *fakeScorer) Score(_ context.Context, req scoring.Request) (*scoring.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.RecordID)
	n := len(f.calls)
	if f.requests == nil {
		f.requests = map[string]scoring.Request{}
	}
	f.requests[req.RecordID] = req
	err := f.fail[req.RecordID]
	score, ok := f.scores[req.RecordID]
	f.mu.Unlock()

	if f.after != nil {
		f.after(n)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		score = 50
	}
	return &scoring.Result{RecordID: req.RecordID, Score: score, Cost: f.cost, Model: "fake"}, nil
}

func (f *fakeScorer) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newStore(t *testing.T) *checkpoint.FileStore {
	t.Helper()
	store, err := checkpoint.NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func loadCheckpoint(t *testing.T, store checkpoint.Store) *checkpoint.Checkpoint {
	t.Helper()
	cp, err := store.Load(context.Background(), checkpoint.RunKeyFor("greenhouse", testJob.ID))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cp == nil {
		t.Fatal("expected a persisted checkpoint")
	}
	if err := cp.Validate(); err != nil {
		t.Fatalf("invalid checkpoint: %v", err)
	}
	return cp
}

func TestRunScoresEveryRecord(t *testing.T) {
	store := newStore(t)
	source := newSource(6)
	source.apps[2].Status = greenhouse.StatusHired
	source.apps[4].Status = greenhouse.StatusRejected
	scorer := &fakeScorer{cost: 0.05, scores: map[string]float64{"app-05": 81, "app-02": 90}}

	o := New(source, fakeExtractor{}, scorer, store, Options{
		Workers:         3,
		CheckpointEvery: 2,
		SkipStatuses:    []string{"hired"},
		Report:          report.Options{TopN: 2, Flag: report.DefaultRule},
	}, nil)

	out, err := o.Run(context.Background(), testJob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := out.Summary
	if o.State() != StateDone || s.State != StateDone {
		t.Fatalf("unexpected state %s / %s", o.State(), s.State)
	}
	if s.Fetched != 6 || s.Skipped != 1 || s.Scored != 5 || s.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if !s.Finalized || s.Checkpointed != 5 {
		t.Fatalf("expected finalized checkpoint with 5 entries: %+v", s)
	}
	if s.Steps["statuses"].Dropped != 1 {
		t.Fatalf("unexpected steps: %+v", s.Steps)
	}

	cp := loadCheckpoint(t, store)
	if !cp.Finalized || len(cp.Entries) != 5 {
		t.Fatalf("unexpected persisted checkpoint: finalized %v entries %d", cp.Finalized, len(cp.Entries))
	}
	if cp.Has("app-03") {
		t.Fatalf("skipped record must not be checkpointed")
	}
	for _, e := range cp.Entries {
		if e.Record.Name != "Name "+e.Record.CandidateID {
			t.Fatalf("unexpected name %q", e.Record.Name)
		}
	}

	if len(out.Report.Top) != 2 || out.Report.Top[0].Record.ID != "app-02" {
		t.Fatalf("unexpected top: %+v", out.Report.Top)
	}
	if len(out.Report.Flagged) != 1 || out.Report.Flagged[0].Record.ID != "app-05" {
		t.Fatalf("unexpected flagged: %+v", out.Report.Flagged)
	}
}

func TestResumeAfterInterruption(t *testing.T) {
	store := newStore(t)
	source := newSource(25)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := &fakeScorer{cost: 0.01, after: func(calls int) {
		if calls == 12 {
			cancel()
		}
	}}

	opts := Options{Workers: 1, CheckpointEvery: 10}
	out, err := New(source, fakeExtractor{}, first, store, opts, nil).Run(ctx, testJob)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if out.Summary.State != StateCanceled || out.Summary.Checkpointed != 12 {
		t.Fatalf("unexpected summary after interruption: %+v", out.Summary)
	}

	cp := loadCheckpoint(t, store)
	if cp.Processed != 12 || cp.Finalized {
		t.Fatalf("expected 12 checkpointed records, got %d (finalized %v)", cp.Processed, cp.Finalized)
	}

	second := &fakeScorer{cost: 0.01}
	out, err = New(source, fakeExtractor{}, second, store, opts, nil).Run(context.Background(), testJob)
	if err != nil {
		t.Fatalf("unexpected error on resume: %v", err)
	}

	calls := second.called()
	if len(calls) != 13 {
		t.Fatalf("expected 13 records processed on resume, got %d", len(calls))
	}
	for _, id := range calls {
		if cp.Has(id) {
			t.Fatalf("checkpointed record %s was scored again", id)
		}
	}
	if out.Summary.Skipped != 12 {
		t.Fatalf("expected 12 skipped records, got %d", out.Summary.Skipped)
	}

	final := loadCheckpoint(t, store)
	if len(final.Entries) != 25 || !final.Finalized {
		t.Fatalf("expected 25 entries in finalized checkpoint, got %d", len(final.Entries))
	}
	seen := map[string]bool{}
	for _, e := range final.Entries {
		if seen[e.Record.ID] {
			t.Fatalf("duplicate entry %s", e.Record.ID)
		}
		seen[e.Record.ID] = true
	}
}

func TestRecordFailuresAreNotFatal(t *testing.T) {
	store := newStore(t)
	source := newSource(5)
	scorer := &fakeScorer{cost: 0.02, fail: map[string]error{
		"app-03": &scoring.ExhaustedError{RecordID: "app-03", Attempts: 5, Err: errors.New("503 Service Unavailable")},
		"app-04": &scoring.ParseError{RecordID: "app-04", Raw: "not json", Err: errors.New("invalid character")},
	}}

	out, err := New(source, fakeExtractor{}, scorer, store, Options{CheckpointEvery: 10}, nil).Run(context.Background(), testJob)
	if err != nil {
		t.Fatalf("record failures must not fail the run: %v", err)
	}

	s := out.Summary
	if s.Scored != 3 || s.Failed != 2 || len(s.Failures) != 2 {
		t.Fatalf("unexpected summary: %+v", s)
	}
	for _, f := range s.Failures {
		if f.Stage != stageScoring {
			t.Fatalf("unexpected failure stage %+v", f)
		}
	}
	if math.Abs(s.CumulativeCost-0.06) > 1e-9 || math.Abs(s.RunCost-0.06) > 1e-9 {
		t.Fatalf("failed records must not add cost: %+v", s)
	}

	cp := loadCheckpoint(t, store)
	if len(cp.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(cp.Entries))
	}

	retry := &fakeScorer{cost: 0.02}
	out, err = New(source, fakeExtractor{}, retry, store, Options{}, nil).Run(context.Background(), testJob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls := retry.called(); len(calls) != 2 {
		t.Fatalf("expected only the failed records to be retried, got %v", calls)
	}
	if math.Abs(out.Summary.CumulativeCost-0.10) > 1e-9 || math.Abs(out.Summary.PreviousCost-0.06) > 1e-9 {
		t.Fatalf("unexpected cost accounting: %+v", out.Summary)
	}
}

func TestFatalFetchKeepsCheckpoint(t *testing.T) {
	store := newStore(t)
	source := newSource(10)
	source.failAt = 5
	source.fetchErr = &greenhouse.RateLimitError{URL: "https://harvest.greenhouse.io/v1/applications", Attempts: 6}
	scorer := &fakeScorer{cost: 0.01}

	o := New(source, fakeExtractor{}, scorer, store, Options{Workers: 2, CheckpointEvery: 10}, nil)
	out, err := o.Run(context.Background(), testJob)

	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if !errors.Is(err, greenhouse.ErrRateLimitExceeded) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if fatal.Reason != "fetch" || fatal.Checkpointed != 5 {
		t.Fatalf("unexpected fatal error: %+v", fatal)
	}
	if o.State() != StateFailed || out.Summary.Finalized {
		t.Fatalf("unexpected state %s", o.State())
	}

	cp := loadCheckpoint(t, store)
	if len(cp.Entries) != 5 || cp.Finalized {
		t.Fatalf("expected 5 resumable entries, got %d", len(cp.Entries))
	}

	token, err := store.Lock(context.Background(), cp.RunKey)
	if err != nil {
		t.Fatalf("lock must be released after a fatal error: %v", err)
	}
	_ = store.Unlock(context.Background(), cp.RunKey, token)
}

func TestConcurrentRunIsRejected(t *testing.T) {
	store := newStore(t)
	key := checkpoint.RunKeyFor("greenhouse", testJob.ID)
	token, err := store.Lock(context.Background(), key)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer store.Unlock(context.Background(), key, token)

	scorer := &fakeScorer{}
	_, err = New(newSource(3), fakeExtractor{}, scorer, store, Options{}, nil).Run(context.Background(), testJob)
	if !errors.Is(err, checkpoint.ErrConcurrentRun) {
		t.Fatalf("expected concurrent run error, got %v", err)
	}
	if len(scorer.called()) != 0 {
		t.Fatalf("nothing must be scored without the lock")
	}
}

func TestLockedRunReportsPersistedProgress(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	key := checkpoint.RunKeyFor("greenhouse", testJob.ID)

	// A run that died after checkpointing two records and never unlocked.
	token, err := store.Lock(ctx, key)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	for i, id := range []string{"app-01", "app-02"} {
		e := checkpoint.Entry{
			Record: checkpoint.Record{ID: id, CandidateID: "c-" + id, Status: "active", Seq: i},
			Result: scoring.Result{RecordID: id, Score: 70, Cost: 0.01},
		}
		if err := store.Append(ctx, key, token, checkpoint.Meta{JobID: testJob.ID}, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	scorer := &fakeScorer{cost: 0.01}
	out, err := New(newSource(3), fakeExtractor{}, scorer, store, Options{}, nil).Run(ctx, testJob)
	var fatal *FatalError
	if !errors.As(err, &fatal) || !errors.Is(err, checkpoint.ErrConcurrentRun) {
		t.Fatalf("expected fatal concurrent run error, got %v", err)
	}
	if fatal.Reason != "lock" || fatal.Checkpointed != 2 || out.Summary.Checkpointed != 2 {
		t.Fatalf("expected 2 checkpointed records reported, got %+v / %+v", fatal, out.Summary)
	}

	if err := store.ForceUnlock(ctx, key); err != nil {
		t.Fatalf("force unlock: %v", err)
	}
	if _, err := New(newSource(3), fakeExtractor{}, scorer, store, Options{}, nil).Run(ctx, testJob); err != nil {
		t.Fatalf("unexpected error after unlock: %v", err)
	}
	if calls := scorer.called(); len(calls) != 1 || calls[0] != "app-03" {
		t.Fatalf("expected only app-03 to be scored, got %v", calls)
	}
}

func TestBudgetStopsNewRecords(t *testing.T) {
	store := newStore(t)
	scorer := &fakeScorer{cost: 1}

	out, err := New(newSource(10), fakeExtractor{}, scorer, store, Options{Workers: 1, Budget: 3}, nil).Run(context.Background(), testJob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := out.Summary
	if !s.BudgetExhausted || s.Finalized {
		t.Fatalf("expected budget stop without finalization: %+v", s)
	}
	// Records already handed to the worker when the budget is reached still complete.
	if s.Scored < 3 || s.Scored > 5 {
		t.Fatalf("unexpected scored count %d", s.Scored)
	}

	cp := loadCheckpoint(t, store)
	if len(cp.Entries) != s.Scored || cp.Cost != float64(s.Scored) {
		t.Fatalf("in-flight results must be checkpointed: %d entries, cost %v", len(cp.Entries), cp.Cost)
	}

	again := &fakeScorer{cost: 1}
	out, err = New(newSource(10), fakeExtractor{}, again, store, Options{Budget: 3}, nil).Run(context.Background(), testJob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(again.called()) != 0 || !out.Summary.BudgetExhausted {
		t.Fatalf("an exhausted budget must not start new records")
	}
}

func TestExtractionProblemsReachScorer(t *testing.T) {
	store := newStore(t)
	source := newSource(1)
	source.apps[0].CandidateID = "missing"
	source.apps[0].Attachments = []greenhouse.Attachment{
		{Filename: "resume.txt", URL: "resume", Type: "resume"},
		{Filename: "portfolio.pdf", URL: "scan", Type: "other"},
		{Filename: "letter.docx", URL: "gone", Type: "cover_letter"},
	}
	source.apps[0].Answers = []greenhouse.Answer{
		{Question: "Years of Go experience?", Answer: "6"},
		{Question: "Anything else?", Answer: " "},
	}
	source.files["resume"] = []byte("Built payment services in Go")
	source.files["scan"] = []byte("scan")
	scorer := &fakeScorer{}

	out, err := New(source, fakeExtractor{}, scorer, store, Options{CompanyContext: "fintech"}, nil).Run(context.Background(), testJob)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Summary.ExtractionFailures != 2 || out.Summary.Scored != 1 {
		t.Fatalf("unexpected summary: %+v", out.Summary)
	}

	req := scorer.requests["app-01"]
	if !strings.Contains(req.DataQuality, "portfolio.pdf (other): non-extractable-content") {
		t.Fatalf("missing extraction note: %q", req.DataQuality)
	}
	if !strings.Contains(req.DataQuality, "letter.docx (cover_letter): download failed") {
		t.Fatalf("missing download note: %q", req.DataQuality)
	}
	if req.CompanyContext != "fintech" || req.JobTitle != testJob.Name || req.JobDescription != testJob.Description {
		t.Fatalf("unexpected request context: %+v", req)
	}
	for _, want := range []string{
		"CANDIDATE: Candidate app-01",
		"EMAIL: N/A",
		"APPLIED: 2024-03-01",
		"Years of Go experience?: 6",
		"RESUME:\nBuilt payment services in Go",
		"[No cover letter]",
	} {
		if !strings.Contains(req.Profile, want) {
			t.Fatalf("profile is missing %q:\n%s", want, req.Profile)
		}
	}
	if strings.Contains(req.Profile, "Anything else?") {
		t.Fatalf("empty answers must be omitted:\n%s", req.Profile)
	}
}

func TestBuildProfileTruncatesOtherAttachments(t *testing.T) {
	app := &greenhouse.Application{ID: "1"}
	docs := []attachmentText{
		{kind: "other", filename: "notes.txt", text: strings.Repeat("ж", 20)},
		{kind: "resume", text: "first"},
		{kind: "resume", text: "second"},
	}

	profile := buildProfile(app, "Ann Lee", "ann@example.com", docs, 5)

	if !strings.Contains(profile, "OTHER ATTACHMENT (notes.txt):\nжжжжж\n") {
		t.Fatalf("other attachment not truncated:\n%s", profile)
	}
	if !strings.Contains(profile, "RESUME:\nfirst\n\nsecond\n") {
		t.Fatalf("resumes not joined:\n%s", profile)
	}
	if !strings.Contains(profile, "No responses provided") || !strings.Contains(profile, "APPLIED: N/A") {
		t.Fatalf("unexpected placeholders:\n%s", profile)
	}
}
