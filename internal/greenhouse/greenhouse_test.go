package greenhouse

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestClient(t *testing.T, srv *httptest.Server) (*Client, *[]time.Duration) {
	t.Helper()

	c := New(zap.NewNop(), "secret")
	c.APIURL = srv.URL
	c.SetRateLimit(0, 0)

	var waits []time.Duration
	c.wait = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}

	return c, &waits
}

func collect(t *testing.T, c *Client, jobID string) ([]*Application, error) {
	t.Helper()

	var apps []*Application
	for app, err := range c.Applications(context.Background(), jobID) {
		if err != nil {
			return apps, err
		}
		apps = append(apps, app)
	}
	return apps, nil
}

func TestApplicationsFollowsPagesUntilEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, _, ok := r.BasicAuth(); !ok || user != "secret" {
			t.Errorf("expected basic auth with api key, got %q", r.Header.Get("Authorization"))
		}
		if got := r.URL.Query().Get("job_id"); got != "42" {
			t.Errorf("unexpected job_id %q", got)
		}

		switch r.URL.Query().Get("page") {
		case "1":
			fmt.Fprint(w, `[{"id": 1, "candidate_id": 10, "status": "active"}, {"id": 2, "candidate_id": 20, "status": "rejected"}]`)
		case "2":
			fmt.Fprint(w, `[{"id": 3, "candidate_id": 30, "status": "hired", "current_stage": {"id": 7, "name": "Offer"}}]`)
		default:
			fmt.Fprint(w, `[]`)
		}
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	apps, err := collect(t, c, "42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(apps) != 3 {
		t.Fatalf("expected 3 applications, got %d", len(apps))
	}
	if apps[0].ID != "1" || apps[0].CandidateID != "10" {
		t.Fatalf("unexpected first application: %+v", apps[0])
	}
	if apps[2].StageName() != "Offer" {
		t.Fatalf("expected stage Offer, got %q", apps[2].StageName())
	}
}

func TestApplicationsFollowsLinkHeader(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") == "b" {
			w.Header().Set("Link", fmt.Sprintf(`<%s/applications?cursor=a>; rel="prev"`, srv.URL))
			fmt.Fprint(w, `[{"id": 2}]`)
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/applications?cursor=b>; rel="next", <%s/applications?cursor=z>; rel="last"`, srv.URL, srv.URL))
		fmt.Fprint(w, `[{"id": 1}]`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	apps, err := collect(t, c, "1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(apps) != 2 || apps[1].ID != "2" {
		t.Fatalf("expected two applications across the cursor, got %+v", apps)
	}
}

func TestApplicationsStopsEarly(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		fmt.Fprint(w, `[{"id": 1}, {"id": 2}]`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	for app, err := range c.Applications(context.Background(), "1") {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if app.ID == "1" {
			break
		}
	}

	if got := requests.Load(); got != 1 {
		t.Fatalf("expected a single page request, got %d", got)
	}
}

func TestRateLimitExhaustionIsTyped(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, waits := newTestClient(t, srv)
	c.Retry = RetryPolicy{MaxRetries: 3, Initial: time.Second, Max: 10 * time.Second}

	_, err := collect(t, c, "1")
	if !errors.Is(err, ErrRateLimitExceeded) {
		t.Fatalf("expected rate limit error, got %v", err)
	}

	var rl *RateLimitError
	if !errors.As(err, &rl) || rl.Attempts != 4 {
		t.Fatalf("expected 4 attempts in error, got %v", err)
	}
	if got := requests.Load(); got != 4 {
		t.Fatalf("expected 4 requests, got %d", got)
	}

	want := []time.Duration{3 * time.Second, 3 * time.Second, 4 * time.Second}
	if len(*waits) != len(want) {
		t.Fatalf("expected waits %v, got %v", want, *waits)
	}
	for i := range want {
		if (*waits)[i] != want[i] {
			t.Fatalf("expected waits %v, got %v", want, *waits)
		}
	}
}

func TestTransientErrorRetriesSamePage(t *testing.T) {
	var pageTwoCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "1":
			fmt.Fprint(w, `[{"id": 1}]`)
		case "2":
			if pageTwoCalls.Add(1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			fmt.Fprint(w, `[{"id": 2}]`)
		default:
			fmt.Fprint(w, `[]`)
		}
	}))
	defer srv.Close()

	c, waits := newTestClient(t, srv)
	apps, err := collect(t, c, "1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(apps) != 2 {
		t.Fatalf("expected no gaps or duplicates, got %d applications", len(apps))
	}
	if pageTwoCalls.Load() != 2 {
		t.Fatalf("expected page 2 to be requested twice, got %d", pageTwoCalls.Load())
	}
	if len(*waits) != 1 {
		t.Fatalf("expected one backoff wait, got %v", *waits)
	}
}

func TestConnectionResetIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") != "1" {
			fmt.Fprint(w, `[]`)
			return
		}
		if calls.Add(1) == 1 {
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Errorf("hijacking not supported")
				return
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Errorf("hijack: %v", err)
				return
			}
			conn.Close()
			return
		}
		fmt.Fprint(w, `[{"id": 1}]`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	apps, err := collect(t, c, "1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(apps) != 1 {
		t.Fatalf("expected 1 application, got %d", len(apps))
	}
}

func TestForbiddenIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	_, err := c.Job(context.Background(), "5")

	var status *StatusError
	if !errors.As(err, &status) || status.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden status error, got %v", err)
	}
	if !strings.Contains(err.Error(), "permissions") {
		t.Fatalf("expected permissions hint, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single request, got %d", calls.Load())
	}
}

func TestCancelledContextStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	ctx, cancel := context.WithCancel(context.Background())
	c.wait = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	_, err := c.Jobs(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestCandidateAndDownload(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/candidates/10":
			fmt.Fprint(w, `{"id": 10, "first_name": "Ada", "last_name": "Lovelace", "email_addresses": [{"value": "ada@example.com", "type": "personal"}]}`)
		case "/files/resume.txt":
			if r.Header.Get("Authorization") != "" {
				t.Errorf("attachment download must not carry credentials")
			}
			fmt.Fprint(w, "resume body")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)

	cand, err := c.Candidate(context.Background(), "10")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cand.Name() != "Ada Lovelace" || cand.Email() != "ada@example.com" {
		t.Fatalf("unexpected candidate: %+v", cand)
	}

	data, err := c.Download(context.Background(), Attachment{Filename: "resume.txt", URL: srv.URL + "/files/resume.txt"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "resume body" {
		t.Fatalf("unexpected body %q", data)
	}
}

func TestJobsSortedNewestFirst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			fmt.Fprint(w, `[{"id": 1, "name": "Old", "created_at": "2023-01-01T00:00:00Z"}, {"id": 2, "name": "New", "created_at": "2024-05-01T00:00:00Z", "departments": [{"id": 1, "name": "Eng"}]}]`)
			return
		}
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	jobs, err := c.Jobs(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(jobs) != 2 || jobs[0].Name != "New" {
		t.Fatalf("unexpected order: %+v", jobs)
	}
	if jobs[0].Department() != "Eng" || jobs[1].Department() != "N/A" {
		t.Fatalf("unexpected departments: %q %q", jobs[0].Department(), jobs[1].Department())
	}
	if jobs[0].Created() != "2024-05-01" {
		t.Fatalf("unexpected created date %q", jobs[0].Created())
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{"-1", 0},
		{"soon", 0},
	}

	for _, tt := range tests {
		if got := parseRetryAfter(tt.in); got != tt.want {
			t.Fatalf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
