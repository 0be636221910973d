package greenhouse

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/spigell/hirescope/internal/utils"
)

const (
	apiURL    = "https://harvest.greenhouse.io/v1"
	userAgent = "spigell/hirescope"
	// Max value for per_page accepted by Harvest.
	perPage = 100
	// Harvest allows 50 requests per 10 seconds.
	defaultRequestsPerSecond = 5
	maxAttachmentSize        = 20 << 20
)

// RetryPolicy bounds how transient failures of a single request are retried.
type RetryPolicy struct {
	MaxRetries int
	Initial    time.Duration
	Max        time.Duration
}

// DefaultRetryPolicy is used when the caller does not configure one.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 5,
	Initial:    2 * time.Second,
	Max:        60 * time.Second,
}

// Client talks to the Greenhouse Harvest API. All request state lives on the
// client, so independent clients never share rate-limit or retry state.
type Client struct {
	apiKey  string
	logger  *zap.Logger
	limiter *rate.Limiter
	wait    func(ctx context.Context, d time.Duration) error

	HTTPClient *http.Client
	UserAgent  string
	APIURL     string
	PerPage    int
	Retry      RetryPolicy
}

func New(logger *zap.Logger, apiKey string) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		apiKey:  apiKey,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(defaultRequestsPerSecond), defaultRequestsPerSecond),
		wait:    utils.WaitFor,
		APIURL:  apiURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		UserAgent: userAgent,
		PerPage:   perPage,
		Retry:     DefaultRetryPolicy,
	}
}

// SetRateLimit paces API requests. A non-positive rps disables pacing.
func (c *Client) SetRateLimit(rps float64, burst int) {
	if rps <= 0 {
		c.limiter = rate.NewLimiter(rate.Inf, 0)
		return
	}
	if burst <= 0 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
}

func (c *Client) perPage() int {
	if c.PerPage <= 0 || c.PerPage > perPage {
		return perPage
	}
	return c.PerPage
}
