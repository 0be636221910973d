package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"syscall"
	"time"
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// ErrEmptyResponse means the call succeeded but the model produced no text,
// for example when the output token limit was spent on reasoning.
var ErrEmptyResponse = errors.New("model returned an empty response")

// Request is a single prompt sent to a model.
type Request struct {
	System string
	Prompt string
	// JSON asks the provider to constrain the reply to a JSON object.
	JSON bool
}

// Usage is the token accounting reported by the provider for one call.
type Usage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	ReasoningTokens int `json:"reasoning_tokens"`
}

type Response struct {
	Text  string
	Usage Usage
	Model string
}

// Generator performs exactly one model call. Retries are the caller's concern.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	Provider() string
	Model() string
}

// TransientError marks a failed call that may succeed when repeated.
// RetryAfter is the delay the provider asked for, zero when unknown.
type TransientError struct {
	Provider   string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s transient error (status %d): %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s transient error: %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// AsTransient reports whether err is retryable.
func AsTransient(err error) (*TransientError, bool) {
	var t *TransientError
	if errors.As(err, &t) {
		return t, true
	}
	return nil, false
}

// IsNetworkError reports whether err is a connection level failure that never
// produced an API response.
func IsNetworkError(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var retryDelayPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)retry after (\d+(?:\.\d+)?)\s*(ms|s|sec|secs|seconds?|m|min|minutes?)?`),
	regexp.MustCompile(`(?i)try again in (\d+(?:\.\d+)?)\s*(ms|s|sec|secs|seconds?|m|min|minutes?)?`),
	regexp.MustCompile(`(?i)retry in (\d+(?:\.\d+)?)\s*(ms|s|sec|secs|seconds?|m|min|minutes?)?`),
	regexp.MustCompile(`(?i)"retryDelay":\s*"(\d+(?:\.\d+)?)(s)"`),
}

// RetryDelayFromMessage extracts a provider-suggested delay from an error message.
func RetryDelayFromMessage(msg string) time.Duration {
	for _, re := range retryDelayPatterns {
		m := re.FindStringSubmatch(msg)
		if m == nil {
			continue
		}
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		unit := time.Second
		switch m[2] {
		case "ms":
			unit = time.Millisecond
		case "m", "min", "minute", "minutes":
			unit = time.Minute
		}
		return time.Duration(v * float64(unit))
	}
	return 0
}
