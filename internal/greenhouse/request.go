package greenhouse

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"github.com/spigell/hirescope/internal/utils"
)

const (
	contentType     = "application/json"
	contentEncoding = "gzip"
	maxPageSize     = 16 << 20
)

type Item = map[string]any

type getOptions struct {
	limit int64
	// anonymous requests skip authentication and pacing, e.g. presigned attachment URLs.
	anonymous bool
}

type page struct {
	items    []Item
	next     string
	hasLinks bool
}

// Pages walks a paginated collection, yielding the items of each non-empty page.
// The Link rel="next" cursor is followed when present, otherwise the page number
// is advanced. An empty page ends the sequence.
func (c *Client) Pages(ctx context.Context, path string, q url.Values) iter.Seq2[[]Item, error] {
	return func(yield func([]Item, error) bool) {
		if q == nil {
			q = url.Values{}
		}
		base := strings.TrimRight(c.APIURL, "/") + path
		pageNum := 1
		next := ""

		for {
			target := next
			if target == "" {
				q.Set("page", strconv.Itoa(pageNum))
				target = base + "?" + q.Encode()
			}

			p, err := c.getPage(ctx, target)
			if err != nil {
				yield(nil, err)
				return
			}

			if len(p.items) == 0 {
				c.logger.Debug("empty page, pagination finished", zap.String("url", target))
				return
			}

			if !yield(p.items, nil) {
				return
			}

			switch {
			case p.next != "":
				next = p.next
			case p.hasLinks:
				// Links were sent but none points forward: this was the last page.
				return
			default:
				next = ""
			}
			pageNum++
		}
	}
}

func (c *Client) getPage(ctx context.Context, target string) (*page, error) {
	data, header, err := c.get(ctx, target, getOptions{limit: maxPageSize})
	if err != nil {
		return nil, err
	}

	var items []Item
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&items); err != nil {
		return nil, fmt.Errorf("decode page %s: %w", target, err)
	}

	links := parseLinks(header.Get("Link"))
	c.logger.Debug("got page from greenhouse", zap.String("url", target), zap.Int("items", len(items)))

	return &page{items: items, next: links["next"], hasLinks: len(links) > 0}, nil
}

func (c *Client) getObject(ctx context.Context, target string, out any) error {
	data, _, err := c.get(ctx, target, getOptions{limit: maxPageSize})
	if err != nil {
		return err
	}

	var item Item
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&item); err != nil {
		return fmt.Errorf("decode %s: %w", target, err)
	}

	return decodeItems(item, out)
}

// get performs a GET with pacing and bounded retries. A 429 streak past the
// ceiling becomes a RateLimitError; other transient failures become a FetchError.
func (c *Client) get(ctx context.Context, target string, opts getOptions) ([]byte, http.Header, error) {
	for attempt := 0; ; attempt++ {
		if !opts.anonymous {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, nil, err
			}
		}

		data, header, err := c.getOnce(ctx, target, opts)
		if err == nil {
			return data, header, nil
		}

		var transient *transientError
		if !errors.As(err, &transient) {
			return nil, nil, err
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}

		if attempt >= c.Retry.MaxRetries {
			if transient.status == http.StatusTooManyRequests {
				return nil, nil, &RateLimitError{URL: target, Attempts: attempt + 1}
			}
			return nil, nil, &FetchError{URL: target, Attempts: attempt + 1, Err: transient.err}
		}

		delay := c.retryDelay(attempt, transient.retryAfter)
		c.logger.Warn("transient greenhouse error, retrying same page",
			zap.String("url", target),
			zap.Int("attempt", attempt+1),
			zap.Int("status", transient.status),
			zap.Duration("delay", delay),
			zap.Error(transient.err),
		)

		if err := c.wait(ctx, delay); err != nil {
			return nil, nil, err
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfter time.Duration) time.Duration {
	delay := utils.Backoff(attempt, c.Retry.Initial, c.Retry.Max)
	if retryAfter > delay {
		delay = retryAfter
		if c.Retry.Max > 0 && delay > c.Retry.Max {
			delay = c.Retry.Max
		}
	}
	return delay
}

func (c *Client) getOnce(ctx context.Context, target string, opts getOptions) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, nil, err
	}

	if opts.anonymous {
		req.Header.Set("User-Agent", c.UserAgent)
	} else {
		req = c.setHeaders(req)
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.request(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		if isTransient(err) {
			return nil, nil, &transientError{err: err}
		}
		return nil, nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, nil, &transientError{
			status:     resp.StatusCode,
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			err:        fmt.Errorf("rate limited: %s", resp.Status),
		}
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, nil, &transientError{status: resp.StatusCode, err: fmt.Errorf("bad status: %s", resp.Status)}
	case resp.StatusCode == http.StatusForbidden:
		return nil, nil, &StatusError{Code: resp.StatusCode, Status: resp.Status, Hint: "check API key permissions for " + req.URL.Path}
	case resp.StatusCode != http.StatusOK:
		return nil, nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gzipReader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, nil, &transientError{err: err}
		}
		defer gzipReader.Close()
		reader = gzipReader
	}

	data, err := io.ReadAll(io.LimitReader(reader, opts.limit+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		// A reset mid-body leaves the page incomplete; the same cursor is retried.
		return nil, nil, &transientError{err: err}
	}
	if int64(len(data)) > opts.limit {
		return nil, nil, fmt.Errorf("response from %s exceeds %d bytes", req.URL.Path, opts.limit)
	}

	return data, resp.Header, nil
}

func (c *Client) request(req *http.Request) (*http.Response, error) {
	c.logger.Debug("make request", zap.String("url", req.URL.Redacted()))
	return c.HTTPClient.Do(req)
}

func (c *Client) setHeaders(req *http.Request) *http.Request {
	req.SetBasicAuth(c.apiKey, "")
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Accept-Encoding", contentEncoding)

	return req
}

func decodeItems(items any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}

	return decoder.Decode(items)
}

func isTransient(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// parseLinks parses an RFC 8288 Link header into rel -> URL.
func parseLinks(header string) map[string]string {
	links := make(map[string]string)
	for _, part := range strings.Split(header, ",") {
		segments := strings.Split(strings.TrimSpace(part), ";")
		if len(segments) < 2 {
			continue
		}
		target := strings.Trim(strings.TrimSpace(segments[0]), "<>")
		for _, param := range segments[1:] {
			key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
			if ok && strings.EqualFold(key, "rel") {
				links[strings.Trim(value, `"`)] = target
			}
		}
	}
	return links
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
