package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	clierr "github.com/ggonzalez94/portfolio-sync/internal/errors"
	"github.com/ggonzalez94/portfolio-sync/internal/version"
)

const maxRetryAfter = 5 * time.Second

// Client is a JSON HTTP client with retries and an optional request rate
// limit shared by every call made through it.
type Client struct {
	httpClient *http.Client
	retries    int
	userAgent  string
	limiter    *rate.Limiter
}

func New(timeout time.Duration, retries int) *Client {
	if retries < 0 {
		retries = 0
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		retries:    retries,
		userAgent:  version.CLIName + "/" + version.CLIVersion,
	}
}

// WithRateLimit caps outgoing requests to perSecond with the given burst.
// A non-positive rate disables limiting.
func (c *Client) WithRateLimit(perSecond float64, burst int) *Client {
	if perSecond <= 0 {
		c.limiter = nil
		return c
	}
	if burst < 1 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	return c
}

// GetJSON issues a GET request and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, url string, headers map[string]string, out any) (http.Header, error) {
	return DoBodyJSON(ctx, c, http.MethodGet, url, nil, headers, out)
}

// attempt is the outcome of one round trip.
type attempt struct {
	header    http.Header
	body      []byte
	err       error
	retryable bool
	wait      time.Duration
}

// DoJSON sends req, retrying transport failures, 429 and 5xx responses, and
// decodes a 2xx body into out. A nil out skips decoding.
func (c *Client) DoJSON(ctx context.Context, req *http.Request, out any) (http.Header, error) {
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	var last attempt
	for n := 0; n <= c.retries; n++ {
		if n > 0 {
			wait := backoff(n)
			if last.wait > wait {
				wait = last.wait
			}
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
		last = c.roundTrip(ctx, req)
		if last.err == nil || !last.retryable {
			break
		}
	}
	if last.err != nil {
		return last.header, last.err
	}

	if out == nil {
		return last.header, nil
	}
	if len(bytes.TrimSpace(last.body)) == 0 {
		return last.header, clierr.New(clierr.CodeUnavailable, "upstream returned empty response")
	}
	if err := json.Unmarshal(last.body, out); err != nil {
		return last.header, clierr.Wrap(clierr.CodeUnavailable, "decode response JSON", err)
	}
	return last.header, nil
}

func (c *Client) roundTrip(ctx context.Context, req *http.Request) attempt {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return attempt{err: clierr.Wrap(clierr.CodeUnavailable, "request cancelled", err)}
		}
	}

	clone := req.Clone(ctx)
	if req.Body != nil && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return attempt{err: clierr.Wrap(clierr.CodeInternal, "clone request body", err)}
		}
		clone.Body = body
	}

	resp, err := c.httpClient.Do(clone)
	if err != nil {
		return attempt{err: mapNetError(err), retryable: ctx.Err() == nil}
	}
	buf, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return attempt{header: resp.Header, err: clierr.Wrap(clierr.CodeUnavailable, "read response", err)}
	}

	result := attempt{header: resp.Header, body: buf}
	switch status := resp.StatusCode; {
	case status >= 200 && status < 300:
	case status == http.StatusTooManyRequests:
		result.err = clierr.New(clierr.CodeRateLimited, "upstream rate limited request")
		result.retryable = true
		result.wait = retryAfter(resp.Header)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		result.err = clierr.New(clierr.CodeAuth, "upstream authentication failed")
	case status >= http.StatusInternalServerError:
		result.err = clierr.New(clierr.CodeUnavailable, fmt.Sprintf("upstream unavailable (status %d)", status))
		result.retryable = true
	default:
		result.err = clierr.New(clierr.CodeUnsupported, fmt.Sprintf("upstream returned unexpected status %d", status))
	}
	return result
}

func DoBodyJSON(ctx context.Context, c *Client, method, url string, body []byte, headers map[string]string, out any) (http.Header, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.DoJSON(ctx, req, out)
}

// retryAfter reads a delay-seconds Retry-After header, capped at
// maxRetryAfter. HTTP-date values are ignored.
func retryAfter(h http.Header) time.Duration {
	secs, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > maxRetryAfter {
		return maxRetryAfter
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return clierr.Wrap(clierr.CodeUnavailable, "request cancelled", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func mapNetError(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return clierr.Wrap(clierr.CodeUnavailable, "upstream timeout", err)
	}
	return clierr.Wrap(clierr.CodeUnavailable, "upstream request failed", err)
}

func backoff(n int) time.Duration {
	d := 120 * time.Millisecond << uint(n-1)
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d + time.Duration(rand.Intn(75))*time.Millisecond
}
