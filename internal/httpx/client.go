// Package httpx is the outbound HTTP helper shared by the JWKS fetcher, the
// policy client and the remote token minter. Every call it makes is bounded
// by a per-attempt timeout and retried at most a fixed number of times,
// because the calling proxy is blocked until Cell STS answers.
package httpx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	sserr "github.com/StricklySoft/cell-sts/pkg/errors"
)

const (
	// DefaultConnectTimeout bounds TCP connection establishment.
	DefaultConnectTimeout = time.Second

	// DefaultReadTimeout bounds the wait for response headers and body.
	DefaultReadTimeout = time.Second

	// DefaultMaxBodySize caps the bytes read from any response.
	DefaultMaxBodySize int64 = 1 << 20

	// DefaultRetries is the number of retries after the first attempt.
	DefaultRetries = 1

	// DefaultRetryDelay is the pause between attempts.
	DefaultRetryDelay = 50 * time.Millisecond
)

// Doer sends a single HTTP request. [*http.Client] satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewHTTPClient returns an *http.Client whose dialer gives up after
// connect and whose transport waits at most read for response headers.
// The overall client timeout is the sum of both.
func NewHTTPClient(connect, read time.Duration) *http.Client {
	if connect <= 0 {
		connect = DefaultConnectTimeout
	}
	if read <= 0 {
		read = DefaultReadTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}).DialContext
	transport.ResponseHeaderTimeout = read
	return &http.Client{Transport: transport, Timeout: connect + read}
}

// Request describes one logical call. Body is resent verbatim on retry.
type Request struct {
	Method      string
	URL         string
	Body        []byte
	ContentType string
	Header      http.Header
	Username    string
	Password    string
}

// Response is a fully read response.
type Response struct {
	StatusCode int
	Body       []byte
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Client executes requests with bounded retries.
type Client struct {
	doer        Doer
	timeout     time.Duration
	retries     uint64
	delay       time.Duration
	maxBodySize int64
}

// Option configures a [Client].
type Option func(*Client)

// WithTimeout bounds each attempt, including reading the body.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRetries sets how many times a failed attempt is repeated.
func WithRetries(n uint64) Option {
	return func(c *Client) { c.retries = n }
}

// WithRetryDelay sets the pause between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.delay = d }
}

// WithMaxBodySize caps the response body.
func WithMaxBodySize(n int64) Option {
	return func(c *Client) { c.maxBodySize = n }
}

// New returns a Client. A nil doer gets [NewHTTPClient] with default
// timeouts.
func New(doer Doer, opts ...Option) *Client {
	if doer == nil {
		doer = NewHTTPClient(DefaultConnectTimeout, DefaultReadTimeout)
	}
	c := &Client{
		doer:        doer,
		timeout:     DefaultConnectTimeout + DefaultReadTimeout,
		retries:     DefaultRetries,
		delay:       DefaultRetryDelay,
		maxBodySize: DefaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends req. Transport errors and 5xx responses are retried; any other
// response, including 4xx, is returned as is. The returned error is an
// *sserr.Error with a TIMEOUT or UNAVAIL code.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	var resp *Response
	op := func() error {
		resp = nil
		r, err := c.attempt(ctx, req)
		if err != nil {
			if errors.Is(err, errBodyTooLarge) {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		if r.StatusCode >= 500 {
			return fmt.Errorf("httpx: %s %s returned status %d", req.Method, req.URL, r.StatusCode)
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.delay), c.retries), ctx)
	err := backoff.Retry(op, policy)

	// A 5xx that exhausted retries is still a response the caller should see.
	if resp != nil && resp.StatusCode >= 500 {
		return resp, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return resp, nil
}

var errBodyTooLarge = errors.New("httpx: response body exceeds limit")

func (c *Client) attempt(ctx context.Context, req Request) (*Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	if req.ContentType != "" {
		hr.Header.Set("Content-Type", req.ContentType)
	}
	if req.Username != "" || req.Password != "" {
		hr.SetBasicAuth(req.Username, req.Password)
	}

	hresp, err := c.doer.Do(hr)
	if err != nil {
		return nil, err
	}
	defer func() { _ = hresp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(hresp.Body, c.maxBodySize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > c.maxBodySize {
		return nil, errBodyTooLarge
	}
	return &Response{StatusCode: hresp.StatusCode, Body: data}, nil
}

func classify(err error) *sserr.Error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return sserr.Wrap(err, sserr.CodeTimeoutDependency, "httpx: request timed out")
	}
	return sserr.Wrap(err, sserr.CodeUnavailable, "httpx: request failed")
}
