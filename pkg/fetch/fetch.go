// Package fetch performs outbound HTTP calls with a hard deadline.
//
// Non-2xx responses are not errors here: the status is handed back to the
// caller. Only timeouts and transport failures (DNS, connect, TLS, reset,
// open circuit) produce an *Error.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// DefaultTimeout applies to data reads when a Request carries no deadline.
	DefaultTimeout = 15 * time.Second

	// DefaultMaxBody caps how much of a response body is kept in memory.
	DefaultMaxBody int64 = 4 << 20
)

// Request is an outbound call. It is not modified by Do.
type Request struct {
	Method  string
	URL     string
	Header  http.Header
	Body    []byte
	Timeout time.Duration
}

// Response is what came back from upstream, whatever the status.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
	// Truncated is set when the body exceeded the client's MaxBody limit.
	Truncated bool
}

// Doer is implemented by *Client and by test fakes.
type Doer interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// Kind distinguishes the ways an outbound call can fail.
type Kind int

const (
	KindTransport Kind = iota
	KindTimeout
)

func (k Kind) String() string {
	if k == KindTimeout {
		return "timeout"
	}
	return "transport"
}

// Error is returned for calls that produced no HTTP response.
type Error struct {
	Kind Kind
	URL  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a deadline expiry from Do.
func IsTimeout(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == KindTimeout
}

// Client issues bounded requests. The zero value is not usable; call New.
type Client struct {
	httpClient *http.Client
	maxBody    int64

	breakerFailures uint32
	breakerCooldown time.Duration
	breakersMu      sync.Mutex
	breakers        map[string]*gobreaker.CircuitBreaker
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client. Its Timeout is ignored in favour
// of the per-request deadline.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithMaxBody caps the number of body bytes read per response.
func WithMaxBody(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// WithBreaker opens a per-host circuit after failures consecutive transport
// errors and keeps it open for cooldown. failures == 0 disables it.
func WithBreaker(failures uint32, cooldown time.Duration) Option {
	return func(c *Client) {
		c.breakerFailures = failures
		c.breakerCooldown = cooldown
	}
}

// New creates a client whose transport is instrumented with OpenTelemetry.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		maxBody:    DefaultMaxBody,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do performs req and returns once the response body has been read, the
// deadline expires, or ctx is cancelled, whichever comes first. Expiry
// cancels the in-flight transfer and closes the connection.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	host := hostOf(req.URL)
	start := time.Now()

	var resp *Response
	var err error
	if cb := c.breaker(host); cb != nil {
		var out interface{}
		out, err = cb.Execute(func() (interface{}, error) {
			return c.do(ctx, req, timeout)
		})
		if err != nil && (errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)) {
			err = &Error{Kind: KindTransport, URL: req.URL, Err: err}
		}
		if out != nil {
			resp = out.(*Response)
		}
	} else {
		resp, err = c.do(ctx, req, timeout)
	}

	outcome := "ok"
	switch {
	case IsTimeout(err):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	upstreamLatency.WithLabelValues(host, outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		log.Warn().Str("component", "fetch").Str("host", host).Dur("elapsed", time.Since(start)).Err(err).Msg("outbound call failed")
		return nil, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, req Request, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, &Error{Kind: KindTransport, URL: req.URL, Err: err}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, req.URL, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, c.maxBody+1))
	if err != nil {
		return nil, classify(ctx, req.URL, err)
	}

	truncated := int64(len(data)) > c.maxBody
	if truncated {
		data = data[:c.maxBody]
	}

	return &Response{
		Status:      httpResp.StatusCode,
		ContentType: httpResp.Header.Get("Content-Type"),
		Body:        data,
		Truncated:   truncated,
	}, nil
}

func classify(ctx context.Context, rawURL string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, URL: rawURL, Err: context.DeadlineExceeded}
	}
	return &Error{Kind: KindTransport, URL: rawURL, Err: err}
}

func (c *Client) breaker(host string) *gobreaker.CircuitBreaker {
	if c.breakerFailures == 0 {
		return nil
	}

	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()

	if cb, ok := c.breakers[host]; ok {
		return cb
	}

	failures := c.breakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    fmt.Sprintf("upstream-%s", host),
		Timeout: c.breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// The caller cancelling is not the upstream's fault.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("component", "fetch").Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).Msg("circuit state changed")
		},
	})
	c.breakers[host] = cb
	return cb
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return strings.ToLower(u.Host)
}
