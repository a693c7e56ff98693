package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shivamagw06-dev/AGIB-sub000/pkg/fetch"
)

const maxRelayBody = 1 << 20

// Forwarder relays requests to the financial-data API with the server-side
// API key attached.
type Forwarder struct {
	target    *url.URL
	apiKey    string
	keyHeader string
	timeout   time.Duration
	fetcher   fetch.Doer
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithAPIKey attaches key under header on every upstream call.
func WithAPIKey(header, key string) Option {
	return func(f *Forwarder) {
		f.keyHeader = header
		f.apiKey = key
	}
}

// WithTimeout overrides the per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(f *Forwarder) {
		if d > 0 {
			f.timeout = d
		}
	}
}

func New(targetURL string, fetcher fetch.Doer, opts ...Option) (*Forwarder, error) {
	parsedURL, err := url.Parse(targetURL)
	if err != nil {
		return nil, err
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("upstream URL %q must be absolute", targetURL)
	}

	f := &Forwarder{
		target:    parsedURL,
		keyHeader: "X-Api-Key",
		timeout:   fetch.DefaultTimeout,
		fetcher:   fetcher,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// URL resolves path (with optional query) against the upstream base.
func (f *Forwarder) URL(path string, query url.Values) string {
	u := *f.target
	p, rawQuery, _ := strings.Cut(path, "?")
	u.Path = strings.TrimSuffix(f.target.Path, "/") + "/" + strings.TrimPrefix(p, "/")

	q, _ := url.ParseQuery(rawQuery)
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Forward performs one bounded call and classifies the result.
func (f *Forwarder) Forward(ctx context.Context, method, targetURL string, header http.Header, body []byte) *Envelope {
	h := http.Header{}
	for _, name := range []string{"Accept", "Content-Type"} {
		if v := header.Get(name); v != "" {
			h.Set(name, v)
		}
	}
	if h.Get("Accept") == "" {
		h.Set("Accept", jsonContentType)
	}
	if f.apiKey != "" {
		h.Set(f.keyHeader, f.apiKey)
	}

	resp, err := f.fetcher.Do(ctx, fetch.Request{
		Method:  method,
		URL:     targetURL,
		Header:  h,
		Body:    body,
		Timeout: f.timeout,
	})
	env := Classify(resp, err)
	forwardedTotal.WithLabelValues(outcomeLabel(env)).Inc()
	return env
}

// Get forwards a GET for path and returns the JSON body when the envelope is
// OK. Any other outcome is returned as an *EnvelopeError.
func (f *Forwarder) Get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	env := f.Forward(ctx, http.MethodGet, f.URL(path, query), nil, nil)
	if !env.OK() {
		return nil, &EnvelopeError{Envelope: env}
	}
	return env.Body, nil
}

// ServeHTTP relays the request path (already stripped of the gateway's
// route prefix) and query to the upstream.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, maxRelayBody))
		if err != nil {
			log.Warn().Str("component", "proxy").Err(err).Msg("reading request body")
			errorEnvelope(http.StatusBadRequest, map[string]string{"error": "Invalid request body"}).Write(w)
			return
		}
	}
	env := f.Forward(r.Context(), r.Method, f.URL(r.URL.Path, r.URL.Query()), r.Header, body)
	env.Write(w)
}
