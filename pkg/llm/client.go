// Package llm talks to an OpenAI-compatible chat-completion endpoint.
//
// Complete walks an ordered list of model ids and stops at the first model
// the provider accepts. Candidates are tried one after another, never in
// parallel: each attempt is a paid call.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shivamagw06-dev/AGIB-sub000/pkg/ai"
	"github.com/shivamagw06-dev/AGIB-sub000/pkg/fetch"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultTemperature = 0.1
	defaultMaxTokens   = 1500
)

var (
	// ErrNotConfigured is returned when no API key or model list is set.
	ErrNotConfigured = errors.New("llm: completion provider not configured")
	// ErrExhausted is returned when every candidate model was rejected or
	// unreachable.
	ErrExhausted = errors.New("llm: all candidate models failed")
)

// StatusError is a non-2xx answer that is not about the model id. It ends
// the candidate walk: retrying another model will not fix an account-level
// problem.
type StatusError struct {
	Model  string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm: model %s: status %d: %s", e.Model, e.Status, e.Body)
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the wire request body.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

// Outcome classifies one attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeInvalidModel
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeInvalidModel:
		return "invalid_model"
	default:
		return "failure"
	}
}

// Attempt records what happened with one candidate model.
type Attempt struct {
	Model   string
	Outcome Outcome
	Status  int
	Detail  string
}

// Completion is a successful provider answer.
type Completion struct {
	Model    string
	Raw      []byte
	Attempts []Attempt
}

// Content returns the first-choice message text, or "" if the envelope does
// not carry one.
func (c *Completion) Content() string {
	s, _ := MessageContent(c.Raw)
	return s
}

// Client calls the chat-completion API.
type Client struct {
	baseURL     string
	apiKey      string
	models      []string
	timeout     time.Duration
	temperature float64
	maxTokens   int
	pricing     map[string]float64
	fetcher     fetch.Doer
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithTimeout sets the deadline for each attempt.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithTemperature overrides the sampling temperature.
func WithTemperature(t float64) ClientOption {
	return func(c *Client) {
		c.temperature = t
	}
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithPricing sets the per-1k prompt token prices used for cost logging.
func WithPricing(p map[string]float64) ClientOption {
	return func(c *Client) {
		c.pricing = p
	}
}

// NewClient creates a client. models is the ordered candidate list.
func NewClient(baseURL, apiKey string, models []string, fetcher fetch.Doer, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		apiKey:      apiKey,
		models:      models,
		timeout:     defaultTimeout,
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
		fetcher:     fetcher,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether Complete can make calls at all.
func (c *Client) Enabled() bool {
	return c != nil && c.apiKey != "" && len(c.models) > 0
}

// Models returns the candidate list in order.
func (c *Client) Models() []string {
	return append([]string(nil), c.models...)
}

// Complete sends messages to each candidate model in turn and returns the
// first 2xx answer. Extraction of the answer's content is the caller's
// concern: a 2xx ends the walk even if its text turns out to be useless.
func (c *Client) Complete(ctx context.Context, messages []Message) (*Completion, error) {
	if !c.Enabled() {
		return nil, ErrNotConfigured
	}

	attempts := make([]Attempt, 0, len(c.models))
	for _, model := range c.models {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		attempt, raw, err := c.try(ctx, model, messages)
		attempts = append(attempts, attempt)
		completionAttempts.WithLabelValues(model, attempt.Outcome.String()).Inc()

		switch attempt.Outcome {
		case OutcomeSuccess:
			log.Info().Str("component", "llm").Str("model", model).Int("attempts", len(attempts)).Msg("completion succeeded")
			return &Completion{Model: model, Raw: raw, Attempts: attempts}, nil
		case OutcomeInvalidModel:
			log.Warn().Str("component", "llm").Str("model", model).Int("status", attempt.Status).Msg("model rejected, trying next candidate")
			continue
		}

		if err != nil {
			// Transport problems are per-attempt; move on.
			log.Warn().Str("component", "llm").Str("model", model).Err(err).Msg("completion call failed, trying next candidate")
			continue
		}

		log.Error().Str("component", "llm").Str("model", model).Int("status", attempt.Status).Str("body", attempt.Detail).Msg("completion rejected")
		return nil, &StatusError{Model: model, Status: attempt.Status, Body: attempt.Detail}
	}

	return nil, fmt.Errorf("%w (tried %s)", ErrExhausted, strings.Join(c.models, ", "))
}

func (c *Client) try(ctx context.Context, model string, messages []Message) (Attempt, []byte, error) {
	payload, err := json.Marshal(ChatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return Attempt{Model: model, Outcome: OutcomeFailure, Detail: err.Error()}, nil, err
	}

	go c.recordPromptTokens(model, messages)

	resp, err := c.fetcher.Do(ctx, fetch.Request{
		Method: http.MethodPost,
		URL:    c.baseURL + "/chat/completions",
		Header: http.Header{
			"Authorization": []string{"Bearer " + c.apiKey},
			"Content-Type":  []string{"application/json"},
			"Accept":        []string{"application/json"},
		},
		Body:    payload,
		Timeout: c.timeout,
	})
	if err != nil {
		return Attempt{Model: model, Outcome: OutcomeFailure, Detail: err.Error()}, nil, err
	}

	attempt := Attempt{Model: model, Status: resp.Status}
	switch {
	case resp.Status >= 200 && resp.Status < 300:
		attempt.Outcome = OutcomeSuccess
		return attempt, resp.Body, nil
	case resp.Status >= 400 && resp.Status < 500 && isInvalidModel(resp.Body):
		attempt.Outcome = OutcomeInvalidModel
	default:
		attempt.Outcome = OutcomeFailure
	}
	attempt.Detail = truncate(string(resp.Body), 500)
	return attempt, nil, nil
}

var invalidModelMarkers = []string{
	"invalid model",
	"invalid_model",
	"model_not_found",
	"model not found",
	"unknown model",
	"unsupported model",
	"does not exist",
	"not a valid model",
	"permitted models",
}

func isInvalidModel(body []byte) bool {
	lower := strings.ToLower(string(body))
	if !strings.Contains(lower, "model") {
		return false
	}
	for _, m := range invalidModelMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// recordPromptTokens runs off the request path; tiktoken may need to load
// its vocabulary on first use.
func (c *Client) recordPromptTokens(model string, messages []Message) {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(m.Content)
	}
	count, err := ai.CountTokens(model, sb.String())
	if err != nil {
		log.Debug().Str("component", "llm").Err(err).Msg("token count unavailable")
		return
	}
	promptTokens.WithLabelValues(model).Observe(float64(count))
	log.Info().Str("component", "llm").Str("model", model).Int("prompt_tokens", count).
		Float64("est_cost_usd", ai.EstimateCost(count, model, c.pricing)).Msg("prompt cost")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
