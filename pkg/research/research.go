// Package research builds a short, grounded research note for one ticker.
//
// The pipeline never errors once the ticker is known: a failed source leaves
// a null in the snapshot, and a missing or failing model leaves the snapshot
// standing alone with an explicit "unavailable" summary.
package research

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/shivamagw06-dev/AGIB-sub000/pkg/llm"
)

// Status is the terminal state of a summary request.
type Status string

const (
	StatusFull        Status = "full"
	StatusNoModel     Status = "partial-no-model"
	StatusModelFailed Status = "partial-model-failed"
)

const (
	ModeBrief    = "brief"
	ModeDetailed = "detailed"
)

const (
	maxSummaryChars  = 2000
	maxOneLinerChars = 200
)

const (
	noModelSummary     = "AI summary unavailable: no completion provider is configured. Showing source data only."
	modelFailedSummary = "AI summary unavailable: the model request failed. Showing source data only."
	throttledSummary   = "AI summary unavailable: too many summary requests, try again shortly. Showing source data only."
)

// Summary is the response body of a research request.
type Summary struct {
	OneLiner       *string   `json:"oneLiner"`
	Summary        *string   `json:"summary"`
	Citations      []string  `json:"citations"`
	SourceSnapshot Snapshot  `json:"sourceSnapshot"`
	RawModelOutput *string   `json:"rawModelOutput"`
	Mode           string    `json:"mode"`
	Status         Status    `json:"status"`
	Model          string    `json:"model,omitempty"`
	GeneratedAt    time.Time `json:"generatedAt"`
}

// Upstream reads JSON from the financial API. *proxy.Forwarder satisfies it.
type Upstream interface {
	Get(ctx context.Context, path string, query url.Values) ([]byte, error)
}

// Completer is the slice of the completion client the summarizer needs.
type Completer interface {
	Enabled() bool
	Complete(ctx context.Context, messages []llm.Message) (*llm.Completion, error)
}

// Summarizer runs the snapshot fan-out and the model call.
type Summarizer struct {
	upstream Upstream
	llm      Completer
	paths    Paths
	bounds   Bounds
	now      func() time.Time
}

// Option configures a Summarizer.
type Option func(*Summarizer)

// WithBounds overrides DefaultBounds; zero fields keep their defaults.
func WithBounds(b Bounds) Option {
	return func(s *Summarizer) {
		s.bounds = b.withDefaults()
	}
}

// WithClock sets the time source for GeneratedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Summarizer) {
		s.now = now
	}
}

func NewSummarizer(upstream Upstream, completer Completer, paths Paths, opts ...Option) *Summarizer {
	s := &Summarizer{
		upstream: upstream,
		llm:      completer,
		paths:    paths,
		bounds:   DefaultBounds,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NormalizeMode maps caller input onto a supported mode.
func NormalizeMode(mode string) string {
	if strings.EqualFold(strings.TrimSpace(mode), ModeDetailed) {
		return ModeDetailed
	}
	return ModeBrief
}

// Summarize runs the whole pipeline for ticker.
func (s *Summarizer) Summarize(ctx context.Context, ticker, mode string) Summary {
	mode = NormalizeMode(mode)
	logger := log.With().Str("component", "research").Str("ticker", ticker).Str("mode", mode).Logger()

	out := Summary{
		SourceSnapshot: s.Snapshot(ctx, ticker),
		Mode:           mode,
	}

	finish := func(status Status) Summary {
		return s.finish(out, status, logger)
	}

	if s.llm == nil || !s.llm.Enabled() {
		out.Summary = ptr(noModelSummary)
		return finish(StatusNoModel)
	}

	messages, err := Messages(ticker, mode, out.SourceSnapshot)
	if err != nil {
		logger.Error().Err(err).Msg("building prompt")
		out.Summary = ptr(modelFailedSummary)
		return finish(StatusModelFailed)
	}

	comp, err := s.llm.Complete(ctx, messages)
	if err != nil {
		logger.Warn().Err(err).Msg("research completion failed")
		out.Summary = ptr(modelFailedSummary)
		return finish(StatusModelFailed)
	}
	out.Model = comp.Model

	content, ok := llm.MessageContent(comp.Raw)
	if !ok {
		content = string(comp.Raw)
	}
	if strings.TrimSpace(content) != "" {
		out.RawModelOutput = ptr(content)
	}

	if obj, err := llm.ExtractObject(comp.Raw, hasSummaryKeys); err == nil {
		applyObject(&out, gjson.ParseBytes(obj))
	} else {
		logger.Warn().Err(err).Str("model", comp.Model).Msg("no JSON object in model output, using raw text")
	}

	if out.Summary == nil {
		if text := strings.TrimSpace(content); text != "" {
			out.Summary = ptr(clip(text, maxSummaryChars))
		}
	}
	if out.Summary == nil {
		out.Summary = ptr(modelFailedSummary)
		return finish(StatusModelFailed)
	}
	if out.OneLiner == nil {
		out.OneLiner = ptr(FirstSentence(*out.Summary, maxOneLinerChars))
	}
	return finish(StatusFull)
}

// SummarizeWithoutModel builds the snapshot and skips the model call, ending
// in StatusModelFailed. Used when the caller is over the rate limit.
func (s *Summarizer) SummarizeWithoutModel(ctx context.Context, ticker, mode string) Summary {
	mode = NormalizeMode(mode)
	logger := log.With().Str("component", "research").Str("ticker", ticker).Str("mode", mode).Logger()

	out := Summary{
		SourceSnapshot: s.Snapshot(ctx, ticker),
		Summary:        ptr(throttledSummary),
		Mode:           mode,
	}
	return s.finish(out, StatusModelFailed, logger)
}

func (s *Summarizer) finish(out Summary, status Status, logger zerolog.Logger) Summary {
	out.Status = status
	out.GeneratedAt = s.now().UTC()
	summaries.WithLabelValues(string(status)).Inc()
	logger.Info().Str("status", string(status)).Bool("snapshot_empty", out.SourceSnapshot.Empty()).Msg("research summary built")
	return out
}

var (
	oneLinerKeys = []string{"one_liner", "oneLiner", "oneliner", "headline", "tldr", "tl_dr"}
	summaryKeys  = []string{"summary", "analysis", "overview"}
	citationKeys = []string{"citations", "sources", "references"}
)

func hasSummaryKeys(r gjson.Result) bool {
	for _, group := range [][]string{oneLinerKeys, summaryKeys} {
		for _, k := range group {
			if r.Get(k).Type == gjson.String {
				return true
			}
		}
	}
	return false
}

func applyObject(out *Summary, obj gjson.Result) {
	if s := firstString(obj, summaryKeys); s != "" {
		out.Summary = ptr(clip(s, maxSummaryChars))
	}
	if s := firstString(obj, oneLinerKeys); s != "" {
		out.OneLiner = ptr(clip(s, maxOneLinerChars))
	}
	for _, k := range citationKeys {
		v := obj.Get(k)
		if !v.IsArray() {
			continue
		}
		cites := make([]string, 0)
		v.ForEach(func(_, c gjson.Result) bool {
			switch {
			case c.Type == gjson.String && strings.TrimSpace(c.Str) != "":
				cites = append(cites, strings.TrimSpace(c.Str))
			case c.IsObject():
				for _, f := range []string{"url", "source", "title", "name"} {
					if s := strings.TrimSpace(c.Get(f).String()); s != "" {
						cites = append(cites, s)
						break
					}
				}
			}
			return true
		})
		out.Citations = cites
		return
	}
}

func firstString(obj gjson.Result, keys []string) string {
	for _, k := range keys {
		if v := obj.Get(k); v.Type == gjson.String {
			if s := strings.TrimSpace(v.Str); s != "" {
				return s
			}
		}
	}
	return ""
}

// FirstSentence returns text up to and including its first period that ends
// a sentence, capped at n characters.
func FirstSentence(text string, n int) string {
	text = strings.TrimSpace(text)
	for i := 0; i < len(text); i++ {
		if text[i] == '.' && (i+1 == len(text) || text[i+1] == ' ' || text[i+1] == '\n') {
			text = text[:i+1]
			break
		}
	}
	return clip(text, n)
}

const systemPrompt = `You are an equity research assistant for Indian and global markets.

Rules:
- Use ONLY the data in the provided snapshot; do not add outside facts
- If a snapshot field is null, that source was unavailable; say so instead of guessing
- citations lists the snapshot fields you relied on: stockData, historical, priceTarget, commodities

Output as JSON only, no other text:
{
  "one_liner": "single sentence takeaway",
  "summary": "grounded summary",
  "citations": ["stockData"]
}`

// Messages builds the chat prompt for a ticker and its snapshot.
func Messages(ticker, mode string, snap Snapshot) ([]llm.Message, error) {
	data, err := marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	length := "2 to 3 sentences"
	if mode == ModeDetailed {
		length = "3 short paragraphs covering price action, valuation versus analyst targets, and macro or commodity exposure"
	}
	return []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: fmt.Sprintf("Ticker: %s\nSummary length: %s\n\nSnapshot:\n%s", ticker, length, data)},
	}, nil
}

func ptr(s string) *string { return &s }
