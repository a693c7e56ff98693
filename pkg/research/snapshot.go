package research

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Snapshot is the evidence handed to the model. Each field is nil (null)
// when its upstream read failed.
type Snapshot struct {
	StockData   json.RawMessage `json:"stockData"`
	Historical  json.RawMessage `json:"historical"`
	PriceTarget json.RawMessage `json:"priceTarget"`
	Commodities json.RawMessage `json:"commodities"`
}

// Empty reports whether every branch failed.
func (s Snapshot) Empty() bool {
	return s.StockData == nil && s.Historical == nil && s.PriceTarget == nil && s.Commodities == nil
}

// Bounds limit how much of each upstream payload reaches the prompt.
type Bounds struct {
	// HistoryPoints keeps the most recent points of every series.
	HistoryPoints int
	// ListLimit keeps the first items of every other list.
	ListLimit int
	// TextLimit caps each string, in characters.
	TextLimit int
	// MaxFieldBytes caps one serialized snapshot field.
	MaxFieldBytes int
}

// DefaultBounds match the trending dashboard's needs.
var DefaultBounds = Bounds{
	HistoryPoints: 120,
	ListLimit:     20,
	TextLimit:     1000,
	MaxFieldBytes: 16 << 10,
}

func (b Bounds) withDefaults() Bounds {
	if b.HistoryPoints <= 0 {
		b.HistoryPoints = DefaultBounds.HistoryPoints
	}
	if b.ListLimit <= 0 {
		b.ListLimit = DefaultBounds.ListLimit
	}
	if b.TextLimit <= 0 {
		b.TextLimit = DefaultBounds.TextLimit
	}
	if b.MaxFieldBytes <= 0 {
		b.MaxFieldBytes = DefaultBounds.MaxFieldBytes
	}
	return b
}

// Paths are upstream paths with a {ticker} placeholder.
type Paths struct {
	Stock       string
	Historical  string
	Target      string
	Commodities string
}

func expand(path, ticker string) string {
	return strings.ReplaceAll(path, "{ticker}", url.QueryEscape(ticker))
}

// Snapshot reads all sources concurrently. A failed branch leaves its field
// nil and never cancels its siblings.
func (s *Summarizer) Snapshot(ctx context.Context, ticker string) Snapshot {
	type branch struct {
		name  string
		path  string
		limit int
		tail  bool
	}
	branches := []branch{
		{"stockData", expand(s.paths.Stock, ticker), s.bounds.ListLimit, false},
		{"historical", expand(s.paths.Historical, ticker), s.bounds.HistoryPoints, true},
		{"priceTarget", expand(s.paths.Target, ticker), s.bounds.ListLimit, false},
		{"commodities", s.paths.Commodities, s.bounds.ListLimit, false},
	}

	results := make([]json.RawMessage, len(branches))
	var g errgroup.Group
	for i, b := range branches {
		g.Go(func() error {
			if b.path == "" {
				return nil
			}
			body, err := s.upstream.Get(ctx, b.path, nil)
			if err != nil {
				branchResults.WithLabelValues(b.name, "failed").Inc()
				log.Warn().Str("component", "research").Str("branch", b.name).Str("ticker", ticker).Err(err).Msg("snapshot branch failed")
				return nil
			}
			results[i] = bound(body, b.limit, b.tail, s.bounds)
			if results[i] == nil {
				branchResults.WithLabelValues(b.name, "oversized").Inc()
				log.Warn().Str("component", "research").Str("branch", b.name).Int("bytes", len(body)).Msg("snapshot branch dropped, too large after trimming")
				return nil
			}
			branchResults.WithLabelValues(b.name, "ok").Inc()
			return nil
		})
	}
	_ = g.Wait()

	return Snapshot{
		StockData:   results[0],
		Historical:  results[1],
		PriceTarget: results[2],
		Commodities: results[3],
	}
}

// bound trims body so it serializes within b.MaxFieldBytes. Lists are cut to
// limit items (from the end when tail is set) and strings to b.TextLimit;
// the list limit is halved until the result fits. nil means it never fit.
func bound(body []byte, limit int, tail bool, b Bounds) json.RawMessage {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil
	}

	for ; limit >= 1; limit /= 2 {
		out, err := marshal(shrink(v, limit, tail, b.TextLimit))
		if err != nil {
			return nil
		}
		if len(out) <= b.MaxFieldBytes {
			return out
		}
	}
	return nil
}

func shrink(v any, limit int, tail bool, textLimit int) any {
	switch t := v.(type) {
	case string:
		return clip(t, textLimit)
	case []any:
		items := t
		if len(items) > limit {
			if tail {
				items = items[len(items)-limit:]
			} else {
				items = items[:limit]
			}
		}
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = shrink(item, limit, tail, textLimit)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = shrink(item, limit, tail, textLimit)
		}
		return out
	default:
		return v
	}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func marshal(v any) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
