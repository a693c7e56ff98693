package llm

import (
	"encoding/json"
	"errors"
	"slices"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrUnparseable means no JSON value of the wanted shape could be recovered
// from a completion. Callers degrade instead of guessing.
var ErrUnparseable = errors.New("llm: no JSON value of the expected shape in completion")

// MaxScan bounds how many bytes of model text the bracket scanner reads.
const MaxScan = 256 << 10

var contentPaths = []string{
	"choices.0.message.content",
	"choices.0.text",
	"choices.0.delta.content",
	"output_text",
	"content.0.text",
}

// MessageContent pulls the first-choice text out of a provider envelope.
func MessageContent(raw []byte) (string, bool) {
	if !gjson.ValidBytes(raw) {
		return "", false
	}
	for _, p := range contentPaths {
		if r := gjson.GetBytes(raw, p); r.Type == gjson.String {
			return r.String(), true
		}
	}
	return "", false
}

// FindJSON returns the first balanced JSON value in s that starts with open
// ('[' or '{'), parses, and passes accept. Candidates are tried in order of
// their start offset, so an outer value wins over the values nested in it.
// Brackets inside JSON strings are ignored.
//
// The scan reads at most maxScan bytes of s in a single pass. Every span that
// balances is recorded, including spans nested inside an opener that never
// closes or that is broken by a mismatched closer. Validation work is bounded
// by a small multiple of the window.
func FindJSON(s string, open byte, maxScan int, accept func([]byte) bool) ([]byte, bool) {
	if maxScan <= 0 || maxScan > len(s) {
		maxScan = len(s)
	}
	window := s[:maxScan]

	budget := 4 * len(window)
	for _, sp := range balancedSpans(window, open) {
		size := sp.end - sp.start + 1
		if size > budget {
			break
		}
		budget -= size
		candidate := []byte(window[sp.start : sp.end+1])
		if json.Valid(candidate) && (accept == nil || accept(candidate)) {
			return candidate, true
		}
	}
	return nil, false
}

type span struct {
	start, end int
}

// balancedSpans walks s once and returns every balanced span that begins
// with open, ordered by start offset.
//
// Quotes only open a string while some value is open; prose between values is
// not JSON. A raw newline inside a string cannot occur in valid JSON, so it
// ends the string and abandons every open value.
func balancedSpans(s string, open byte) []span {
	type opener struct {
		pos    int
		closer byte
	}
	var (
		stack    []opener
		spans    []span
		inString bool
		escaped  bool
	)

	for j := 0; j < len(s); j++ {
		c := s[j]
		if inString {
			switch {
			case c == '\n':
				inString, escaped = false, false
				stack = stack[:0]
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if len(stack) > 0 {
				inString = true
			}
		case '[':
			stack = append(stack, opener{pos: j, closer: ']'})
		case '{':
			stack = append(stack, opener{pos: j, closer: '}'})
		case ']', '}':
			if len(stack) == 0 {
				continue
			}
			top := stack[len(stack)-1]
			if top.closer != c {
				// No open value can contain this closer.
				stack = stack[:0]
				continue
			}
			stack = stack[:len(stack)-1]
			if s[top.pos] == open {
				spans = append(spans, span{start: top.pos, end: j})
			}
		}
	}

	slices.SortFunc(spans, func(a, b span) int { return a.start - b.start })
	return spans
}

// ExtractArray recovers a JSON array of objects from a completion envelope.
// Order: the message content parsed whole, a scan of the content, then a
// scan of the whole raw text.
func ExtractArray(raw []byte) (json.RawMessage, error) {
	return extract(raw, '[', isObjectArray)
}

// ExtractObject recovers a JSON object accepted by accept the same way
// ExtractArray recovers arrays.
func ExtractObject(raw []byte, accept func(gjson.Result) bool) (json.RawMessage, error) {
	return extract(raw, '{', func(b []byte) bool {
		r := gjson.ParseBytes(b)
		return r.IsObject() && (accept == nil || accept(r))
	})
}

func extract(raw []byte, open byte, accept func([]byte) bool) (json.RawMessage, error) {
	if content, ok := MessageContent(raw); ok {
		direct := []byte(strings.TrimSpace(stripFence(content)))
		if json.Valid(direct) && accept(direct) {
			extractions.WithLabelValues("direct").Inc()
			return direct, nil
		}
		if v, ok := FindJSON(content, open, MaxScan, accept); ok {
			extractions.WithLabelValues("content_scan").Inc()
			return v, nil
		}
	}

	if v, ok := FindJSON(string(raw), open, MaxScan, func(b []byte) bool {
		return accept(b) && !looksLikeEnvelope(b)
	}); ok {
		extractions.WithLabelValues("raw_scan").Inc()
		return v, nil
	}

	extractions.WithLabelValues("failed").Inc()
	return nil, ErrUnparseable
}

func isObjectArray(b []byte) bool {
	r := gjson.ParseBytes(b)
	if !r.IsArray() {
		return false
	}
	ok := true
	r.ForEach(func(_, v gjson.Result) bool {
		ok = v.IsObject()
		return ok
	})
	return ok
}

// looksLikeEnvelope rejects the provider's own choices array or envelope
// object when scanning the raw response.
func looksLikeEnvelope(b []byte) bool {
	r := gjson.ParseBytes(b)
	if r.IsArray() {
		r = r.Get("0")
	}
	return r.Get("message").Exists() || r.Get("finish_reason").Exists() || r.Get("choices").Exists()
}

func stripFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return s
	}
	t = strings.TrimPrefix(t, "```")
	if nl := strings.IndexByte(t, '\n'); nl >= 0 {
		t = t[nl+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(t), "```")
}
