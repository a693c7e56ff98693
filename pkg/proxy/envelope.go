package proxy

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/shivamagw06-dev/AGIB-sub000/pkg/fetch"
)

const jsonContentType = "application/json"

// Envelope is the gateway's outward response for one upstream call.
type Envelope struct {
	Status      int
	ContentType string
	Body        []byte
	// JSON is set when Body is upstream JSON that passed every check and can
	// be treated as data by internal callers.
	JSON bool
}

// OK reports whether the envelope carries usable upstream JSON.
func (e *Envelope) OK() bool {
	return e.JSON && e.Status >= 200 && e.Status < 300
}

// Write sends the envelope to the client.
func (e *Envelope) Write(w http.ResponseWriter) {
	if e.ContentType != "" {
		w.Header().Set("Content-Type", e.ContentType)
	}
	w.WriteHeader(e.Status)
	if len(e.Body) > 0 {
		w.Write(e.Body)
	}
}

// EnvelopeError turns a non-OK envelope into a Go error for callers that
// need one (cache refresh, fan-out branches).
type EnvelopeError struct {
	Envelope *Envelope
}

func (e *EnvelopeError) Error() string {
	body := string(e.Envelope.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("upstream envelope status %d: %s", e.Envelope.Status, body)
}

func errorEnvelope(status int, fields map[string]string) *Envelope {
	body, _ := json.Marshal(fields)
	return &Envelope{Status: status, ContentType: jsonContentType, Body: body}
}

// Classify maps the outcome of a bounded fetch onto the envelope returned to
// the caller. It never fails: every input has a defined response.
func Classify(resp *fetch.Response, err error) *Envelope {
	if err == nil && resp == nil {
		err = fmt.Errorf("no response")
	}
	if err != nil {
		if fetch.IsTimeout(err) {
			return errorEnvelope(http.StatusGatewayTimeout, map[string]string{"error": "Upstream request timed out"})
		}
		return errorEnvelope(http.StatusInternalServerError, map[string]string{
			"error":  "Proxy fetch failed",
			"detail": err.Error(),
		})
	}

	if len(resp.Body) == 0 {
		return &Envelope{Status: resp.Status}
	}

	// Authentication and entitlement problems go back verbatim so the caller
	// sees exactly what the provider said about the key.
	switch resp.Status {
	case http.StatusUnauthorized, http.StatusPaymentRequired, http.StatusForbidden:
		log.Warn().Str("component", "proxy").Int("status", resp.Status).
			Str("body", preview(resp.Body, 512)).Msg("upstream rejected credentials")
		return &Envelope{Status: resp.Status, ContentType: resp.ContentType, Body: resp.Body}
	}

	if !isJSON(resp.ContentType) {
		return &Envelope{Status: resp.Status, ContentType: resp.ContentType, Body: resp.Body}
	}

	if resp.Truncated || !gjson.ValidBytes(resp.Body) {
		log.Warn().Str("component", "proxy").Int("status", resp.Status).Bool("truncated", resp.Truncated).
			Msg("upstream sent malformed JSON")
		return &Envelope{Status: http.StatusBadGateway, ContentType: resp.ContentType, Body: resp.Body}
	}

	if upstreamErr, ok := embeddedError(resp.Body); ok {
		body := []byte(`{}`)
		body, _ = sjson.SetRawBytes(body, "upstream_error", []byte(upstreamErr.Raw))
		body, _ = sjson.SetRawBytes(body, "upstream_body", resp.Body)
		return &Envelope{Status: http.StatusBadGateway, ContentType: jsonContentType, Body: body}
	}

	return &Envelope{Status: resp.Status, ContentType: jsonContentType, Body: resp.Body, JSON: true}
}

// embeddedError finds the provider's own error envelope inside an object body.
func embeddedError(body []byte) (gjson.Result, bool) {
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return gjson.Result{}, false
	}
	for _, key := range []string{"error", "upstream_error"} {
		if v := doc.Get(key); v.Exists() && v.Type != gjson.Null {
			return v, true
		}
	}
	return gjson.Result{}, false
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	return mt == jsonContentType || strings.HasSuffix(mt, "+json")
}

func preview(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
