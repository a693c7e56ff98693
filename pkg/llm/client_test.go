package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/shivamagw06-dev/AGIB-sub000/pkg/fetch"
)

type reply struct {
	status int
	body   string
	err    error
}

// scriptedDoer answers per model and records the order models were tried.
type scriptedDoer struct {
	mu      sync.Mutex
	replies map[string]reply
	tried   []string
}

func (d *scriptedDoer) Do(ctx context.Context, req fetch.Request) (*fetch.Response, error) {
	model := gjson.GetBytes(req.Body, "model").String()
	d.mu.Lock()
	d.tried = append(d.tried, model)
	d.mu.Unlock()

	r, ok := d.replies[model]
	if !ok {
		return nil, errors.New("unexpected model " + model)
	}
	if r.err != nil {
		return nil, r.err
	}
	return &fetch.Response{Status: r.status, ContentType: "application/json", Body: []byte(r.body)}, nil
}

func envelope(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": content}}},
	})
	return string(b)
}

func TestComplete_FallsBackPastInvalidModel(t *testing.T) {
	doer := &scriptedDoer{replies: map[string]reply{
		"a": {status: 400, body: `{"error":{"message":"Invalid model 'a'. Permitted models can be found in the documentation."}}`},
		"b": {status: 200, body: envelope("from b")},
	}}
	c := NewClient("http://llm.test", "key", []string{"a", "b"}, doer)

	got, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)

	assert.Equal(t, "b", got.Model)
	assert.Equal(t, "from b", got.Content())
	assert.Equal(t, []string{"a", "b"}, doer.tried)
	require.Len(t, got.Attempts, 2)
	assert.Equal(t, OutcomeInvalidModel, got.Attempts[0].Outcome)
	assert.Equal(t, OutcomeSuccess, got.Attempts[1].Outcome)
}

func TestComplete_StopsAtFirstSuccess(t *testing.T) {
	doer := &scriptedDoer{replies: map[string]reply{
		"a": {status: 200, body: envelope("not json at all")},
		"b": {status: 200, body: envelope("[]")},
	}}
	c := NewClient("http://llm.test", "key", []string{"a", "b"}, doer)

	got, err := c.Complete(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Model)
	assert.Equal(t, []string{"a"}, doer.tried)
}

func TestComplete_SystemicStatusStopsWalk(t *testing.T) {
	doer := &scriptedDoer{replies: map[string]reply{
		"a": {status: 401, body: `{"error":"invalid api key"}`},
		"b": {status: 200, body: envelope("unused")},
	}}
	c := NewClient("http://llm.test", "key", []string{"a", "b"}, doer)

	_, err := c.Complete(context.Background(), nil)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 401, se.Status)
	assert.Equal(t, "a", se.Model)
	assert.Equal(t, []string{"a"}, doer.tried)
}

func TestComplete_ServerErrorStopsWalk(t *testing.T) {
	doer := &scriptedDoer{replies: map[string]reply{
		"a": {status: 500, body: `internal`},
		"b": {status: 200, body: envelope("unused")},
	}}
	c := NewClient("http://llm.test", "key", []string{"a", "b"}, doer)

	_, err := c.Complete(context.Background(), nil)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, []string{"a"}, doer.tried)
}

func TestComplete_TransportFailureContinues(t *testing.T) {
	doer := &scriptedDoer{replies: map[string]reply{
		"a": {err: &fetch.Error{Kind: fetch.KindTimeout, URL: "http://llm.test", Err: context.DeadlineExceeded}},
		"b": {status: 200, body: envelope("ok")},
	}}
	c := NewClient("http://llm.test", "key", []string{"a", "b"}, doer)

	got, err := c.Complete(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Model)
	assert.Equal(t, OutcomeFailure, got.Attempts[0].Outcome)
}

func TestComplete_Exhausted(t *testing.T) {
	doer := &scriptedDoer{replies: map[string]reply{
		"a": {status: 404, body: `{"error":{"code":"model_not_found"}}`},
		"b": {err: errors.New("connection refused")},
	}}
	c := NewClient("http://llm.test", "key", []string{"a", "b"}, doer)

	_, err := c.Complete(context.Background(), nil)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, []string{"a", "b"}, doer.tried)
}

func TestComplete_NotConfigured(t *testing.T) {
	doer := &scriptedDoer{}
	c := NewClient("http://llm.test", "", []string{"a"}, doer)

	_, err := c.Complete(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Empty(t, doer.tried)
	assert.False(t, c.Enabled())
}

func TestComplete_WireFormat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		var req ChatRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "sonar-pro", req.Model)
		assert.InDelta(t, 0.1, req.Temperature, 1e-9)
		assert.Equal(t, 800, req.MaxTokens)
		assert.Equal(t, []Message{{Role: "system", Content: "json only"}, {Role: "user", Content: "go"}}, req.Messages)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(envelope(`[{"acquirer":"X"}]`)))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret", []string{"sonar-pro"}, fetch.New(), WithMaxTokens(800))
	got, err := c.Complete(context.Background(), []Message{{Role: "system", Content: "json only"}, {Role: "user", Content: "go"}})
	require.NoError(t, err)
	assert.Equal(t, `[{"acquirer":"X"}]`, got.Content())
}

func TestIsInvalidModel(t *testing.T) {
	tests := []struct {
		body string
		want bool
	}{
		{`{"error":{"message":"Invalid model 'x'"}}`, true},
		{`{"error":{"type":"invalid_model"}}`, true},
		{`{"error":"The model foo does not exist"}`, true},
		{`{"error":"rate limit exceeded"}`, false},
		{`{"error":"does not exist"}`, false},
		{``, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isInvalidModel([]byte(tt.body)), tt.body)
	}
}
