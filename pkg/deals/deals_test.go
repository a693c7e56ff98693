package deals

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shivamagw06-dev/AGIB-sub000/pkg/llm"
)

type fakeCompleter struct {
	enabled bool
	raw     string
	err     error
	calls   int
	got     []llm.Message
}

func (f *fakeCompleter) Enabled() bool { return f.enabled }

func (f *fakeCompleter) Complete(ctx context.Context, messages []llm.Message) (*llm.Completion, error) {
	f.calls++
	f.got = messages
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Completion{Model: "sonar", Raw: []byte(f.raw)}, nil
}

func envelope(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"message": map[string]any{"content": content}}},
	})
	return string(b)
}

func TestFetch_AlwaysReturnsArray(t *testing.T) {
	tests := []struct {
		name string
		llm  *fakeCompleter
	}{
		{"not configured", &fakeCompleter{}},
		{"exhausted", &fakeCompleter{enabled: true, err: llm.ErrExhausted}},
		{"systemic failure", &fakeCompleter{enabled: true, err: &llm.StatusError{Model: "a", Status: 401}}},
		{"prose only", &fakeCompleter{enabled: true, raw: envelope("I cannot browse the web.")}},
		{"object instead of array", &fakeCompleter{enabled: true, raw: envelope(`{"deals":"none"}`)}},
		{"html error page", &fakeCompleter{enabled: true, raw: "<html><body>502</body></html>"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.llm, 10, 25)
			got := svc.Fetch(context.Background(), "India", 5)
			require.NotNil(t, got)
			assert.Empty(t, got)

			b, err := json.Marshal(got)
			require.NoError(t, err)
			assert.Equal(t, "[]", string(b))
		})
	}
}

func TestFetch_NotConfiguredMakesNoCall(t *testing.T) {
	c := &fakeCompleter{}
	NewService(c, 10, 25).Fetch(context.Background(), "", 0)
	assert.Equal(t, 0, c.calls)
}

func TestFetch_NormalizesAndCaps(t *testing.T) {
	content := `Here you go:
[
 {"acquirer":"Reliance Industries","target":"Disney Star","value":"$8.5 billion","sector":"Media","date":"February 28, 2024","source":"https://example.com/a","summary":"<b>Merger</b> of   media assets."},
 {"buyer":"Tata Steel","company":"Corus","deal_value":"₹1,200 crore","published":"2024-03-01T10:00:00Z","url":"javascript:alert(1)"},
 {"sector":"Banking"},
 {"acquirer":"Third","target":"Over limit"}
]`
	c := &fakeCompleter{enabled: true, raw: envelope(content)}
	svc := NewService(c, 10, 25)

	got := svc.Fetch(context.Background(), "India", 2)
	require.Len(t, got, 2)

	first := got[0]
	assert.Equal(t, "Reliance Industries", *first.Acquirer)
	assert.Equal(t, "Disney Star", *first.Target)
	assert.Equal(t, "$8.5 billion", *first.Value)
	assert.InDelta(t, 8.5e9, *first.ValueNumber, 1)
	assert.Equal(t, "2024-02-28", *first.Date)
	assert.Equal(t, "https://example.com/a", *first.Source)
	assert.Equal(t, "Merger of media assets.", *first.Summary)
	assert.Equal(t, "India", first.Region)
	assert.Equal(t, DefaultType, first.Type)
	assert.Nil(t, first.Image)

	second := got[1]
	assert.Equal(t, "Tata Steel", *second.Acquirer)
	assert.Equal(t, "Corus", *second.Target)
	assert.InDelta(t, 1.2e10, *second.ValueNumber, 1)
	assert.Equal(t, "2024-03-01", *second.Date)
	assert.Nil(t, second.Source)
	assert.Nil(t, second.Sector)

	assert.Contains(t, c.got[1].Content, "up to 2")
	assert.Contains(t, c.got[1].Content, "India")
}

func TestFetch_EveryKeyPresent(t *testing.T) {
	c := &fakeCompleter{enabled: true, raw: envelope(`[{"acquirer":"A"}]`)}
	got := NewService(c, 10, 25).Fetch(context.Background(), "", 0)
	require.Len(t, got, 1)

	b, err := json.Marshal(got[0])
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))

	for _, k := range []string{"acquirer", "target", "value", "valueNumber", "sector", "region", "date", "source", "image", "summary", "type"} {
		assert.Contains(t, m, k)
	}
	assert.Nil(t, m["target"])
	assert.Equal(t, GlobalRegion, m["region"])
	assert.Equal(t, "M&A", m["type"])
}

func TestService_Limit(t *testing.T) {
	svc := NewService(nil, 10, 25)
	assert.Equal(t, 10, svc.Limit(0))
	assert.Equal(t, 10, svc.Limit(-3))
	assert.Equal(t, 7, svc.Limit(7))
	assert.Equal(t, 25, svc.Limit(100))
}

func TestFetch_NilCompleter(t *testing.T) {
	svc := NewService(nil, 10, 25)
	assert.Equal(t, []Record{}, svc.Fetch(context.Background(), "US", 3))
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"$8.5 billion", 8.5e9, true},
		{"USD 500m", 5e8, true},
		{"₹1,200 crore", 1.2e10, true},
		{"Rs 35 lakh", 3.5e6, true},
		{"Q3 2024 deal worth $1bn", 1e9, true},
		{"1,250,000", 1.25e6, true},
		{"undisclosed", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseValue(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.InDelta(t, tt.want, got, 1, tt.in)
	}
}

func TestISODate(t *testing.T) {
	tests := map[string]string{
		"2024-02-28":           "2024-02-28",
		"2024-02-28T09:00:00Z": "2024-02-28",
		"Feb 28, 2024":         "2024-02-28",
		"28 February 2024":     "2024-02-28",
		"March 2024":           "2024-03-01",
	}
	for in, want := range tests {
		got := ISODate(in)
		require.NotNil(t, got, in)
		assert.Equal(t, want, *got, in)
	}
	assert.Nil(t, ISODate("last Tuesday"))
}

func TestNormalize_DropsPartylessRecords(t *testing.T) {
	got := Normalize([]byte(`[{"sector":"Tech"},"text",{"target":"Only target"}]`), "US", 10)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].Acquirer)
	assert.Equal(t, "Only target", *got[0].Target)
}
