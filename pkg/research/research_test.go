package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/shivamagw06-dev/AGIB-sub000/pkg/llm"
)

var testPaths = Paths{
	Stock:       "/stock?name={ticker}",
	Historical:  "/historical_data?stock_name={ticker}&period=1yr",
	Target:      "/stock_target_price?stock_id={ticker}",
	Commodities: "/commodities",
}

type fakeUpstream struct {
	mu     sync.Mutex
	bodies map[string]string
	calls  []string
}

func (f *fakeUpstream) Get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, path)
	f.mu.Unlock()
	if b, ok := f.bodies[path]; ok {
		return []byte(b), nil
	}
	return nil, errors.New("upstream down")
}

type fakeCompleter struct {
	enabled bool
	raw     string
	err     error
	got     []llm.Message
}

func (f *fakeCompleter) Enabled() bool { return f.enabled }

func (f *fakeCompleter) Complete(ctx context.Context, messages []llm.Message) (*llm.Completion, error) {
	f.got = messages
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Completion{Model: "sonar-pro", Raw: []byte(f.raw)}, nil
}

func envelope(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"message": map[string]any{"content": content}}},
	})
	return string(b)
}

func fullUpstream() *fakeUpstream {
	return &fakeUpstream{bodies: map[string]string{
		"/stock?name=TCS": `{"companyName":"Tata Consultancy Services","currentPrice":{"NSE":"3400.5"}}`,
		"/historical_data?stock_name=TCS&period=1yr": `{"datasets":[{"metric":"Price","values":[["2024-01-01","3300"],["2024-01-02","3400.5"]]}]}`,
		"/stock_target_price?stock_id=TCS":           `{"priceTarget":{"Mean":4100}}`,
		"/commodities":                               `[{"commodityName":"Gold"},{"commodityName":"Silver"}]`,
	}}
}

var fixedNow = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

func TestSummarize_NoModel(t *testing.T) {
	up := fullUpstream()
	s := NewSummarizer(up, &fakeCompleter{}, testPaths, WithClock(func() time.Time { return fixedNow }))

	got := s.Summarize(context.Background(), "TCS", "")

	assert.Equal(t, StatusNoModel, got.Status)
	require.NotNil(t, got.Summary)
	assert.Contains(t, *got.Summary, "unavailable")
	assert.Nil(t, got.OneLiner)
	assert.Nil(t, got.RawModelOutput)
	assert.Equal(t, ModeBrief, got.Mode)
	assert.Equal(t, fixedNow, got.GeneratedAt)
	assert.NotNil(t, got.SourceSnapshot.StockData)
	assert.NotNil(t, got.SourceSnapshot.Historical)
	assert.NotNil(t, got.SourceSnapshot.PriceTarget)
	assert.NotNil(t, got.SourceSnapshot.Commodities)
	assert.Len(t, up.calls, 4)
}

func TestSummarize_ModelFailed(t *testing.T) {
	c := &fakeCompleter{enabled: true, err: fmt.Errorf("wrapped: %w", llm.ErrExhausted)}
	s := NewSummarizer(fullUpstream(), c, testPaths)

	got := s.Summarize(context.Background(), "TCS", "detailed")

	assert.Equal(t, StatusModelFailed, got.Status)
	require.NotNil(t, got.Summary)
	assert.Contains(t, *got.Summary, "unavailable")
	assert.Equal(t, ModeDetailed, got.Mode)
	assert.NotNil(t, got.SourceSnapshot.StockData)
	assert.Empty(t, got.Model)
}

func TestSummarize_Full(t *testing.T) {
	c := &fakeCompleter{enabled: true, raw: envelope("Here is the note:\n" +
		`{"one_liner":"TCS trades below its mean target.","summary":"TCS last traded at 3400.5 against a mean target of 4100.","citations":["stockData","priceTarget"]}`)}
	s := NewSummarizer(fullUpstream(), c, testPaths)

	got := s.Summarize(context.Background(), "TCS", "brief")

	assert.Equal(t, StatusFull, got.Status)
	assert.Equal(t, "sonar-pro", got.Model)
	require.NotNil(t, got.Summary)
	assert.Equal(t, "TCS last traded at 3400.5 against a mean target of 4100.", *got.Summary)
	require.NotNil(t, got.OneLiner)
	assert.Equal(t, "TCS trades below its mean target.", *got.OneLiner)
	assert.Equal(t, []string{"stockData", "priceTarget"}, got.Citations)
	require.NotNil(t, got.RawModelOutput)
	assert.Contains(t, *got.RawModelOutput, "Here is the note")

	// Prompt carries the bounded snapshot.
	require.Len(t, c.got, 2)
	assert.Contains(t, c.got[1].Content, "Ticker: TCS")
	assert.Contains(t, c.got[1].Content, "Tata Consultancy Services")
}

func TestSummarize_FallsBackToRawText(t *testing.T) {
	long := "TCS is flat on the week. " + strings.Repeat("More detail follows. ", 200)
	c := &fakeCompleter{enabled: true, raw: envelope(long)}
	s := NewSummarizer(fullUpstream(), c, testPaths)

	got := s.Summarize(context.Background(), "TCS", "")

	assert.Equal(t, StatusFull, got.Status)
	require.NotNil(t, got.Summary)
	assert.LessOrEqual(t, len([]rune(*got.Summary)), maxSummaryChars+1)
	require.NotNil(t, got.OneLiner)
	assert.Equal(t, "TCS is flat on the week.", *got.OneLiner)
	assert.Nil(t, got.Citations)
}

func TestSummarize_EmptyContentIsModelFailure(t *testing.T) {
	c := &fakeCompleter{enabled: true, raw: envelope("   ")}
	got := NewSummarizer(fullUpstream(), c, testPaths).Summarize(context.Background(), "TCS", "")
	assert.Equal(t, StatusModelFailed, got.Status)
}

func TestSummarizeWithoutModel_SkipsCompletion(t *testing.T) {
	c := &fakeCompleter{enabled: true, raw: envelope(`{"summary":"never used"}`)}
	up := fullUpstream()
	s := NewSummarizer(up, c, testPaths, WithClock(func() time.Time { return fixedNow }))

	got := s.SummarizeWithoutModel(context.Background(), "TCS", "detailed")

	assert.Nil(t, c.got)
	assert.Equal(t, StatusModelFailed, got.Status)
	require.NotNil(t, got.Summary)
	assert.Equal(t, throttledSummary, *got.Summary)
	assert.Nil(t, got.OneLiner)
	assert.Empty(t, got.Model)
	assert.Equal(t, ModeDetailed, got.Mode)
	assert.Equal(t, fixedNow, got.GeneratedAt)
	assert.NotNil(t, got.SourceSnapshot.StockData)
	assert.Len(t, up.calls, 4)
}

func TestSnapshot_BranchFailuresAreIndependent(t *testing.T) {
	up := &fakeUpstream{bodies: map[string]string{
		"/commodities": `[{"commodityName":"Gold"}]`,
	}}
	s := NewSummarizer(up, nil, testPaths)

	snap := s.Snapshot(context.Background(), "TCS")
	assert.Nil(t, snap.StockData)
	assert.Nil(t, snap.Historical)
	assert.Nil(t, snap.PriceTarget)
	assert.JSONEq(t, `[{"commodityName":"Gold"}]`, string(snap.Commodities))

	b, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.JSONEq(t, `{"stockData":null,"historical":null,"priceTarget":null,"commodities":[{"commodityName":"Gold"}]}`, string(b))
}

func TestSnapshot_EscapesTicker(t *testing.T) {
	up := &fakeUpstream{}
	NewSummarizer(up, nil, testPaths).Snapshot(context.Background(), "M&M")
	assert.Contains(t, up.calls, "/stock?name=M%26M")
}

func TestBound_KeepsMostRecentHistory(t *testing.T) {
	points := make([]string, 0, 300)
	for i := 0; i < 300; i++ {
		points = append(points, fmt.Sprintf(`["d%d",%d]`, i, i))
	}
	body := `{"datasets":[{"values":[` + strings.Join(points, ",") + `]}]}`

	out := bound([]byte(body), 120, true, DefaultBounds)
	require.NotNil(t, out)

	values := gjson.GetBytes(out, "datasets.0.values").Array()
	require.Len(t, values, 120)
	assert.Equal(t, "d180", values[0].Get("0").String())
	assert.Equal(t, "d299", values[119].Get("0").String())
}

func TestBound_CapsListsAndText(t *testing.T) {
	items := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		items = append(items, fmt.Sprintf(`{"n":%d}`, i))
	}
	body := `{"about":"` + strings.Repeat("x", 5000) + `","items":[` + strings.Join(items, ",") + `]}`

	out := bound([]byte(body), 20, false, DefaultBounds)
	require.NotNil(t, out)
	assert.Len(t, []rune(gjson.GetBytes(out, "about").String()), DefaultBounds.TextLimit+1)
	assert.Len(t, gjson.GetBytes(out, "items").Array(), 20)
	assert.Equal(t, int64(0), gjson.GetBytes(out, "items.0.n").Int())
}

func TestBound_ShrinksUntilWithinFieldCap(t *testing.T) {
	items := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		items = append(items, fmt.Sprintf(`"%s"`, strings.Repeat("y", 90)))
	}
	body := `[` + strings.Join(items, ",") + `]`
	b := Bounds{HistoryPoints: 120, ListLimit: 100, TextLimit: 1000, MaxFieldBytes: 1000}

	out := bound([]byte(body), b.ListLimit, false, b)
	require.NotNil(t, out)
	assert.LessOrEqual(t, len(out), 1000)
	assert.NotEmpty(t, gjson.ParseBytes(out).Array())
}

func TestBound_NilWhenNothingFits(t *testing.T) {
	b := Bounds{ListLimit: 10, TextLimit: 1000, MaxFieldBytes: 10}
	assert.Nil(t, bound([]byte(`{"name":"`+strings.Repeat("z", 100)+`"}`), 10, false, b))
	assert.Nil(t, bound([]byte(`not json`), 10, false, DefaultBounds))
}

func TestFirstSentence(t *testing.T) {
	assert.Equal(t, "Shares rose 2.5% today.", FirstSentence("Shares rose 2.5% today. Volume was high.", 200))
	assert.Equal(t, "No period here", FirstSentence("No period here", 200))
	assert.Equal(t, "abc…", FirstSentence("abcdef", 3))
}
