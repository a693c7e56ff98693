package deals

import (
	"html"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/tidwall/gjson"

	"github.com/shivamagw06-dev/AGIB-sub000/pkg/market"
)

// DefaultType is used when the model does not classify a deal.
const DefaultType = "M&A"

const maxSummaryLen = 600

// Record is a normalized deal. Every key is always present in its JSON form;
// unknown values are null.
type Record struct {
	Acquirer    *string  `json:"acquirer"`
	Target      *string  `json:"target"`
	Value       *string  `json:"value"`
	ValueNumber *float64 `json:"valueNumber"`
	Sector      *string  `json:"sector"`
	Region      string   `json:"region"`
	Date        *string  `json:"date"`
	Source      *string  `json:"source"`
	Image       *string  `json:"image"`
	Summary     *string  `json:"summary"`
	Type        string   `json:"type"`
}

var (
	acquirerField    = market.Field{Name: "acquirer", Kind: market.Text, Paths: []string{"acquirer", "buyer", "acquirer_name", "acquirerName", "acquiring_company", "bidder"}}
	targetField      = market.Field{Name: "target", Kind: market.Text, Paths: []string{"target", "target_name", "targetName", "target_company", "acquired", "company"}}
	valueField       = market.Field{Name: "value", Kind: market.Text, Paths: []string{"value", "deal_value", "dealValue", "amount", "size", "consideration"}}
	valueNumberField = market.Field{Name: "valueNumber", Kind: market.Number, Paths: []string{"valueNumber", "value_number", "value_usd", "valueUSD", "amount_usd"}}
	sectorField      = market.Field{Name: "sector", Kind: market.Text, Paths: []string{"sector", "industry", "vertical"}}
	regionField      = market.Field{Name: "region", Kind: market.Text, Paths: []string{"region", "country", "geography", "market"}}
	dateField        = market.Field{Name: "date", Kind: market.Text, Paths: []string{"date", "announced", "announcement_date", "announcedDate", "deal_date", "published"}}
	sourceField      = market.Field{Name: "source", Kind: market.Text, Paths: []string{"source", "url", "link", "source_url", "sourceUrl"}}
	imageField       = market.Field{Name: "image", Kind: market.Text, Paths: []string{"image", "image_url", "imageUrl", "thumbnail", "logo"}}
	summaryField     = market.Field{Name: "summary", Kind: market.Text, Paths: []string{"summary", "description", "details", "rationale"}}
	typeField        = market.Field{Name: "type", Kind: market.Text, Paths: []string{"type", "deal_type", "dealType", "category"}}
)

var textPolicy = bluemonday.StrictPolicy()

// Normalize maps model output (a JSON array of loosely-keyed objects) onto
// Records. Objects naming neither party are dropped. At most limit records are
// returned; the result is never nil.
func Normalize(arr []byte, region string, limit int) []Record {
	if limit <= 0 {
		return []Record{}
	}
	out := make([]Record, 0, limit)
	gjson.ParseBytes(arr).ForEach(func(_, item gjson.Result) bool {
		if len(out) >= limit {
			return false
		}
		if !item.IsObject() {
			return true
		}
		rec := normalizeOne(item, region)
		if rec.Acquirer == nil && rec.Target == nil {
			return true
		}
		out = append(out, rec)
		return true
	})
	return out
}

func normalizeOne(item gjson.Result, region string) Record {
	rec := Record{
		Acquirer: text(item, acquirerField),
		Target:   text(item, targetField),
		Sector:   text(item, sectorField),
		Region:   region,
		Type:     DefaultType,
	}

	if r := text(item, regionField); r != nil {
		rec.Region = *r
	}
	if t := text(item, typeField); t != nil {
		rec.Type = *t
	}

	if v := item.Get("value"); v.Type == gjson.Number {
		s := strconv.FormatFloat(v.Float(), 'f', -1, 64)
		n := v.Float()
		rec.Value, rec.ValueNumber = &s, &n
	} else if s := text(item, valueField); s != nil {
		rec.Value = s
		if n, ok := ParseValue(*s); ok {
			rec.ValueNumber = &n
		}
	}
	if rec.ValueNumber == nil {
		if n, ok := market.Lookup(item, valueNumberField); ok {
			f := n.(float64)
			rec.ValueNumber = &f
		}
	}

	if s := text(item, dateField); s != nil {
		rec.Date = ISODate(*s)
	}
	if s := text(item, sourceField); s != nil {
		rec.Source = httpURL(*s)
	}
	if s := text(item, imageField); s != nil {
		rec.Image = httpURL(*s)
	}
	if s := text(item, summaryField); s != nil {
		rec.Summary = cleanSummary(*s)
	}
	return rec
}

func text(item gjson.Result, f market.Field) *string {
	v, ok := market.Lookup(item, f)
	if !ok {
		return nil
	}
	s := v.(string)
	switch strings.ToLower(s) {
	case "null", "n/a", "na", "unknown", "none", "-":
		return nil
	}
	return &s
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"02-01-2006",
	"02/01/2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"2 Jan 2006",
	"January 2006",
	"Jan 2006",
	"2006-01",
}

// ISODate rewrites a date in one of the layouts models tend to emit as
// YYYY-MM-DD. Unrecognized input yields nil rather than a guess.
func ISODate(s string) *string {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			iso := t.Format("2006-01-02")
			return &iso
		}
	}
	return nil
}

var valuePattern = regexp.MustCompile(`(?i)(\d[\d,]*(?:\.\d+)?)\s*(trillion|tn|billion|bn|million|mn|mln|crore|cr|lakh|lac|thousand|b|m|k)?\b`)

var multipliers = map[string]float64{
	"trillion": 1e12, "tn": 1e12,
	"billion": 1e9, "bn": 1e9, "b": 1e9,
	"million": 1e6, "mn": 1e6, "mln": 1e6, "m": 1e6,
	"crore": 1e7, "cr": 1e7,
	"lakh": 1e5, "lac": 1e5,
	"thousand": 1e3, "k": 1e3,
}

// ParseValue reads an amount in free text such as "$8.5 billion" or
// "₹1,200 crore" and scales it by its unit word. Currency is not converted.
func ParseValue(s string) (float64, bool) {
	matches := valuePattern.FindAllStringSubmatch(s, -1)
	if matches == nil {
		return 0, false
	}
	// Prefer an amount with a unit over stray numbers such as years.
	m := matches[0]
	for _, c := range matches {
		if c[2] != "" {
			m = c
			break
		}
	}
	n, ok := market.ParseNumber(m[1])
	if !ok {
		return 0, false
	}
	if mult, ok := multipliers[strings.ToLower(m[2])]; ok {
		n *= mult
	}
	if math.IsInf(n, 0) || math.IsNaN(n) {
		return 0, false
	}
	return n, true
}

func httpURL(s string) *string {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil || u.Host == "" {
		return nil
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil
	}
	out := u.String()
	return &out
}

func cleanSummary(s string) *string {
	s = html.UnescapeString(textPolicy.Sanitize(s))
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return nil
	}
	if r := []rune(s); len(r) > maxSummaryLen {
		s = string(r[:maxSummaryLen]) + "…"
	}
	return &s
}
