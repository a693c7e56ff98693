// Package market maps the financial API's inconsistent field names onto the
// names the front end reads.
//
// Each logical attribute lists the upstream spellings it may arrive under, in
// priority order. The first path that resolves to a usable value wins.
package market

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Kind is the type a field is coerced to.
type Kind int

const (
	Number Kind = iota
	Text
)

// Field is one logical attribute and its upstream synonyms (gjson paths).
type Field struct {
	Name  string
	Kind  Kind
	Paths []string
}

// QuoteFields normalizes a single-instrument quote.
var QuoteFields = []Field{
	{Name: "symbol", Kind: Text, Paths: []string{"symbol", "ticker", "tickerId", "stock_id", "companyProfile.exchangeCodeNse"}},
	{Name: "companyName", Kind: Text, Paths: []string{"companyName", "company_name", "name", "longName", "shortName"}},
	{Name: "currentPrice", Kind: Number, Paths: []string{"currentPrice", "current_price", "price", "lastPrice", "last_price", "ltp", "currentPrice.NSE", "currentPrice.BSE"}},
	{Name: "change", Kind: Number, Paths: []string{"change", "netChange", "net_change", "priceChange"}},
	{Name: "percentChange", Kind: Number, Paths: []string{"percentChange", "percent_change", "pChange", "changePercent", "change_percent"}},
	{Name: "previousClose", Kind: Number, Paths: []string{"previousClose", "previous_close", "prevClose", "close"}},
	{Name: "open", Kind: Number, Paths: []string{"open", "openPrice", "open_price"}},
	{Name: "dayHigh", Kind: Number, Paths: []string{"dayHigh", "day_high", "high", "yearHigh"}},
	{Name: "dayLow", Kind: Number, Paths: []string{"dayLow", "day_low", "low", "yearLow"}},
	{Name: "volume", Kind: Number, Paths: []string{"volume", "totalVolume", "total_volume"}},
}

// Lookup returns the first usable value for f in doc. Numbers arriving as
// strings ("3,400.50", "-1.2%") are coerced. ok is false when no synonym
// produced a value.
func Lookup(doc gjson.Result, f Field) (any, bool) {
	for _, path := range f.Paths {
		v := doc.Get(path)
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		switch f.Kind {
		case Number:
			if n, ok := toNumber(v); ok {
				return n, true
			}
		case Text:
			if v.Type == gjson.String || v.Type == gjson.Number {
				if s := strings.TrimSpace(v.String()); s != "" {
					return s, true
				}
			}
		}
	}
	return nil, false
}

// Normalize builds {field: value|null, ..., "raw": <upstream>} from body. The
// upstream document is kept byte-for-byte under "raw".
func Normalize(body []byte, fields []Field) ([]byte, error) {
	doc := gjson.ParseBytes(body)
	out := []byte(`{}`)
	var err error
	for _, f := range fields {
		v, ok := Lookup(doc, f)
		if !ok {
			out, err = sjson.SetRawBytes(out, f.Name, []byte("null"))
		} else {
			out, err = sjson.SetBytes(out, f.Name, v)
		}
		if err != nil {
			return nil, err
		}
	}
	return sjson.SetRawBytes(out, "raw", body)
}

func toNumber(v gjson.Result) (float64, bool) {
	switch v.Type {
	case gjson.Number:
		return v.Float(), true
	case gjson.String:
		return ParseNumber(v.Str)
	}
	return 0, false
}

// ParseNumber reads a number written the way market feeds write them:
// thousands separators, currency symbols and a trailing percent sign are
// ignored.
func ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer(",", "", "%", "", "₹", "", "$", "", "+", "").Replace(s)
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
