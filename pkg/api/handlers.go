package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shivamagw06-dev/AGIB-sub000/pkg/deals"
	"github.com/shivamagw06-dev/AGIB-sub000/pkg/market"
	"github.com/shivamagw06-dev/AGIB-sub000/pkg/middleware"
	"github.com/shivamagw06-dev/AGIB-sub000/pkg/proxy"
)

const (
	trendingKey     = "trending"
	quotePath       = "/quote"
	maxRequestBytes = 64 << 10
)

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":    "ok",
		"timestamp": h.Now().UTC(),
		"llm":       h.LLMEnabled,
	}

	if h.Redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := h.Redis.Ping(ctx); err != nil {
			health["redis"] = "unhealthy"
			health["status"] = "degraded"
		} else {
			health["redis"] = "healthy"
		}
	}

	if entry, ok := h.Cache.Peek(trendingKey); ok {
		health["trendingAgeSeconds"] = int(h.Now().Sub(entry.CachedAt).Seconds())
	}

	respondJSON(w, http.StatusOK, health)
}

// trending serves the trending dataset through the freshness cache. Only a
// cold cache with a failing upstream surfaces the upstream error.
func (h *handlers) trending(w http.ResponseWriter, r *http.Request) {
	cfg := h.Config.Get().Upstream

	res, err := h.Cache.GetOrRefresh(r.Context(), trendingKey, cfg.TrendingTTL, func(ctx context.Context) (json.RawMessage, error) {
		return h.Forwarder.Get(ctx, cfg.TrendingPath, nil)
	})
	if err != nil {
		var envErr *proxy.EnvelopeError
		if errors.As(err, &envErr) {
			envErr.Envelope.Write(w)
			return
		}
		log.Error().Str("component", "http").Err(err).Msg("trending refresh failed")
		respondError(w, "Proxy fetch failed", http.StatusInternalServerError)
		return
	}

	switch {
	case res.Stale:
		w.Header().Set("X-Cache", "STALE")
	case res.Hit:
		w.Header().Set("X-Cache", "HIT")
	default:
		w.Header().Set("X-Cache", "MISS")
	}
	age := int(math.Max(0, h.Now().Sub(res.CachedAt).Seconds()))
	w.Header().Set("X-Cache-Age", strconv.Itoa(age))
	respondRaw(w, http.StatusOK, res.Payload)
}

// quote forwards to the quote endpoint and, when the upstream answered with
// clean JSON, adds normalized fields next to the original under "raw".
func (h *handlers) quote(w http.ResponseWriter, r *http.Request) {
	env := h.Forwarder.Forward(r.Context(), http.MethodGet, h.Forwarder.URL(quotePath, r.URL.Query()), r.Header, nil)
	if !env.OK() {
		env.Write(w)
		return
	}

	body, err := market.Normalize(env.Body, market.QuoteFields)
	if err != nil {
		log.Warn().Str("component", "http").Err(err).Msg("quote normalization failed, relaying upstream body")
		env.Write(w)
		return
	}
	respondRaw(w, env.Status, body)
}

// deals always answers 200 with an array.
func (h *handlers) deals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(strings.TrimSpace(q.Get("limit")))

	if middleware.Throttled(r.Context()) {
		respondJSON(w, http.StatusOK, []deals.Record{})
		return
	}
	records := h.Deals.Fetch(r.Context(), q.Get("region"), limit)
	respondJSON(w, http.StatusOK, records)
}

type summaryRequest struct {
	Ticker string `json:"ticker"`
	Mode   string `json:"mode"`
}

func (h *handlers) researchSummary(w http.ResponseWriter, r *http.Request) {
	var req summaryRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		respondError(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	ticker := strings.ToUpper(strings.TrimSpace(req.Ticker))
	if ticker == "" {
		respondError(w, "ticker is required", http.StatusBadRequest)
		return
	}

	if middleware.Throttled(r.Context()) {
		respondJSON(w, http.StatusOK, h.Research.SummarizeWithoutModel(r.Context(), ticker, req.Mode))
		return
	}
	respondJSON(w, http.StatusOK, h.Research.Summarize(r.Context(), ticker, req.Mode))
}
