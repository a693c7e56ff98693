// Package api is the gateway's inbound HTTP surface.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/shivamagw06-dev/AGIB-sub000/pkg/cache"
	"github.com/shivamagw06-dev/AGIB-sub000/pkg/config"
	"github.com/shivamagw06-dev/AGIB-sub000/pkg/deals"
	"github.com/shivamagw06-dev/AGIB-sub000/pkg/middleware"
	"github.com/shivamagw06-dev/AGIB-sub000/pkg/proxy"
	"github.com/shivamagw06-dev/AGIB-sub000/pkg/research"
)

// DealFetcher returns a deal list; it never fails.
type DealFetcher interface {
	Fetch(ctx context.Context, region string, limit int) []deals.Record
}

// Summarizer builds research summaries; it never fails once given a ticker.
type Summarizer interface {
	Summarize(ctx context.Context, ticker, mode string) research.Summary
	SummarizeWithoutModel(ctx context.Context, ticker, mode string) research.Summary
}

// Pinger is an optional dependency checked by /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the handlers need.
type Deps struct {
	Config    *config.Store
	Forwarder *proxy.Forwarder
	Cache     *cache.Freshness
	Deals     DealFetcher
	Research  Summarizer
	// Limiter backs the rate limit on model-backed routes.
	Limiter middleware.Limiter
	// Redis is nil when Redis is disabled.
	Redis      Pinger
	LLMEnabled bool
	// Now defaults to time.Now; tests share it with the cache clock.
	Now func() time.Time
}

type handlers struct {
	Deps
}

// NewRouter wires every route.
func NewRouter(d Deps) http.Handler {
	if d.Limiter == nil {
		d.Limiter = middleware.NewLocalLimiter()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	h := &handlers{Deps: d}
	cfg := d.Config.Get()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders: []string{"X-Cache", "X-Cache-Age", middleware.RequestIDHeader},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/data", func(r chi.Router) {
		r.Get("/trending", h.trending)
		r.Get("/quote", h.quote)
		r.Get("/*", http.StripPrefix("/data", d.Forwarder).ServeHTTP)
	})

	limited := r.With(middleware.RateLimit("llm", d.Limiter, h.limits))
	limited.Get("/deals", h.deals)
	limited.Post("/research/summary", h.researchSummary)

	return otelhttp.NewHandler(r, "gateway",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

func (h *handlers) limits() middleware.Limits {
	rl := h.Config.Get().RateLimit
	return middleware.Limits{Enabled: rl.Enabled, RPS: rl.RPS, Burst: rl.Burst}
}
