package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/shivamagw06-dev/AGIB-sub000/pkg/api"
	"github.com/shivamagw06-dev/AGIB-sub000/pkg/cache"
	"github.com/shivamagw06-dev/AGIB-sub000/pkg/config"
	"github.com/shivamagw06-dev/AGIB-sub000/pkg/deals"
	"github.com/shivamagw06-dev/AGIB-sub000/pkg/fetch"
	"github.com/shivamagw06-dev/AGIB-sub000/pkg/llm"
	"github.com/shivamagw06-dev/AGIB-sub000/pkg/middleware"
	"github.com/shivamagw06-dev/AGIB-sub000/pkg/proxy"
	"github.com/shivamagw06-dev/AGIB-sub000/pkg/research"
	"github.com/shivamagw06-dev/AGIB-sub000/pkg/telemetry"
)

const shutdownTimeout = 15 * time.Second

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "gateway",
		Short:        "Market data and AI research gateway",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./configs/config.yaml)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("gateway exited")
		os.Exit(1)
	}
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func serve(ctx context.Context, configPath string) error {
	// 1. Load config with hot reload
	cfgStore, err := config.LoadAndWatch(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgStore.Get()
	setupLogging(cfg.Logging)

	// 2. Tracing
	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, os.Stderr)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	// 3. Redis backs the shared rate limiter when enabled
	var limiter middleware.Limiter = middleware.NewLocalLimiter()
	var pinger api.Pinger
	if cfg.Redis.Enabled {
		rdb, err := cache.NewRedis(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		limiter = middleware.NewRedisLimiter(rdb.Redis())
		pinger = rdb
		log.Info().Str("component", "main").Str("address", cfg.Redis.Address).Msg("connected to redis")
	}

	// 4. Outbound clients
	fetcher := fetch.New(
		fetch.WithMaxBody(cfg.Upstream.MaxBodyBytes),
		fetch.WithBreaker(cfg.Upstream.BreakerFailures, cfg.Upstream.BreakerCooldown),
	)

	forwarder, err := proxy.New(cfg.Upstream.BaseURL, fetcher,
		proxy.WithAPIKey(cfg.Upstream.APIKeyHeader, cfg.Upstream.APIKey),
		proxy.WithTimeout(cfg.Upstream.Timeout),
	)
	if err != nil {
		return fmt.Errorf("create forwarder: %w", err)
	}
	if cfg.Upstream.APIKey == "" {
		log.Warn().Str("component", "main").Msg("upstream api key is empty, requests go out unauthenticated")
	}

	llmClient := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Models, fetcher,
		llm.WithTimeout(cfg.LLM.Timeout),
		llm.WithTemperature(cfg.LLM.Temperature),
		llm.WithMaxTokens(cfg.LLM.MaxTokens),
		llm.WithPricing(cfg.Models),
	)
	if !llmClient.Enabled() {
		log.Warn().Str("component", "main").Msg("no completion provider configured, deals are empty and research is data-only")
	}

	// 5. Domain services
	dealService := deals.NewService(llmClient, cfg.Deals.DefaultLimit, cfg.Deals.MaxLimit)
	summarizer := research.NewSummarizer(forwarder, llmClient,
		research.Paths{
			Stock:       cfg.Research.StockPath,
			Historical:  cfg.Research.HistoricalPath,
			Target:      cfg.Research.TargetPath,
			Commodities: cfg.Research.CommoditiesPath,
		},
		research.WithBounds(research.Bounds{
			HistoryPoints: cfg.Research.HistoryPoints,
			ListLimit:     cfg.Research.ListLimit,
			TextLimit:     cfg.Research.TextLimit,
			MaxFieldBytes: cfg.Research.MaxFieldBytes,
		}),
	)

	handler := api.NewRouter(api.Deps{
		Config:     cfgStore,
		Forwarder:  forwarder,
		Cache:      cache.NewFreshness(),
		Deals:      dealService,
		Research:   summarizer,
		Limiter:    limiter,
		Redis:      pinger,
		LLMEnabled: llmClient.Enabled(),
	})

	// 6. Serve until signalled
	srv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("component", "main").Str("addr", cfg.Server.Port).
			Str("upstream", cfg.Upstream.BaseURL).
			Strs("models", llmClient.Models()).
			Bool("rate_limit", cfg.RateLimit.Enabled).
			Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Str("component", "main").Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}
