package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/shivamagw06-dev/AGIB-sub000/pkg/cache"
	"github.com/shivamagw06-dev/AGIB-sub000/pkg/config"
	"github.com/shivamagw06-dev/AGIB-sub000/pkg/deals"
	"github.com/shivamagw06-dev/AGIB-sub000/pkg/fetch"
	"github.com/shivamagw06-dev/AGIB-sub000/pkg/llm"
	"github.com/shivamagw06-dev/AGIB-sub000/pkg/middleware"
	"github.com/shivamagw06-dev/AGIB-sub000/pkg/proxy"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "gateway-admin",
		Short:        "Operational commands for the gateway",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./configs/config.yaml)")

	load := func() (*config.Config, error) {
		return config.Load(configPath)
	}

	root.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the config and print it with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := writeJSON(out, redacted(cfg)); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config invalid: %w", err)
			}
			fmt.Fprintln(out, "config OK")
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "get <path>",
		Short: "Forward one GET to the financial API and print the relayed response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			fwd, err := proxy.New(cfg.Upstream.BaseURL, fetch.New(fetch.WithMaxBody(cfg.Upstream.MaxBodyBytes)),
				proxy.WithAPIKey(cfg.Upstream.APIKeyHeader, cfg.Upstream.APIKey),
				proxy.WithTimeout(cfg.Upstream.Timeout),
			)
			if err != nil {
				return err
			}
			env := fwd.Forward(cmd.Context(), http.MethodGet, fwd.URL(args[0], nil), nil, nil)
			fmt.Fprintf(out, "status: %d\ncontent-type: %s\nok: %t\n\n%s\n", env.Status, env.ContentType, env.OK(), env.Body)
			return nil
		},
	})

	var region string
	var limit int
	dealsCmd := &cobra.Command{
		Use:   "deals",
		Short: "Run the deal pipeline once and print the records",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			client := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Models, fetch.New(),
				llm.WithTimeout(cfg.LLM.Timeout),
				llm.WithTemperature(cfg.LLM.Temperature),
				llm.WithMaxTokens(cfg.LLM.MaxTokens),
			)
			if !client.Enabled() {
				log.Warn().Msg("llm.api_key is empty, the result will be an empty list")
			}
			svc := deals.NewService(client, cfg.Deals.DefaultLimit, cfg.Deals.MaxLimit)
			return writeJSON(out, svc.Fetch(cmd.Context(), region, limit))
		},
	}
	dealsCmd.Flags().StringVar(&region, "region", "", "region filter (empty for global)")
	dealsCmd.Flags().IntVar(&limit, "limit", 0, "number of deals (0 for the configured default)")
	root.AddCommand(dealsCmd)

	var key string
	resetCmd := &cobra.Command{
		Use:   "reset-ratelimit",
		Short: "Clear the shared rate-limit bucket in Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if !cfg.Redis.Enabled {
				return fmt.Errorf("redis is not enabled in config")
			}
			rdb, err := cache.NewRedis(cmd.Context(), cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
			if err != nil {
				return err
			}
			defer rdb.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			if err := middleware.NewRedisLimiter(rdb.Redis()).Reset(ctx, key); err != nil {
				return fmt.Errorf("reset %q: %w", key, err)
			}
			fmt.Fprintf(out, "rate limit %q reset\n", key)
			return nil
		},
	}
	resetCmd.Flags().StringVar(&key, "key", "llm", "limiter key")
	root.AddCommand(resetCmd)

	return root
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

const redactedValue = "[redacted]"

// redacted returns a copy of cfg safe to print.
func redacted(cfg *config.Config) config.Config {
	c := *cfg
	if c.Upstream.APIKey != "" {
		c.Upstream.APIKey = redactedValue
	}
	if c.LLM.APIKey != "" {
		c.LLM.APIKey = redactedValue
	}
	if c.Redis.Password != "" {
		c.Redis.Password = redactedValue
	}
	return c
}
