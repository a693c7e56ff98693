package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all the configuration for the gateway.
// The structure tags (mapstructure) tell Viper which YAML field maps to which Go struct field.
type Config struct {
	Server    ServerConfig       `mapstructure:"server"`
	Upstream  UpstreamConfig     `mapstructure:"upstream"`
	LLM       LLMConfig          `mapstructure:"llm"`
	Research  ResearchConfig     `mapstructure:"research"`
	Deals     DealsConfig        `mapstructure:"deals"`
	RateLimit RateLimitConfig    `mapstructure:"ratelimit"`
	Redis     RedisConfig        `mapstructure:"redis"`
	Telemetry TelemetryConfig    `mapstructure:"telemetry"`
	Logging   LoggingConfig      `mapstructure:"logging"`
	Models    map[string]float64 `mapstructure:"models"`
}

type ServerConfig struct {
	Port           string        `mapstructure:"port"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// UpstreamConfig describes the financial-data API.
type UpstreamConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	APIKeyHeader    string        `mapstructure:"api_key_header"`
	Timeout         time.Duration `mapstructure:"timeout"`
	TrendingTTL     time.Duration `mapstructure:"trending_ttl"`
	TrendingPath    string        `mapstructure:"trending_path"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
}

// LLMConfig describes the chat-completion provider. An empty APIKey disables it.
type LLMConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Models      []string      `mapstructure:"models"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
}

// Enabled reports whether a completion provider is configured.
func (c LLMConfig) Enabled() bool {
	return strings.TrimSpace(c.APIKey) != ""
}

type ResearchConfig struct {
	HistoryPoints   int    `mapstructure:"history_points"`
	ListLimit       int    `mapstructure:"list_limit"`
	TextLimit       int    `mapstructure:"text_limit"`
	MaxFieldBytes   int    `mapstructure:"max_field_bytes"`
	StockPath       string `mapstructure:"stock_path"`
	HistoricalPath  string `mapstructure:"historical_path"`
	TargetPath      string `mapstructure:"target_path"`
	CommoditiesPath string `mapstructure:"commodities_path"`
}

type DealsConfig struct {
	DefaultLimit int `mapstructure:"default_limit"`
	MaxLimit     int `mapstructure:"max_limit"`
}

type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"requests_per_second"`
	Burst   int     `mapstructure:"burst"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
}

type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// EnvPrefix is prepended to every environment override, e.g. GATEWAY_UPSTREAM_API_KEY.
const EnvPrefix = "GATEWAY"

// keyDelimiter replaces viper's "." so that model ids such as "gpt-4.1" stay
// single keys inside the models pricing map.
const keyDelimiter = "::"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server::port", ":8080")
	v.SetDefault("server::allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("server::read_timeout", 10*time.Second)
	v.SetDefault("server::write_timeout", 120*time.Second)

	v.SetDefault("upstream::base_url", "https://stock.indianapi.in")
	v.SetDefault("upstream::api_key", "")
	v.SetDefault("upstream::api_key_header", "X-Api-Key")
	v.SetDefault("upstream::timeout", 15*time.Second)
	v.SetDefault("upstream::trending_ttl", 30*time.Second)
	v.SetDefault("upstream::trending_path", "/trending")
	v.SetDefault("upstream::max_body_bytes", 4<<20)
	v.SetDefault("upstream::breaker_failures", 5)
	v.SetDefault("upstream::breaker_cooldown", 30*time.Second)

	v.SetDefault("llm::base_url", "https://api.perplexity.ai")
	v.SetDefault("llm::api_key", "")
	v.SetDefault("llm::models", []string{"sonar-pro", "sonar", "sonar-small-online"})
	v.SetDefault("llm::timeout", 30*time.Second)
	v.SetDefault("llm::temperature", 0.1)
	v.SetDefault("llm::max_tokens", 1500)

	v.SetDefault("research::history_points", 120)
	v.SetDefault("research::list_limit", 20)
	v.SetDefault("research::text_limit", 1000)
	v.SetDefault("research::max_field_bytes", 8<<10)
	v.SetDefault("research::stock_path", "/stock?name={ticker}")
	v.SetDefault("research::historical_path", "/historical_data?stock_name={ticker}&period=1yr&filter=price")
	v.SetDefault("research::target_path", "/stock_target_price?stock_id={ticker}")
	v.SetDefault("research::commodities_path", "/commodities")

	v.SetDefault("deals::default_limit", 10)
	v.SetDefault("deals::max_limit", 25)

	v.SetDefault("ratelimit::enabled", true)
	v.SetDefault("ratelimit::requests_per_second", 2.0)
	v.SetDefault("ratelimit::burst", 5)

	v.SetDefault("redis::enabled", false)
	v.SetDefault("redis::address", "localhost:6379")
	v.SetDefault("redis::password", "")
	v.SetDefault("redis::db", 0)

	v.SetDefault("telemetry::enabled", false)
	v.SetDefault("telemetry::service_name", "agib-gateway")

	v.SetDefault("logging::level", "info")
	v.SetDefault("logging::pretty", false)

	v.SetDefault("models", map[string]float64{})
}

// SummaryWorstCase is the longest a research summary can take: one round of
// parallel upstream calls, then every model timing out in turn.
func (c *Config) SummaryWorstCase() time.Duration {
	return c.Upstream.Timeout + time.Duration(len(c.LLM.Models))*c.LLM.Timeout
}

// Validate checks the settings the gateway cannot run without. Optional
// integrations (LLM, Redis, telemetry) are not required here.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Server.Port) == "" {
		errs = append(errs, errors.New("server.port is required"))
	}

	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("upstream.base_url must be an absolute http(s) URL, got %q", c.Upstream.BaseURL))
	}
	if c.Upstream.Timeout <= 0 {
		errs = append(errs, errors.New("upstream.timeout must be positive"))
	}
	if c.Upstream.TrendingTTL <= 0 {
		errs = append(errs, errors.New("upstream.trending_ttl must be positive"))
	}
	if c.Upstream.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("upstream.max_body_bytes must be positive"))
	}

	if c.LLM.Enabled() {
		if len(c.LLM.Models) == 0 {
			errs = append(errs, errors.New("llm.models must list at least one model when llm.api_key is set"))
		}
		if c.LLM.Timeout <= 0 {
			errs = append(errs, errors.New("llm.timeout must be positive"))
		}
		if _, err := url.Parse(c.LLM.BaseURL); err != nil || c.LLM.BaseURL == "" {
			errs = append(errs, fmt.Errorf("llm.base_url is invalid: %q", c.LLM.BaseURL))
		}
		if worst := c.SummaryWorstCase(); c.Server.WriteTimeout > 0 && worst >= c.Server.WriteTimeout {
			errs = append(errs, fmt.Errorf("server.write_timeout (%s) must exceed upstream.timeout plus llm.timeout for each of %d models (%s)",
				c.Server.WriteTimeout, len(c.LLM.Models), worst))
		}
	}

	if c.Research.HistoryPoints <= 0 || c.Research.ListLimit <= 0 || c.Research.TextLimit <= 0 || c.Research.MaxFieldBytes <= 0 {
		errs = append(errs, errors.New("research bounds must be positive"))
	}
	if c.Deals.DefaultLimit <= 0 || c.Deals.MaxLimit < c.Deals.DefaultLimit {
		errs = append(errs, errors.New("deals.default_limit must be positive and not above deals.max_limit"))
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		errs = append(errs, errors.New("redis.address is required when redis is enabled"))
	}

	return errors.Join(errs...)
}

// Store wraps configuration with thread-safe access and hot-reload updates.
type Store struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewStore wraps an already loaded config, mostly for tests.
func NewStore(cfg *Config) *Store {
	return &Store{cfg: cfg}
}

func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return nil
	}
	cpy := *s.cfg
	return &cpy
}

func (s *Store) set(cfg *Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func newViper(path string) *viper.Viper {
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./configs")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	return v
}

// LoadAndWatch loads the config and watches for on-disk changes. A missing
// config file is fine: defaults and GATEWAY_* environment variables apply.
func LoadAndWatch(path string) (*Store, error) {
	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()

	v := newViper(path)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
		fileFound = false
		log.Info().Str("component", "config").Msg("no config file found, using defaults and environment")
	}

	store := &Store{}
	if err := refresh(v, store); err != nil {
		return nil, err
	}

	if fileFound {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			if err := refresh(v, store); err != nil {
				log.Error().Str("component", "config").Err(err).Msg("reload failed")
			} else {
				log.Info().Str("component", "config").Str("file", e.Name).Msg("reloaded")
			}
		})
	}

	return store, nil
}

// Load reads the configuration once without watching.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func refresh(v *viper.Viper, store *Store) error {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	store.set(&cfg)
	return nil
}
