package config

import (
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"

	"github.com/sells-group/community-pulse/internal/model"
)

// ErrMissingConfig is returned by Validate when a required value is unset.
var ErrMissingConfig = eris.New("config: missing required value")

// Config holds the full application configuration. It is built once by Load
// and passed by pointer into constructors; nothing mutates it afterwards.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Sources    SourcesConfig    `yaml:"sources" mapstructure:"sources"`
	Session    SessionConfig    `yaml:"session" mapstructure:"session"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Enrich     EnrichConfig     `yaml:"enrich" mapstructure:"enrich"`
	LLM        LLMConfig        `yaml:"llm" mapstructure:"llm"`
	Discussion DiscussionConfig `yaml:"discussion" mapstructure:"discussion"`
	Tracing    TracingConfig    `yaml:"tracing" mapstructure:"tracing"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver          string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL     string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns        int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns        int32  `yaml:"min_conns" mapstructure:"min_conns"`
	ConnectAttempts int    `yaml:"connect_attempts" mapstructure:"connect_attempts"`
	ConnectDelayMs  int    `yaml:"connect_delay_ms" mapstructure:"connect_delay_ms"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
	File   string `yaml:"file" mapstructure:"file"`
}

// ServerConfig configures the trigger server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// SourcesConfig holds per-source endpoints and limits.
type SourcesConfig struct {
	ProfilesFile string        `yaml:"profiles_file" mapstructure:"profiles_file"`
	LinuxDo      LinuxDoConfig `yaml:"linuxdo" mapstructure:"linuxdo"`
	Reddit       RedditConfig  `yaml:"reddit" mapstructure:"reddit"`
	Heybox       HeyboxConfig  `yaml:"heybox" mapstructure:"heybox"`
}

// LinuxDoConfig configures the Discourse forum source.
type LinuxDoConfig struct {
	BaseURL    string `yaml:"base_url" mapstructure:"base_url"`
	PostLimit  int    `yaml:"post_limit" mapstructure:"post_limit"`
	ReplyLimit int    `yaml:"reply_limit" mapstructure:"reply_limit"`
}

// RedditConfig configures the subreddit feed source.
type RedditConfig struct {
	BaseURL    string   `yaml:"base_url" mapstructure:"base_url"`
	Subreddits []string `yaml:"subreddits" mapstructure:"subreddits"`
	Sort       string   `yaml:"sort" mapstructure:"sort"`
	PostLimit  int      `yaml:"post_limit" mapstructure:"post_limit"`
	ReplyLimit int      `yaml:"reply_limit" mapstructure:"reply_limit"`
}

// HeyboxConfig configures the authenticated Heybox home feed.
type HeyboxConfig struct {
	BaseURL        string `yaml:"base_url" mapstructure:"base_url"`
	Token          string `yaml:"token" mapstructure:"token"`
	SecondaryToken string `yaml:"secondary_token" mapstructure:"secondary_token"`
	RequireToken   bool   `yaml:"require_token" mapstructure:"require_token"`
	PostLimit      int    `yaml:"post_limit" mapstructure:"post_limit"`
}

// SessionConfig configures the session bootstrapper.
type SessionConfig struct {
	Driver          string                `yaml:"driver" mapstructure:"driver"`
	Headless        bool                  `yaml:"headless" mapstructure:"headless"`
	UserAgent       string                `yaml:"user_agent" mapstructure:"user_agent"`
	ProxyURL        string                `yaml:"proxy_url" mapstructure:"proxy_url"`
	MaxAttempts     int                   `yaml:"max_attempts" mapstructure:"max_attempts"`
	SettleMs        int                   `yaml:"settle_ms" mapstructure:"settle_ms"`
	Personalization PersonalizationConfig `yaml:"personalization" mapstructure:"personalization"`
}

// PersonalizationConfig tunes the optional personalization diagnostic.
type PersonalizationConfig struct {
	Enabled          bool    `yaml:"enabled" mapstructure:"enabled"`
	OverlapThreshold float64 `yaml:"overlap_threshold" mapstructure:"overlap_threshold"`
	MinUnique        int     `yaml:"min_unique" mapstructure:"min_unique"`
	SampleSize       int     `yaml:"sample_size" mapstructure:"sample_size"`
	CacheTTLMins     int     `yaml:"cache_ttl_mins" mapstructure:"cache_ttl_mins"`
}

// FetchConfig configures outbound scrape requests.
type FetchConfig struct {
	TimeoutSecs       int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts       int `yaml:"max_attempts" mapstructure:"max_attempts"`
	RetryDelayMs      int `yaml:"retry_delay_ms" mapstructure:"retry_delay_ms"`
	RequestIntervalMs int `yaml:"request_interval_ms" mapstructure:"request_interval_ms"`
}

// EnrichConfig configures the enrichment orchestrator.
type EnrichConfig struct {
	Concurrency       int     `yaml:"concurrency" mapstructure:"concurrency"`
	IntervalMs        int     `yaml:"interval_ms" mapstructure:"interval_ms"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxTokens         int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature       float64 `yaml:"temperature" mapstructure:"temperature"`
	MaxDecodeAttempts int     `yaml:"max_decode_attempts" mapstructure:"max_decode_attempts"`
	CallAttempts      int     `yaml:"call_attempts" mapstructure:"call_attempts"`
	CallRetryDelayMs  int     `yaml:"call_retry_delay_ms" mapstructure:"call_retry_delay_ms"`
	PromptReplies     int     `yaml:"prompt_replies" mapstructure:"prompt_replies"`
	BreakerThreshold  int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs  int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// LLMConfig selects and configures the language-model provider.
type LLMConfig struct {
	Provider  string          `yaml:"provider" mapstructure:"provider"`
	Chat      ChatConfig      `yaml:"chat" mapstructure:"chat"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
}

// ChatConfig holds settings for an OpenAI-compatible chat completions API.
type ChatConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// DiscussionConfig configures companion discussion fetching.
type DiscussionConfig struct {
	Enabled bool              `yaml:"enabled" mapstructure:"enabled"`
	Reddit  RedditOAuthConfig `yaml:"reddit" mapstructure:"reddit"`
}

// RedditOAuthConfig holds optional Reddit app credentials. Without them
// comments are read from the public JSON endpoints.
type RedditOAuthConfig struct {
	ClientID     string `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret string `yaml:"client_secret" mapstructure:"client_secret"`
	TokenURL     string `yaml:"token_url" mapstructure:"token_url"`
	APIBaseURL   string `yaml:"api_base_url" mapstructure:"api_base_url"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	Endpoint    string `yaml:"endpoint" mapstructure:"endpoint"`
	Insecure    bool   `yaml:"insecure" mapstructure:"insecure"`
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
}

// DefaultSQLitePath is where the SQLite store lives when no DSN is given.
func DefaultSQLitePath() string {
	return filepath.Join(xdg.DataHome, "pulse", "pulse.db")
}

// Load reads configuration from an optional .env file, an optional
// config.yaml, and PULSE_* environment variables, in increasing precedence.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(filepath.Join(xdg.ConfigHome, "pulse"))

	v.SetEnvPrefix("PULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("store.connect_attempts", 3)
	v.SetDefault("store.connect_delay_ms", 5000)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("sources.profiles_file", "")
	v.SetDefault("sources.linuxdo.base_url", "https://linux.do")
	v.SetDefault("sources.linuxdo.post_limit", 30)
	v.SetDefault("sources.linuxdo.reply_limit", 20)
	v.SetDefault("sources.reddit.base_url", "https://www.reddit.com")
	v.SetDefault("sources.reddit.subreddits", []string{"golang"})
	v.SetDefault("sources.reddit.sort", "hot")
	v.SetDefault("sources.reddit.post_limit", 10)
	v.SetDefault("sources.reddit.reply_limit", 10)
	v.SetDefault("sources.heybox.base_url", "https://www.xiaoheihe.cn")
	v.SetDefault("sources.heybox.token", "")
	v.SetDefault("sources.heybox.secondary_token", "")
	v.SetDefault("sources.heybox.require_token", true)
	v.SetDefault("sources.heybox.post_limit", 20)

	v.SetDefault("session.driver", "http")
	v.SetDefault("session.headless", true)
	v.SetDefault("session.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("session.proxy_url", "")
	v.SetDefault("session.max_attempts", 3)
	v.SetDefault("session.settle_ms", 3000)
	v.SetDefault("session.personalization.enabled", false)
	v.SetDefault("session.personalization.overlap_threshold", 0.67)
	v.SetDefault("session.personalization.min_unique", 5)
	v.SetDefault("session.personalization.sample_size", 15)
	v.SetDefault("session.personalization.cache_ttl_mins", 30)

	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.retry_delay_ms", 5000)
	v.SetDefault("fetch.request_interval_ms", 2000)

	v.SetDefault("enrich.concurrency", 1)
	v.SetDefault("enrich.interval_ms", 2000)
	v.SetDefault("enrich.timeout_secs", 60)
	v.SetDefault("enrich.max_tokens", 1500)
	v.SetDefault("enrich.temperature", 0.5)
	v.SetDefault("enrich.max_decode_attempts", 2)
	v.SetDefault("enrich.call_attempts", 3)
	v.SetDefault("enrich.call_retry_delay_ms", 5000)
	v.SetDefault("enrich.prompt_replies", 5)
	v.SetDefault("enrich.breaker_threshold", 5)
	v.SetDefault("enrich.breaker_reset_secs", 60)

	v.SetDefault("llm.provider", "chat")
	v.SetDefault("llm.chat.key", "")
	v.SetDefault("llm.chat.base_url", "https://api.deepseek.com")
	v.SetDefault("llm.chat.model", "deepseek-chat")
	v.SetDefault("llm.anthropic.key", "")
	v.SetDefault("llm.anthropic.model", "claude-haiku-4-5-20251001")

	v.SetDefault("discussion.enabled", true)
	v.SetDefault("discussion.reddit.client_id", "")
	v.SetDefault("discussion.reddit.client_secret", "")
	v.SetDefault("discussion.reddit.token_url", "https://www.reddit.com/api/v1/access_token")
	v.SetDefault("discussion.reddit.api_base_url", "https://oauth.reddit.com")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.service_name", "community-pulse")
}

// Validate checks that everything a run against source needs is present.
// Missing values are fatal for the run.
func (c *Config) Validate(source model.SourceTag) error {
	var missing []string

	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		missing = append(missing, "store.database_url")
	}

	switch c.LLM.Provider {
	case "chat":
		if c.LLM.Chat.Key == "" {
			missing = append(missing, "llm.chat.key")
		}
	case "anthropic":
		if c.LLM.Anthropic.Key == "" {
			missing = append(missing, "llm.anthropic.key")
		}
	default:
		return eris.Errorf("config: unknown llm provider %q", c.LLM.Provider)
	}

	if source == model.SourceHeybox && c.Sources.Heybox.RequireToken && c.Sources.Heybox.Token == "" {
		missing = append(missing, "sources.heybox.token")
	}

	if len(missing) > 0 {
		return eris.Wrapf(ErrMissingConfig, "config: set %s", strings.Join(missing, ", "))
	}

	if c.Enrich.Concurrency < 1 || c.Enrich.Concurrency > 16 {
		return eris.Errorf("config: enrich.concurrency must be between 1 and 16, got %d", c.Enrich.Concurrency)
	}
	if t := c.Session.Personalization.OverlapThreshold; t < 0 || t > 1 {
		return eris.Errorf("config: session.personalization.overlap_threshold must be within [0, 1], got %v", t)
	}
	return nil
}
