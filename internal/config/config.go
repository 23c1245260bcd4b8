package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/stupiduntilnot/promptrelay/internal/conversation"
	"github.com/stupiduntilnot/promptrelay/internal/ratelimit"
	"github.com/stupiduntilnot/promptrelay/internal/tokenizer"
)

// EnvPrefix prefixes every environment variable the relay reads, except
// OPENAI_API_KEY.
const EnvPrefix = "RELAY"

const (
	ProfileDev  = "dev"
	ProfileTest = "test"
	ProfileProd = "prod"
)

const DefaultSystemPrompt = "You are a helpful assistant designed to output JSON."

// Config holds configuration for the relay process.
type Config struct {
	Profile    string `mapstructure:"profile"`
	ListenAddr string `mapstructure:"listen_addr"`
	DBPath     string `mapstructure:"db_path"`
	LogDir     string `mapstructure:"log_dir"`
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`

	ModelProvider    string        `mapstructure:"model_provider"`
	OpenAIAPIKey     string        `mapstructure:"openai_api_key"`
	OpenAIBaseURL    string        `mapstructure:"openai_base_url"`
	OpenAIModel      string        `mapstructure:"openai_model"`
	OpenAITimeout    time.Duration `mapstructure:"openai_timeout"`
	OpenAIMaxRetries int           `mapstructure:"openai_max_retries"`
	DummyScript      string        `mapstructure:"dummy_script"`
	JSONResponse     bool          `mapstructure:"json_response"`

	SystemPrompt      string `mapstructure:"system_prompt"`
	Tokenizer         string `mapstructure:"tokenizer"`
	MaxContextTokens  int    `mapstructure:"max_context_tokens"`
	ResponseReserve   int    `mapstructure:"response_reserve"`
	MaxTurnCount      int    `mapstructure:"max_turn_count"`
	EvictionPolicy    string `mapstructure:"eviction_policy"`
	CapResponseTokens bool   `mapstructure:"cap_response_tokens"`
	HistoryExchanges  int    `mapstructure:"history_exchanges"`

	RateLimit          string        `mapstructure:"rate_limit"`
	TrustProxy         bool          `mapstructure:"trust_proxy"`
	SessionIdleTimeout time.Duration `mapstructure:"session_idle_timeout"`
	SweepSchedule      string        `mapstructure:"sweep_schedule"`
	CookieSecure       bool          `mapstructure:"cookie_secure"`

	PersistQueueSize  int `mapstructure:"persist_queue_size"`
	PersistWorkers    int `mapstructure:"persist_workers"`
	PersistMaxRetries int `mapstructure:"persist_max_retries"`

	CircuitThreshold int           `mapstructure:"circuit_threshold"`
	CircuitCooldown  time.Duration `mapstructure:"circuit_cooldown"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`

	Eviction conversation.EvictionPolicy `mapstructure:"-"`
	Rate     ratelimit.Rate              `mapstructure:"-"`
}

// Budget returns the context budget the window is fitted against.
func (c Config) Budget() conversation.Budget {
	return conversation.Budget{
		MaxContextTokens: c.MaxContextTokens,
		ResponseReserve:  c.ResponseReserve,
		MaxTurnCount:     c.MaxTurnCount,
	}
}

// Options locates optional configuration sources.
type Options struct {
	// ConfigFile is a YAML/TOML/JSON file read before the environment.
	ConfigFile string
	// EnvFile is a dotenv file merged into the process environment.
	// Variables already set win. A missing file is not an error.
	EnvFile string
	// Offline skips provider credential checks, for commands that never
	// reach the model.
	Offline bool
}

var profiles = map[string]map[string]any{
	ProfileDev: {
		"db_path":    "main.db",
		"log_dir":    "logs",
		"log_level":  "debug",
		"log_format": "console",
	},
	ProfileTest: {
		"db_path":    "test.db",
		"log_level":  "debug",
		"log_format": "json",
	},
	ProfileProd: {
		"db_path":       "/var/lib/promptrelay/relay.db",
		"log_dir":       "/var/log/promptrelay",
		"log_level":     "info",
		"log_format":    "json",
		"cookie_secure": true,
	},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("profile", ProfileDev)
	v.SetDefault("listen_addr", ":5000")
	v.SetDefault("db_path", "main.db")
	v.SetDefault("log_dir", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("model_provider", "openai")
	v.SetDefault("openai_api_key", "")
	v.SetDefault("openai_base_url", "")
	v.SetDefault("openai_model", "gpt-3.5-turbo-1106")
	v.SetDefault("openai_timeout", "60s")
	v.SetDefault("openai_max_retries", 2)
	v.SetDefault("dummy_script", "echo")
	v.SetDefault("json_response", true)

	v.SetDefault("system_prompt", DefaultSystemPrompt)
	v.SetDefault("tokenizer", tokenizer.KindTiktoken)
	v.SetDefault("max_context_tokens", 4096)
	v.SetDefault("response_reserve", 500)
	v.SetDefault("max_turn_count", 20)
	v.SetDefault("eviction_policy", "pair")
	v.SetDefault("cap_response_tokens", false)
	v.SetDefault("history_exchanges", 10)

	v.SetDefault("rate_limit", ratelimit.DefaultRate)
	v.SetDefault("trust_proxy", false)
	v.SetDefault("session_idle_timeout", "30m")
	v.SetDefault("sweep_schedule", "@every 1m")
	v.SetDefault("cookie_secure", false)

	v.SetDefault("persist_queue_size", 256)
	v.SetDefault("persist_workers", 2)
	v.SetDefault("persist_max_retries", 3)

	v.SetDefault("circuit_threshold", 5)
	v.SetDefault("circuit_cooldown", "30s")
	v.SetDefault("shutdown_timeout", "10s")
}

// Load reads configuration from defaults, the selected profile, an
// optional config file, and the environment, in increasing precedence.
func Load(opts Options) (Config, error) {
	if opts.EnvFile != "" {
		if err := gotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load env file %s: %w", opts.EnvFile, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("openai_api_key", EnvPrefix+"_OPENAI_API_KEY", "OPENAI_API_KEY"); err != nil {
		return Config{}, err
	}
	setDefaults(v)

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	profile := strings.ToLower(strings.TrimSpace(v.GetString("profile")))
	overrides, ok := profiles[profile]
	if !ok {
		return Config{}, fmt.Errorf("%s_PROFILE must be one of dev, test, prod (got %q)", EnvPrefix, profile)
	}
	for key, value := range overrides {
		v.SetDefault(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.Profile = profile
	if err := cfg.validate(opts.Offline); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate(offline bool) error {
	switch c.ModelProvider {
	case "openai":
		if !offline && strings.TrimSpace(c.OpenAIAPIKey) == "" {
			return fmt.Errorf("OPENAI_API_KEY is required in environment when %s_MODEL_PROVIDER=openai", EnvPrefix)
		}
	case "dummy":
	default:
		return fmt.Errorf("%s_MODEL_PROVIDER must be openai or dummy (got %q)", EnvPrefix, c.ModelProvider)
	}

	switch c.Tokenizer {
	case tokenizer.KindTiktoken, tokenizer.KindHeuristic:
	default:
		return fmt.Errorf("%s_TOKENIZER must be tiktoken or heuristic (got %q)", EnvPrefix, c.Tokenizer)
	}

	if c.MaxContextTokens <= 0 {
		return fmt.Errorf("%s_MAX_CONTEXT_TOKENS must be positive (got %d)", EnvPrefix, c.MaxContextTokens)
	}
	if c.ResponseReserve < 0 || c.ResponseReserve >= c.MaxContextTokens {
		return fmt.Errorf("%s_RESPONSE_RESERVE must be in [0, %d) (got %d)", EnvPrefix, c.MaxContextTokens, c.ResponseReserve)
	}
	if c.HistoryExchanges < 0 {
		return fmt.Errorf("%s_HISTORY_EXCHANGES must not be negative (got %d)", EnvPrefix, c.HistoryExchanges)
	}

	policy, err := conversation.ParseEvictionPolicy(c.EvictionPolicy)
	if err != nil {
		return fmt.Errorf("%s_EVICTION_POLICY: %w", EnvPrefix, err)
	}
	c.Eviction = policy

	rate, err := ratelimit.ParseRate(c.RateLimit)
	if err != nil {
		return fmt.Errorf("%s_RATE_LIMIT: %w", EnvPrefix, err)
	}
	c.Rate = rate

	if c.SessionIdleTimeout <= 0 {
		return fmt.Errorf("%s_SESSION_IDLE_TIMEOUT must be positive (got %s)", EnvPrefix, c.SessionIdleTimeout)
	}
	if c.PersistWorkers <= 0 || c.PersistQueueSize <= 0 {
		return fmt.Errorf("%s_PERSIST_WORKERS and %s_PERSIST_QUEUE_SIZE must be positive", EnvPrefix, EnvPrefix)
	}
	return nil
}
