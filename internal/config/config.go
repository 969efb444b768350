// Package config loads projectbot settings from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from every variable before mapping it to a key.
const EnvPrefix = "PMBOT_"

type Config struct {
	Server ServerConfig `koanf:"server"`
	Log    LogConfig    `koanf:"log"`
	LLM    LLMConfig    `koanf:"llm"`
	Gemini GeminiConfig `koanf:"gemini"`
	OpenAI OpenAIConfig `koanf:"openai"`
	Search SearchConfig `koanf:"search"`
	Data   DataConfig   `koanf:"data"`
	Cache  CacheConfig  `koanf:"cache"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// LLMConfig holds the retry ladder settings shared by both providers.
type LLMConfig struct {
	Primary       string        `koanf:"primary"`
	MaxAttempts   int           `koanf:"max_attempts"`
	BackoffBase   time.Duration `koanf:"backoff_base"`
	BackoffMax    time.Duration `koanf:"backoff_max"`
	BackoffJitter time.Duration `koanf:"backoff_jitter"`
	CallTimeout   time.Duration `koanf:"call_timeout"`
	HistoryChars  int           `koanf:"history_chars"`
	HistoryTurns  int           `koanf:"history_turns"`
}

type GeminiConfig struct {
	APIKey string `koanf:"api_key" json:"-"`
	Model  string `koanf:"model"`
}

type OpenAIConfig struct {
	APIKey  string  `koanf:"api_key" json:"-"`
	Model   string  `koanf:"model"`
	BaseURL string  `koanf:"base_url"`
	RPS     float64 `koanf:"rps"`
}

type SearchConfig struct {
	Disabled    bool          `koanf:"disabled"`
	APIKey      string        `koanf:"api_key" json:"-"`
	EngineID    string        `koanf:"engine_id"`
	MaxResults  int           `koanf:"max_results"`
	CacheTTL    time.Duration `koanf:"cache_ttl"`
	Retries     int           `koanf:"retries"`
	Cooldown    time.Duration `koanf:"cooldown"`
	CallTimeout time.Duration `koanf:"call_timeout"`
}

// DataConfig selects the context source. Source is "sheets", "sql" or
// "none".
type DataConfig struct {
	Source            string        `koanf:"source"`
	Sheets            string        `koanf:"sheets"`
	CredentialsFile   string        `koanf:"credentials_file"`
	SQLDSN            string        `koanf:"sql_dsn"`
	SQLName           string        `koanf:"sql_name"`
	CacheTTL          time.Duration `koanf:"cache_ttl"`
	DisableStructured bool          `koanf:"disable_structured"`
}

// CacheConfig selects the shared cache. Backend is "memory" or "redis".
type CacheConfig struct {
	Backend       string `koanf:"backend"`
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password" json:"-"`
	RedisDB       int    `koanf:"redis_db"`
	Namespace     string `koanf:"namespace"`
}

// Partition is one configured spreadsheet.
type Partition struct {
	Name string
	ID   string
}

// Load reads PMBOT_* variables. PMBOT_SEARCH_API_KEY maps to
// search.api_key: the first segment after the prefix names the section.
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

func applyDefaults(c *Config) {
	setDefault(&c.Server.Port, 8080)
	setDefault(&c.Server.ShutdownTimeout, 10*time.Second)

	setDefault(&c.Log.Level, "info")
	setDefault(&c.Log.Format, "json")

	setDefault(&c.LLM.Primary, "gemini")
	setDefault(&c.LLM.MaxAttempts, 3)
	setDefault(&c.LLM.BackoffBase, time.Second)
	setDefault(&c.LLM.BackoffMax, 20*time.Second)
	setDefault(&c.LLM.BackoffJitter, time.Second)
	setDefault(&c.LLM.CallTimeout, 25*time.Second)
	setDefault(&c.LLM.HistoryChars, 4000)
	setDefault(&c.LLM.HistoryTurns, 50)

	setDefault(&c.Gemini.Model, "gemini-2.5-flash")
	setDefault(&c.OpenAI.Model, "gpt-4o-mini")
	setDefault(&c.OpenAI.BaseURL, "https://api.openai.com")
	setDefault(&c.OpenAI.RPS, 2)

	setDefault(&c.Search.MaxResults, 3)
	setDefault(&c.Search.CacheTTL, 30*time.Minute)
	setDefault(&c.Search.Retries, 3)
	setDefault(&c.Search.Cooldown, 2*time.Second)
	setDefault(&c.Search.CallTimeout, 10*time.Second)

	setDefault(&c.Data.Source, "sheets")
	setDefault(&c.Data.SQLName, "projects")
	setDefault(&c.Data.CacheTTL, 30*time.Minute)

	setDefault(&c.Cache.Backend, "memory")
	setDefault(&c.Cache.Namespace, "projectbot:")
}

func setDefault[T comparable](field *T, v T) {
	var zero T
	if *field == zero {
		*field = v
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q (json or console)", c.Log.Format)
	}
	switch c.LLM.Primary {
	case "gemini", "openai":
	default:
		return fmt.Errorf("invalid primary provider %q (gemini or openai)", c.LLM.Primary)
	}
	if c.LLM.MaxAttempts < 1 {
		return errors.New("llm max attempts must be at least 1")
	}
	if c.LLM.BackoffMax < c.LLM.BackoffBase {
		return errors.New("llm backoff max must not be below backoff base")
	}
	if c.Search.MaxResults < 1 || c.Search.MaxResults > 10 {
		return fmt.Errorf("invalid search max results: %d (must be 1-10)", c.Search.MaxResults)
	}

	switch c.Data.Source {
	case "none":
	case "sheets":
		if _, err := c.Partitions(); err != nil {
			return err
		}
	case "sql":
		if c.Data.SQLDSN == "" {
			return errors.New("data sql_dsn required when data source is sql")
		}
	default:
		return fmt.Errorf("invalid data source %q (sheets, sql or none)", c.Data.Source)
	}

	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return errors.New("cache redis_addr required when cache backend is redis")
		}
	default:
		return fmt.Errorf("invalid cache backend %q (memory or redis)", c.Cache.Backend)
	}
	return nil
}

// Partitions parses data.sheets, a comma-separated list of name=id pairs,
// keeping the configured order.
func (c *Config) Partitions() ([]Partition, error) {
	var out []Partition
	seen := map[string]bool{}
	for _, pair := range strings.Split(c.Data.Sheets, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, id, ok := strings.Cut(pair, "=")
		name, id = strings.TrimSpace(name), strings.TrimSpace(id)
		if !ok || name == "" || id == "" {
			return nil, fmt.Errorf("invalid sheets entry %q (want name=spreadsheetID)", pair)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate sheets partition %q", name)
		}
		seen[name] = true
		out = append(out, Partition{Name: name, ID: id})
	}
	return out, nil
}

// SearchConfigured reports whether live search can run.
func (c *Config) SearchConfigured() bool {
	return !c.Search.Disabled && c.Search.APIKey != "" && c.Search.EngineID != ""
}
