// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	FrontendURL    string
	DBPath         string
	LogLevel       slog.Level
	GRPCHealthAddr string
	WSGateway      bool

	DiscordToken string
	Prefix       string

	Listening ListeningConfig
	Argument  ArgumentConfig
	AI        AIConfig
	Cooldown  CooldownConfig

	// SummaryCooldown limits channel summaries separately from other commands.
	SummaryCooldown CooldownConfig

	TTLSweepSchedule    string
	TranscriptRetention time.Duration
}

// ListeningConfig controls debounced listening sessions.
type ListeningConfig struct {
	Debounce      time.Duration
	MaxBuffered   int
	MaxFragment   int
	NotesMaxChars int
	MaxTurns      int
	TTL           time.Duration
	HistoryDepth  int
	MaxTokens     int
	Temperature   float64
}

// ArgumentConfig controls argument sessions.
type ArgumentConfig struct {
	MaxTurns    int
	TTL         time.Duration
	MaxTokens   int
	Temperature float64
}

// AIConfig selects and configures the completion provider.
type AIConfig struct {
	Provider         string
	ProvidersFile    string
	Providers        map[string]ProviderConfig
	MaxTokens        int
	SummaryMaxTokens int
	MaxHistory       int
}

// CooldownConfig is the per-user command rate limit.
type CooldownConfig struct {
	Requests int
	Window   time.Duration
}

// ProviderConfig describes one OpenAI-compatible chat-completion endpoint.
type ProviderConfig struct {
	Name           string        `yaml:"name"`
	APIURL         string        `yaml:"api_url"`
	ModelsURL      string        `yaml:"models_url"`
	APIKey         string        `yaml:"api_key"`
	APIKeyEnv      string        `yaml:"api_key_env"`
	Model          string        `yaml:"model"`
	FallbackModels []string      `yaml:"fallback_models"`
	Timeout        time.Duration `yaml:"timeout"`
	AppName        string        `yaml:"app_name"`
	Referer        string        `yaml:"referer"`
}

const defaultFallbackModels = "google/gemma-3-4b-it:free,qwen/qwen3-4b:free,deepseek/deepseek-r1-0528:free"

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	timeout := time.Duration(getEnvInt("AI_TIMEOUT_SECONDS", 45, 10)) * time.Second

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/confidant.db"),
		LogLevel:       ParseLevel(getEnv("LOG_LEVEL", "info")),
		GRPCHealthAddr: getEnv("GRPC_HEALTH_ADDR", ""),
		WSGateway:      getEnvBool("WS_GATEWAY_ENABLED", true),
		DiscordToken:   strings.TrimSpace(getEnv("DISCORD_BOT_TOKEN", "")),
		Prefix:         getEnv("BOT_PREFIX", "&"),
		Listening: ListeningConfig{
			Debounce:      time.Duration(getEnvFloat("LISTEN_DEBOUNCE_SECONDS", 12.0, 0.5) * float64(time.Second)),
			MaxBuffered:   getEnvInt("LISTEN_MAX_BUFFERED", 25, 1),
			MaxFragment:   900,
			NotesMaxChars: getEnvInt("LISTEN_NOTES_MAX_CHARS", 1200, 200),
			MaxTurns:      getEnvInt("LISTEN_MAX_TURNS", 30, 1),
			TTL:           time.Duration(getEnvInt("LISTEN_TTL_MINUTES", 1440, 1)) * time.Minute,
			HistoryDepth:  getEnvInt("LISTEN_HISTORY_DEPTH", 6, 1),
			MaxTokens:     getEnvInt("LISTEN_MAX_TOKENS", 420, 120),
			Temperature:   0.6,
		},
		Argument: ArgumentConfig{
			MaxTurns:    getEnvInt("ARGUE_MAX_TURNS", 14, 1),
			TTL:         time.Duration(getEnvInt("ARGUE_TTL_MINUTES", 45, 1)) * time.Minute,
			MaxTokens:   getEnvInt("ARGUE_MAX_TOKENS", 220, 80),
			Temperature: 0.8,
		},
		AI: AIConfig{
			Provider:         strings.ToLower(getEnv("AI_PROVIDER", "openrouter")),
			ProvidersFile:    getEnv("PROVIDERS_FILE", ""),
			MaxTokens:        getEnvInt("AI_MAX_TOKENS", 260, 80),
			SummaryMaxTokens: getEnvInt("AI_SUMMARY_MAX_TOKENS", 320, 120),
			MaxHistory:       getEnvInt("AI_MAX_HISTORY", 4, 2),
			Providers: map[string]ProviderConfig{
				"openrouter": {
					Name:           "openrouter",
					APIURL:         getEnv("OPENROUTER_API_URL", "https://openrouter.ai/api/v1/chat/completions"),
					ModelsURL:      getEnv("OPENROUTER_MODELS_URL", "https://openrouter.ai/api/v1/models"),
					APIKey:         strings.TrimSpace(getEnv("OPENROUTER_API_KEY", "")),
					APIKeyEnv:      "OPENROUTER_API_KEY",
					Model:          strings.TrimSpace(getEnv("OPENROUTER_MODEL", "google/gemma-3-4b-it:free")),
					FallbackModels: splitList(getEnv("OPENROUTER_FALLBACK_MODELS", defaultFallbackModels)),
					Timeout:        timeout,
					AppName:        getEnv("OPENROUTER_APP_NAME", "Confidant"),
					Referer:        getEnv("OPENROUTER_HTTP_REFERER", ""),
				},
			},
		},
		Cooldown: CooldownConfig{
			Requests: getEnvInt("COOLDOWN_REQUESTS", 3, 1),
			Window:   time.Duration(getEnvInt("COOLDOWN_WINDOW_SECONDS", 30, 1)) * time.Second,
		},
		SummaryCooldown: CooldownConfig{
			Requests: getEnvInt("SUMMARY_COOLDOWN_REQUESTS", 2, 1),
			Window:   time.Duration(getEnvInt("SUMMARY_COOLDOWN_WINDOW_SECONDS", 45, 1)) * time.Second,
		},
		TTLSweepSchedule:    getEnv("TTL_SWEEP_SCHEDULE", "@every 5m"),
		TranscriptRetention: time.Duration(getEnvInt("TRANSCRIPT_RETENTION_HOURS", 168, 1)) * time.Hour,
	}

	if cfg.AI.ProvidersFile != "" {
		extra, err := LoadProviders(cfg.AI.ProvidersFile, timeout)
		if err != nil {
			return nil, fmt.Errorf("load providers file: %w", err)
		}
		for name, p := range extra {
			cfg.AI.Providers[name] = p
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Prefix == "" {
		return fmt.Errorf("BOT_PREFIX cannot be empty")
	}
	if _, ok := c.AI.Providers[c.AI.Provider]; !ok {
		return fmt.Errorf("AI_PROVIDER %q is not configured", c.AI.Provider)
	}
	if c.TTLSweepSchedule == "" {
		return fmt.Errorf("TTL_SWEEP_SCHEDULE cannot be empty")
	}
	return nil
}

// IsDevelopment reports whether the gateway runs without a public frontend.
// Origin checks are relaxed in that case.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// ActiveProvider returns the provider selected by AI_PROVIDER.
func (c *Config) ActiveProvider() ProviderConfig {
	return c.AI.Providers[c.AI.Provider]
}

// ParseLevel maps a LOG_LEVEL string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// getEnvInt parses an integer and clamps it to minimum. Unparseable values
// fall back to the default.
func getEnvInt(key string, fallback, minimum int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	if n < minimum {
		return minimum
	}
	return n
}

func getEnvFloat(key string, fallback, minimum float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return fallback
	}
	return math.Max(f, minimum)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
