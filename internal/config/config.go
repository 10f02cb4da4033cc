// Package config provides environment and file configuration for the agent.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jonathan/brandpulse/internal/types"
)

// Config holds runtime configuration read from the environment.
type Config struct {
	DatabaseURL string
	RedisURL    string

	GeminiAPIKey string
	GeminiModel  string

	SMTPHost      string
	SMTPPort      int
	SMTPUsername  string
	SMTPPassword  string
	SenderEmail   string
	ReceiverEmail string

	AppBaseURL       string
	ListenAddr       string
	BrandRepoPath    string
	BrandID          string
	SearchConfigPath string

	MaxAttempts      int
	StageTimeout     time.Duration
	LeaseTTL         time.Duration
	DedupePolicy     string
	DedupeWindow     time.Duration
	OrphanGrace      time.Duration
	FeedbackPolicy   string
	ScheduleInterval time.Duration
	WorkerCount      int
	UseBrowser       bool
}

// FromEnv reads configuration from environment variables, applying defaults
// for everything optional. Callers validate the fields their command needs.
func FromEnv() *Config {
	return &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),

		GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
		GeminiModel:  os.Getenv("GEMINI_MODEL"),

		SMTPHost:      os.Getenv("SMTP_SERVER"),
		SMTPPort:      getEnvInt("SMTP_PORT", 587),
		SMTPUsername:  os.Getenv("SMTP_USERNAME"),
		SMTPPassword:  os.Getenv("SMTP_PASSWORD"),
		SenderEmail:   os.Getenv("SENDER_EMAIL"),
		ReceiverEmail: os.Getenv("RECEIVER_EMAIL"),

		AppBaseURL:       getEnv("APP_BASE_URL", "http://localhost:8080"),
		ListenAddr:       getEnv("LISTEN_ADDR", ":8080"),
		BrandRepoPath:    getEnv("BRAND_REPO_PATH", "brands.yaml"),
		BrandID:          os.Getenv("BRAND_ID"),
		SearchConfigPath: os.Getenv("SEARCH_CONFIG_PATH"),

		MaxAttempts:      getEnvInt("MAX_ATTEMPTS", 3),
		StageTimeout:     getEnvDuration("STAGE_TIMEOUT", 2*time.Minute),
		LeaseTTL:         getEnvDuration("LEASE_TTL", 5*time.Minute),
		DedupePolicy:     getEnv("DEDUPE_POLICY", "window"),
		DedupeWindow:     getEnvDuration("DEDUPE_WINDOW", 10*time.Minute),
		OrphanGrace:      getEnvDuration("ORPHAN_GRACE", 5*time.Minute),
		FeedbackPolicy:   getEnv("FEEDBACK_POLICY", "overwrite"),
		ScheduleInterval: getEnvDuration("SCHEDULE_INTERVAL", 10*time.Minute),
		WorkerCount:      getEnvInt("WORKER_COUNT", 2),
		UseBrowser:       getEnvBool("USE_BROWSER", false),
	}
}

// RequireDatabase verifies the database URL is set.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required but not set")
	}
	return nil
}

// RequireBrand verifies the brand selection is set.
func (c *Config) RequireBrand() error {
	if c.BrandID == "" {
		return fmt.Errorf("BRAND_ID is required but not set")
	}
	return nil
}

// SearchConfig is the optional JSON file listing explicit search queries per
// task type. When absent, queries are generated from brand keywords.
type SearchConfig struct {
	BrandHealthQueries        []string `json:"brand_health_queries"`
	MarketIntelligenceQueries []string `json:"market_intelligence_queries"`
}

// LoadSearchConfig loads the search config JSON file.
func LoadSearchConfig(path string) (*SearchConfig, error) {
	if path == "" {
		return nil, fmt.Errorf("search config path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read search config %s: %w", path, err)
	}
	var sc SearchConfig
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse search config JSON: %w", err)
	}
	return &sc, nil
}

// Targets converts the configured queries into fetch targets.
func (sc *SearchConfig) Targets() []types.Target {
	var targets []types.Target
	for _, q := range sc.BrandHealthQueries {
		targets = append(targets, types.Target{Query: q, TaskType: types.TaskBrandHealth})
	}
	for _, q := range sc.MarketIntelligenceQueries {
		targets = append(targets, types.Target{Query: q, TaskType: types.TaskMarketIntelligence})
	}
	return targets
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
