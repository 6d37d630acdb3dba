package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config carries every recognized gateway option. Defaults follow the
// documented configuration surface; secrets have no defaults and the
// relevant subsystem disables itself when they are absent.
type Config struct {
	Port           string
	AllowedOrigins []string
	LogLevel       logrus.Level

	// Auth
	APIKeys   []string // accepted X-API-Key values, "pge_" prefixed
	JWTSecret string   // HMAC secret for bearer tokens; empty disables JWT auth

	// Detection
	BlockThreshold       float64 // fuse verdict unsafe at or above this score
	WarnThreshold        float64 // risk level elevated at or above this score
	ModelConfidence      float64 // model classifier injection-probability threshold
	ModelArtefactDir     string  // tokenizer/model files; empty or missing disables the classifier
	ClassifierEndpoint   string  // inference sidecar URL
	SessionFlagThreshold float64 // cumulative session risk before flagging
	CataloguePath        string  // JSON signature catalogue; empty uses the built-in set
	ShadowCataloguePath  string  // candidate catalogue; empty disables shadow evaluation
	AutoSanitize         bool    // rewrite completions that carry PII

	// Cache
	CacheTTL        time.Duration
	CacheMaxEntries int
	RedisAddr       string // optional shared tier; empty disables L2
	RedisPassword   string
	RedisDB         int

	// Policy
	DailyBudgetUSD              float64
	MonthlyBudgetUSD            float64
	PerRequestLimitUSD          float64
	AutoCompressThresholdTokens int
	AutoDowngradeThresholdUSD   float64
	AlertAtBudgetPercent        float64

	// Knowledge store
	Neo4jURI      string // empty disables the graph; semantic classifier degrades
	Neo4jUser     string
	Neo4jPassword string
	MinOverlap    float64
	IngestQueue   int // high-water mark before samples are dropped

	// Provenance
	ProvenanceEnabled bool
	ProvenanceSecret  string // HMAC key for chain export digests

	// Persistence
	DatabaseURL string // Postgres DSN; empty keeps audit in memory

	// Upstream providers
	OpenAIBaseURL    string
	OpenAIKey        string
	AnthropicBaseURL string
	AnthropicKey     string
	UpstreamTimeout  time.Duration

	// Rate limiting
	RateLimitPerMinute int
	RateLimitBurst     int

	// Alerting
	AlertWebhookURL         string // optional SOC webhook receiver
	AlertWebhookMinSeverity string // lowest severity delivered to the webhook
}

// Load reads .env when present, then the process environment.
func Load() *Config {
	if err := godotenv.Load(); err == nil {
		logrus.Debug("[Config] Loaded .env file")
	}

	level, err := logrus.ParseLevel(getEnvOrDefault("LOG_LEVEL", "info"))
	if err != nil {
		level = logrus.InfoLevel
	}

	return &Config{
		Port:           getEnvOrDefault("PORT", "8743"),
		AllowedOrigins: splitList(getEnvOrDefault("ALLOWED_ORIGINS", "")),
		LogLevel:       level,

		APIKeys:   splitList(os.Getenv("GATEWAY_API_KEYS")),
		JWTSecret: os.Getenv("GATEWAY_JWT_SECRET"),

		BlockThreshold:       getEnvFloat("BLOCK_THRESHOLD", 0.8),
		WarnThreshold:        getEnvFloat("WARN_THRESHOLD", 0.6),
		ModelConfidence:      getEnvFloat("CLASSIFIER_MODEL_CONFIDENCE", 0.95),
		ModelArtefactDir:     os.Getenv("CLASSIFIER_ARTEFACT_DIR"),
		ClassifierEndpoint:   getEnvOrDefault("CLASSIFIER_ENDPOINT", "http://localhost:8811"),
		SessionFlagThreshold: getEnvFloat("SESSION_FLAG_THRESHOLD", 2.0),
		CataloguePath:        os.Getenv("SIGNATURE_CATALOGUE_PATH"),
		ShadowCataloguePath:  os.Getenv("SHADOW_CATALOGUE_PATH"),
		AutoSanitize:         getEnvBool("PII_AUTO_SANITIZE", true),

		CacheTTL:        time.Duration(getEnvInt("CACHE_TTL_SECONDS", 3600)) * time.Second,
		CacheMaxEntries: getEnvInt("CACHE_MAX_ENTRIES", 10000),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         getEnvInt("REDIS_DB", 0),

		DailyBudgetUSD:              getEnvFloat("POLICY_DAILY_BUDGET_USD", 50.0),
		MonthlyBudgetUSD:            getEnvFloat("POLICY_MONTHLY_BUDGET_USD", 1000.0),
		PerRequestLimitUSD:          getEnvFloat("POLICY_PER_REQUEST_LIMIT_USD", 1.0),
		AutoCompressThresholdTokens: getEnvInt("POLICY_AUTO_COMPRESS_THRESHOLD_TOKENS", 2000),
		AutoDowngradeThresholdUSD:   getEnvFloat("POLICY_AUTO_DOWNGRADE_THRESHOLD_USD", 0.10),
		AlertAtBudgetPercent:        getEnvFloat("POLICY_ALERT_AT_BUDGET_PERCENT", 80.0),

		Neo4jURI:      os.Getenv("NEO4J_URI"),
		Neo4jUser:     getEnvOrDefault("NEO4J_USER", "neo4j"),
		Neo4jPassword: os.Getenv("NEO4J_PASSWORD"),
		MinOverlap:    getEnvFloat("KNOWLEDGE_MIN_OVERLAP", 0.5),
		IngestQueue:   getEnvInt("KNOWLEDGE_INGEST_QUEUE", 1024),

		ProvenanceEnabled: getEnvBool("PROVENANCE_ENABLED", true),
		ProvenanceSecret:  os.Getenv("PROVENANCE_SECRET"),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		OpenAIBaseURL:    getEnvOrDefault("OPENAI_BASE_URL", "https://api.openai.com"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		AnthropicBaseURL: getEnvOrDefault("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
		AnthropicKey:     os.Getenv("ANTHROPIC_API_KEY"),
		UpstreamTimeout:  time.Duration(getEnvInt("UPSTREAM_TIMEOUT_SECONDS", 120)) * time.Second,

		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 120),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 20),

		AlertWebhookURL:         os.Getenv("ALERT_WEBHOOK_URL"),
		AlertWebhookMinSeverity: getEnvOrDefault("ALERT_WEBHOOK_MIN_SEVERITY", "medium"),
	}
}

// RequireEnv reads a required environment variable and exits if it is not set.
// This prevents the binary from starting with missing critical configuration.
func RequireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		logrus.Fatalf("FATAL: Required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values: cp .env.example .env", key)
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default for non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
		logrus.Warnf("[Config] %s=%q is not a number, using %v", key, val, fallback)
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
		logrus.Warnf("[Config] %s=%q is not an integer, using %v", key, val, fallback)
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
