package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	ListenPort int

	// Database configuration
	DatabaseHost     string
	DatabasePort     string
	DatabaseName     string
	DatabaseUser     string
	DatabasePassword string

	// Redis configuration
	RedisHost     string
	RedisPassword string
	RedisPort     string

	// LLM configuration
	LLM LLMConfig

	// Engine configuration
	Engine EngineConfig

	// Review webhooks, comma separated
	WebhookURLs []string
}

// LLMConfig holds LLM service configuration
type LLMConfig struct {
	Enabled  bool
	Endpoint string
	APIKey   string
	Model    string
}

// EngineConfig holds adaptation engine parameters and thresholds
type EngineConfig struct {
	// Mode
	PrivateMode   bool
	BootstrapDays int

	// Lifecycle
	LifecycleIntervalPublicMinutes  int
	LifecycleIntervalPrivateMinutes int
	PredictionMaxAgeHours           int

	// Caches
	AddendumTTLSeconds int
	ConfigTTLSeconds   int

	// Addendum
	PrivateBudgetChars int
	PublicBudgetChars  int
	GeneStrengthFloor  float64 // Minimum strength for a gene to be rendered
	GeneCap            int

	// Cortex
	PatternConfirmThreshold int
	PatternPruneFrequency   int // Emerging patterns below this frequency are pruned
	PatternPruneAgeDays     int
	PatternStaleDays        int

	// Genome
	GenePruneFloor      float64
	EvidenceWindowHours int

	// Domain vocabulary (YAML); empty uses the built-in vocabulary
	VocabularyPath string
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	// Load .env file if exists
	_ = godotenv.Load()

	return &Config{
		ListenPort: getEnvInt("PORT", 8080),

		// Database configuration
		DatabaseHost:     getEnvOrDefault("DB_HOST", "localhost"),
		DatabasePort:     getEnvOrDefault("DB_PORT", "5432"),
		DatabaseName:     getEnvOrDefault("DB_NAME", "alin_engine"),
		DatabaseUser:     getEnvOrDefault("DB_USER", "alin"),
		DatabasePassword: getEnvOrDefault("DB_PASSWORD", "alin"),

		// Redis configuration
		RedisHost:     getEnvOrDefault("REDIS_HOST", "localhost"),
		RedisPort:     getEnvOrDefault("REDIS_PORT", "6379"),
		RedisPassword: getEnvOrDefault("REDIS_PASSWORD", ""),

		// LLM configuration
		LLM: LLMConfig{
			Enabled:  getEnvOrDefault("LLM_ENABLED", "false") == "true",
			Endpoint: getEnvOrDefault("LLM_ENDPOINT", "https://api.openai.com/v1"),
			APIKey:   getEnvOrDefault("LLM_API_KEY", ""),
			Model:    getEnvOrDefault("LLM_MODEL", "gpt-4o-mini"),
		},

		Engine: EngineConfig{
			PrivateMode:   getEnvOrDefault("ENGINE_PRIVATE_MODE", "false") == "true",
			BootstrapDays: getEnvInt("ENGINE_BOOTSTRAP_DAYS", 7),

			LifecycleIntervalPublicMinutes:  getEnvInt("ENGINE_LIFECYCLE_INTERVAL_PUBLIC", 30),
			LifecycleIntervalPrivateMinutes: getEnvInt("ENGINE_LIFECYCLE_INTERVAL_PRIVATE", 10),
			PredictionMaxAgeHours:           getEnvInt("ENGINE_PREDICTION_MAX_AGE_HOURS", 72),

			AddendumTTLSeconds: getEnvInt("ENGINE_ADDENDUM_TTL_SECONDS", 300),
			ConfigTTLSeconds:   getEnvInt("ENGINE_CONFIG_TTL_SECONDS", 600),

			PrivateBudgetChars: getEnvInt("ENGINE_PRIVATE_BUDGET", 2500),
			PublicBudgetChars:  getEnvInt("ENGINE_PUBLIC_BUDGET", 1500),
			GeneStrengthFloor:  getEnvFloat("ENGINE_GENE_FLOOR", 0.3),
			GeneCap:            getEnvInt("ENGINE_GENE_CAP", 10),

			PatternConfirmThreshold: getEnvInt("ENGINE_PATTERN_CONFIRM_THRESHOLD", 3),
			PatternPruneFrequency:   getEnvInt("ENGINE_PATTERN_PRUNE_FREQUENCY", 2),
			PatternPruneAgeDays:     getEnvInt("ENGINE_PATTERN_PRUNE_AGE_DAYS", 30),
			PatternStaleDays:        getEnvInt("ENGINE_PATTERN_STALE_DAYS", 7),

			GenePruneFloor:      getEnvFloat("ENGINE_GENE_PRUNE_FLOOR", 0.1),
			EvidenceWindowHours: getEnvInt("ENGINE_EVIDENCE_WINDOW_HOURS", 24),

			VocabularyPath: getEnvOrDefault("ENGINE_VOCABULARY_PATH", ""),
		},

		WebhookURLs: splitList(getEnvOrDefault("ENGINE_WEBHOOK_URLS", "")),
	}
}

// DefaultEngineConfig returns the engine defaults without reading the environment
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		BootstrapDays:                   7,
		LifecycleIntervalPublicMinutes:  30,
		LifecycleIntervalPrivateMinutes: 10,
		PredictionMaxAgeHours:           72,
		AddendumTTLSeconds:              300,
		ConfigTTLSeconds:                600,
		PrivateBudgetChars:              2500,
		PublicBudgetChars:               1500,
		GeneStrengthFloor:               0.3,
		GeneCap:                         10,
		PatternConfirmThreshold:         3,
		PatternPruneFrequency:           2,
		PatternPruneAgeDays:             30,
		PatternStaleDays:                7,
		GenePruneFloor:                  0.1,
		EvidenceWindowHours:             24,
	}
}

// LifecycleInterval returns the scheduler period for the configured mode
func (e EngineConfig) LifecycleInterval() time.Duration {
	if e.PrivateMode {
		return time.Duration(e.LifecycleIntervalPrivateMinutes) * time.Minute
	}
	return time.Duration(e.LifecycleIntervalPublicMinutes) * time.Minute
}

// AddendumTTL returns the addendum cache lifetime
func (e EngineConfig) AddendumTTL() time.Duration {
	return time.Duration(e.AddendumTTLSeconds) * time.Second
}

// ConfigTTL returns the configuration cache lifetime
func (e EngineConfig) ConfigTTL() time.Duration {
	return time.Duration(e.ConfigTTLSeconds) * time.Second
}

// DSN builds the postgres connection string
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.DatabaseHost, c.DatabasePort, c.DatabaseUser, c.DatabasePassword, c.DatabaseName)
}

// getEnvInt gets environment variable as int or returns default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var intValue int
	if _, err := fmt.Sscanf(value, "%d", &intValue); err != nil {
		return defaultValue
	}
	return intValue
}

// getEnvFloat gets environment variable as float64 or returns default value
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var floatValue float64
	if _, err := fmt.Sscanf(value, "%f", &floatValue); err != nil {
		return defaultValue
	}
	return floatValue
}

// getEnvOrDefault gets environment variable or returns default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
