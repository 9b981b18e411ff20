package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	ServicePort int
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	Idempotency IdempotencyConfig
	Ingestion   IngestionConfig
	Anomaly     AnomalyConfig
	Registry    RegistryConfig
	Review      ReviewConfig
	Scheduler   SchedulerConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL            string
	MigrateOnStart bool
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	URL             string
	CommandExchange string
	CommandQueue    string
	CommandBinding  string
	EventsExchange  string
	DLQQueue        string
	PrefetchCount   int
}

// IdempotencyConfig holds the command replay store settings
type IdempotencyConfig struct {
	Path      string
	Retention time.Duration
}

// IngestionConfig holds issuance upload limits
type IngestionConfig struct {
	MaxRows      int
	GapThreshold time.Duration
}

// AnomalyConfig holds anomaly detection settings
type AnomalyConfig struct {
	SpikeThreshold            float64
	MinDataPointsForDetection int
}

// RegistryConfig holds device and registrant rules
type RegistryConfig struct {
	MaxDeviceCapacityKW decimal.Decimal
	AllowedCountries    []string
}

// ReviewConfig holds verifier review settings
type ReviewConfig struct {
	DefaultMeasurementTier string
	IssueVerifierVC        bool
	VCIssuer               string
}

// SchedulerConfig holds periodic job settings
type SchedulerConfig struct {
	StatsSpec string
	PurgeSpec string
}

var defaultCountries = []string{"Nigeria", "Benin", "Ghana", "Kenya", "South Africa"}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	capacity, err := decimal.NewFromString(getEnv("REGISTRY_MAX_DEVICE_CAPACITY_KW", "250"))
	if err != nil {
		return nil, fmt.Errorf("REGISTRY_MAX_DEVICE_CAPACITY_KW must be a decimal number: %w", err)
	}

	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "zeitec-verifier-worker"),
		ServicePort: getEnvAsInt("SERVICE_PORT", 8081),
		Database: DatabaseConfig{
			URL:            getEnv("DATABASE_URL", ""),
			MigrateOnStart: getEnvAsBool("DB_MIGRATE_ON_START", true),
		},
		RabbitMQ: RabbitMQConfig{
			URL:             getEnv("RABBITMQ_URL", ""),
			CommandExchange: getEnv("RABBITMQ_COMMAND_EXCHANGE", "zeitec.commands.exchange"),
			CommandQueue:    getEnv("RABBITMQ_COMMAND_QUEUE", "zeitec.commands.queue"),
			CommandBinding:  getEnv("RABBITMQ_COMMAND_BINDING", "verifier.#"),
			EventsExchange:  getEnv("RABBITMQ_EVENTS_EXCHANGE", "zeitec.events.exchange"),
			DLQQueue:        getEnv("RABBITMQ_DLQ_QUEUE", "zeitec.commands.dlq"),
			PrefetchCount:   getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		Idempotency: IdempotencyConfig{
			Path:      getEnv("IDEMPOTENCY_DB_PATH", "./data/idempotency.db"),
			Retention: time.Duration(getEnvAsInt("IDEMPOTENCY_RETENTION_HOURS", 168)) * time.Hour,
		},
		Ingestion: IngestionConfig{
			MaxRows:      getEnvAsInt("INGESTION_MAX_ROWS", 10000),
			GapThreshold: time.Duration(getEnvAsInt("INGESTION_GAP_THRESHOLD_MINUTES", 120)) * time.Minute,
		},
		Anomaly: AnomalyConfig{
			SpikeThreshold:            getEnvAsFloat("ANOMALY_SPIKE_THRESHOLD", 3.0),
			MinDataPointsForDetection: getEnvAsInt("ANOMALY_MIN_DATA_POINTS", 3),
		},
		Registry: RegistryConfig{
			MaxDeviceCapacityKW: capacity,
			AllowedCountries:    getEnvAsList("REGISTRY_ALLOWED_COUNTRIES", defaultCountries),
		},
		Review: ReviewConfig{
			DefaultMeasurementTier: getEnv("REVIEW_DEFAULT_MEASUREMENT_TIER", "2.3"),
			IssueVerifierVC:        getEnvAsBool("REVIEW_ISSUE_VERIFIER_VC", true),
			VCIssuer:               getEnv("REVIEW_VC_ISSUER", "Zeitec Verifier"),
		},
		Scheduler: SchedulerConfig{
			StatsSpec: getEnv("SCHEDULER_STATS_SPEC", "@every 15m"),
			PurgeSpec: getEnv("SCHEDULER_PURGE_SPEC", "@every 1h"),
		},
	}

	// Validate required fields
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if cfg.RabbitMQ.URL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}
	if !cfg.Registry.MaxDeviceCapacityKW.IsPositive() {
		return nil, fmt.Errorf("REGISTRY_MAX_DEVICE_CAPACITY_KW must be positive")
	}
	if len(cfg.Registry.AllowedCountries) == 0 {
		return nil, fmt.Errorf("REGISTRY_ALLOWED_COUNTRIES must name at least one country")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated variable, dropping empty items
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
