// Package config loads the orchestrator's runtime configuration from
// environment variables (and an optional .env/.env.local pair), grounded on
// the teacher's root config.go: same .env.local-overrides-.env precedence,
// same getEnv/getEnvInt helper shape, same eager validation of required
// fields. The .env parsing itself is handed to godotenv rather than the
// teacher's hand-rolled line splitter.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the orchestrator's full runtime configuration.
type Config struct {
	Database  DatabaseConfig
	Queue     QueueConfig
	Table     TableConfig
	Topic     TopicConfig
	Scheduler SchedulerConfig
	Service   ServiceConfig
}

// DatabaseConfig connects to the Postgres progress tables (C5), matching
// internal/progress.Config field-for-field.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// QueueConfig tunes the buffered external request queue (C6).
type QueueConfig struct {
	URL              string
	DeadLetterURL    string
	MaxJobsLookahead int
	MaxRetryAttempts int
	RetryTime        time.Duration
}

// TableConfig supplies the static endpoint-capacity table (C13) consulted
// for endpoints reached over plain HTTP, which have no SageMaker-style
// describe call to report an instance count.
type TableConfig struct {
	EndpointCapacities map[string]int
	DefaultCapacity    int
}

// TopicConfig names the SNS topics image and region status are published
// to (C12). Either may be left empty to disable that monitor.
type TopicConfig struct {
	ImageStatusARN  string
	RegionStatusARN string
}

// SchedulerConfig tunes the core loop's polling cadence (C10), matching
// internal/core.Config field-for-field.
type SchedulerConfig struct {
	PollInterval             time.Duration
	RegionThrottleRetryDelay time.Duration
	RefillInterval           time.Duration
}

// ServiceConfig tunes region-handling concurrency and batching (C9),
// matching internal/handler.Config field-for-field (plus RegionWidth/
// RegionHeight, which map onto handler.Config.RegionSize).
type ServiceConfig struct {
	TileWorkerCount       int
	SelfThrottlingEnabled bool
	FeatureRowByteLimit   int
	RegionWidth           int
	RegionHeight          int
	AWSRegion             string
	MetricsAddr           string
}

// Load reads configuration from the process environment, after loading
// envPath and then envPath's ".env.local" sibling (each only if present)
// into the environment; values in .env.local override those from .env for
// local development.
func Load(envPath string) (*Config, error) {
	localEnvPath := strings.TrimSuffix(envPath, ".env") + ".env.local"
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("config: loading %s: %w", envPath, err)
		}
	}
	if _, err := os.Stat(localEnvPath); err == nil {
		if err := godotenv.Overload(localEnvPath); err != nil {
			return nil, fmt.Errorf("config: loading %s: %w", localEnvPath, err)
		}
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "rasterrunner"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Queue: QueueConfig{
			URL:              getEnv("IMAGE_REQUEST_QUEUE_URL", ""),
			DeadLetterURL:    getEnv("IMAGE_REQUEST_DLQ_URL", ""),
			MaxJobsLookahead: getEnvInt("MAX_JOBS_LOOKAHEAD", 50),
			MaxRetryAttempts: getEnvInt("MAX_RETRY_ATTEMPTS", 5),
			RetryTime:        getEnvDuration("RETRY_TIME", time.Minute),
		},
		Table: TableConfig{
			EndpointCapacities: getEnvIntMap("ENDPOINT_CAPACITIES"),
			DefaultCapacity:    getEnvInt("DEFAULT_ENDPOINT_CAPACITY", 1),
		},
		Topic: TopicConfig{
			ImageStatusARN:  getEnv("IMAGE_STATUS_TOPIC_ARN", ""),
			RegionStatusARN: getEnv("REGION_STATUS_TOPIC_ARN", ""),
		},
		Scheduler: SchedulerConfig{
			PollInterval:             getEnvDuration("SCHEDULER_POLL_INTERVAL", 10*time.Second),
			RegionThrottleRetryDelay: getEnvDuration("REGION_THROTTLE_RETRY_DELAY", 30*time.Second),
			RefillInterval:           getEnvDuration("QUEUE_REFILL_INTERVAL", 10*time.Second),
		},
		Service: ServiceConfig{
			TileWorkerCount:       getEnvInt("TILE_WORKER_COUNT", 8),
			SelfThrottlingEnabled: getEnvBool("SELF_THROTTLING_ENABLED", true),
			FeatureRowByteLimit:   getEnvInt("FEATURE_ROW_BYTE_LIMIT", 200*1024),
			RegionWidth:           getEnvInt("REGION_WIDTH", 4096),
			RegionHeight:          getEnvInt("REGION_HEIGHT", 4096),
			AWSRegion:             getEnv("AWS_REGION", "us-east-1"),
			MetricsAddr:           getEnv("METRICS_ADDR", ":9090"),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("config: DB_PASSWORD environment variable is required")
	}
	if cfg.Queue.URL == "" {
		return nil, fmt.Errorf("config: IMAGE_REQUEST_QUEUE_URL environment variable is required")
	}

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

// getEnvIntMap parses a "name=count,name=count" list, the shape of a
// TableConfig.EndpointCapacities entry, into a map. Malformed entries are
// skipped rather than failing config load outright.
func getEnvIntMap(key string) map[string]int {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	result := make(map[string]int)
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		count, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || name == "" {
			continue
		}
		result[name] = count
	}
	return result
}
