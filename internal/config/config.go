package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config centralizes runtime settings for the API and workers.
type Config struct {
	Port string

	AuthToken string
	LogLevel  string

	StoreDriver         string
	DatabaseURL         string
	MySQLDSN            string
	StoreWriteBatchSize int
	UploadMaxRows       int
	UploadMaxBytes      int64

	QueueBackend     string
	QueueBufferSize  int
	QueueMaxAttempts int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisStream   string
	RedisDLQ      string
	RedisGroup    string
	RedisConsumer string

	RabbitMQURL   string
	RabbitMQQueue string

	ColumnConfigFile string

	DirectoryBaseURL       string
	OrgServiceBaseURL      string
	LocationServiceBaseURL string
	DownstreamAuthToken    string
	DownstreamTimeoutMS    int
	DownstreamMaxRetries   int

	RateLimitRPS       float64
	RateLimitBurst     int
	CORSAllowedOrigins []string

	WorkerEnabled     bool
	WorkerPassShards  int
	JobLockTTLSeconds int
}

var defaults = map[string]any{
	"PORT":                      "8080",
	"LOG_LEVEL":                 "info",
	"STORE_DRIVER":              "memory",
	"STORE_WRITE_BATCH_SIZE":    10,
	"UPLOAD_MAX_ROWS":           10000,
	"UPLOAD_MAX_BYTES":          10 << 20,
	"QUEUE_BACKEND":             "local",
	"QUEUE_BUFFER_SIZE":         512,
	"QUEUE_MAX_ATTEMPTS":        3,
	"REDIS_DB":                  0,
	"REDIS_STREAM":              "bulkupload_passes",
	"REDIS_DLQ_STREAM":          "bulkupload_passes_dlq",
	"REDIS_GROUP":               "bulkupload_workers",
	"REDIS_CONSUMER":            "worker-1",
	"RABBITMQ_QUEUE":            "bulkupload.passes",
	"DOWNSTREAM_TIMEOUT_MS":     10000,
	"DOWNSTREAM_MAX_RETRIES":    2,
	"RATE_LIMIT_RPS":            20,
	"RATE_LIMIT_BURST":          40,
	"CORS_ALLOWED_ORIGINS":      "*",
	"WORKER_ENABLED":            true,
	"WORKER_PASS_SHARDS":        1,
	"JOB_LOCK_TTL_SECONDS":      300,
	"API_AUTH_TOKEN":            "",
	"DATABASE_URL":              "",
	"MYSQL_DSN":                 "",
	"REDIS_ADDR":                "",
	"REDIS_PASSWORD":            "",
	"RABBITMQ_URL":              "",
	"COLUMN_CONFIG_FILE":        "",
	"DIRECTORY_BASE_URL":        "",
	"ORG_SERVICE_BASE_URL":      "",
	"LOCATION_SERVICE_BASE_URL": "",
	"DOWNSTREAM_AUTH_TOKEN":     "",
}

// Load reads settings from the given files (.env, .yaml, ...) and the process
// environment. Missing files are skipped; environment variables win over
// file values.
func Load(paths ...string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	for _, path := range paths {
		trimmed := strings.TrimSpace(path)
		if trimmed == "" {
			continue
		}
		if _, err := os.Stat(trimmed); errors.Is(err, os.ErrNotExist) {
			continue
		}
		configType := ""
		if strings.HasPrefix(filepath.Base(trimmed), ".env") {
			configType = "env"
		}
		v.SetConfigFile(trimmed)
		v.SetConfigType(configType)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", trimmed, err)
		}
	}

	cfg := Config{
		Port: v.GetString("PORT"),

		AuthToken: v.GetString("API_AUTH_TOKEN"),
		LogLevel:  v.GetString("LOG_LEVEL"),

		StoreDriver:         strings.ToLower(v.GetString("STORE_DRIVER")),
		DatabaseURL:         v.GetString("DATABASE_URL"),
		MySQLDSN:            v.GetString("MYSQL_DSN"),
		StoreWriteBatchSize: v.GetInt("STORE_WRITE_BATCH_SIZE"),
		UploadMaxRows:       v.GetInt("UPLOAD_MAX_ROWS"),
		UploadMaxBytes:      v.GetInt64("UPLOAD_MAX_BYTES"),

		QueueBackend:     strings.ToLower(v.GetString("QUEUE_BACKEND")),
		QueueBufferSize:  v.GetInt("QUEUE_BUFFER_SIZE"),
		QueueMaxAttempts: v.GetInt("QUEUE_MAX_ATTEMPTS"),

		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),
		RedisStream:   v.GetString("REDIS_STREAM"),
		RedisDLQ:      v.GetString("REDIS_DLQ_STREAM"),
		RedisGroup:    v.GetString("REDIS_GROUP"),
		RedisConsumer: v.GetString("REDIS_CONSUMER"),

		RabbitMQURL:   v.GetString("RABBITMQ_URL"),
		RabbitMQQueue: v.GetString("RABBITMQ_QUEUE"),

		ColumnConfigFile: v.GetString("COLUMN_CONFIG_FILE"),

		DirectoryBaseURL:       v.GetString("DIRECTORY_BASE_URL"),
		OrgServiceBaseURL:      v.GetString("ORG_SERVICE_BASE_URL"),
		LocationServiceBaseURL: v.GetString("LOCATION_SERVICE_BASE_URL"),
		DownstreamAuthToken:    v.GetString("DOWNSTREAM_AUTH_TOKEN"),
		DownstreamTimeoutMS:    v.GetInt("DOWNSTREAM_TIMEOUT_MS"),
		DownstreamMaxRetries:   v.GetInt("DOWNSTREAM_MAX_RETRIES"),

		RateLimitRPS:       v.GetFloat64("RATE_LIMIT_RPS"),
		RateLimitBurst:     v.GetInt("RATE_LIMIT_BURST"),
		CORSAllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),

		WorkerEnabled:     v.GetBool("WORKER_ENABLED"),
		WorkerPassShards:  v.GetInt("WORKER_PASS_SHARDS"),
		JobLockTTLSeconds: v.GetInt("JOB_LOCK_TTL_SECONDS"),
	}
	return cfg, cfg.Validate()
}

// Validate checks that the selected backends have what they need.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres store")
		}
	case "mysql":
		if c.MySQLDSN == "" {
			return errors.New("MYSQL_DSN is required for the mysql store")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.QueueBackend {
	case "local", "redis", "rabbitmq":
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q", c.QueueBackend)
	}
	return nil
}

func (c Config) DownstreamTimeout() time.Duration {
	return time.Duration(c.DownstreamTimeoutMS) * time.Millisecond
}

func (c Config) JobLockTTL() time.Duration {
	return time.Duration(c.JobLockTTLSeconds) * time.Second
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
