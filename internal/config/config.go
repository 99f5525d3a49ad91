package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Storage backends.
const (
	StorageS3    = "s3"
	StorageMinio = "minio"
)

// Config holds application configuration loaded from the environment and an
// optional .env file.
type Config struct {
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:":8080"`
	DBPath      string `envconfig:"DB_PATH" default:"imageworker.db"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	SentryDSN   string `envconfig:"SENTRY_DSN" default:""`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`

	Redis    RedisConfig
	Queue    QueueConfig
	Workflow WorkflowConfig
	Callback CallbackConfig
	Storage  StorageConfig
	Bedrock  BedrockConfig
	Gemini   GeminiConfig
}

// RedisConfig locates the Redis server holding the job stream.
type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password string `envconfig:"REDIS_PASSWORD" default:""`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

// QueueConfig names the job stream and consumer group and tunes delivery,
// reclaim and dead-lettering.
type QueueConfig struct {
	Stream     string `envconfig:"QUEUE_STREAM" default:"stolink.image.jobs"`
	Group      string `envconfig:"QUEUE_GROUP" default:"imageworker"`
	Consumer   string `envconfig:"QUEUE_CONSUMER" default:""`
	DeadLetter string `envconfig:"QUEUE_DEAD_LETTER_STREAM" default:""`
	MaxLen     int64  `envconfig:"QUEUE_MAX_LEN" default:"10000"`

	Block         time.Duration `envconfig:"QUEUE_BLOCK" default:"5s"`
	ClaimMinIdle  time.Duration `envconfig:"QUEUE_CLAIM_MIN_IDLE" default:"15m"`
	ClaimInterval time.Duration `envconfig:"QUEUE_CLAIM_INTERVAL" default:"30s"`
	MaxDeliveries int64         `envconfig:"QUEUE_MAX_DELIVERIES" default:"3"`
	PingInterval  time.Duration `envconfig:"QUEUE_PING_INTERVAL" default:"10s"`
}

// WorkflowConfig bounds concurrent runs, stage timeouts and retries, and
// shutdown.
type WorkflowConfig struct {
	MaxInFlight      int           `envconfig:"WORKFLOW_MAX_IN_FLIGHT" default:"4"`
	StageTimeout     time.Duration `envconfig:"WORKFLOW_STAGE_TIMEOUT" default:"90s"`
	StageMaxAttempts int           `envconfig:"WORKFLOW_STAGE_MAX_ATTEMPTS" default:"2"`
	BackoffInitial   time.Duration `envconfig:"WORKFLOW_BACKOFF_INITIAL" default:"500ms"`
	BackoffMax       time.Duration `envconfig:"WORKFLOW_BACKOFF_MAX" default:"30s"`
	ShutdownGrace    time.Duration `envconfig:"WORKFLOW_SHUTDOWN_GRACE" default:"2m"`
	CallbackGrace    time.Duration `envconfig:"WORKFLOW_CALLBACK_GRACE" default:"10s"`
}

// CallbackConfig controls callback delivery attempts.
type CallbackConfig struct {
	DefaultURL     string        `envconfig:"CALLBACK_DEFAULT_URL" default:""`
	MaxAttempts    int           `envconfig:"CALLBACK_MAX_ATTEMPTS" default:"5"`
	AttemptTimeout time.Duration `envconfig:"CALLBACK_ATTEMPT_TIMEOUT" default:"30s"`
	BackoffInitial time.Duration `envconfig:"CALLBACK_BACKOFF_INITIAL" default:"1s"`
	BackoffMax     time.Duration `envconfig:"CALLBACK_BACKOFF_MAX" default:"30s"`
}

// StorageConfig selects the object store artifacts are uploaded to.
type StorageConfig struct {
	Backend       string `envconfig:"STORAGE_BACKEND" default:"s3"`
	Bucket        string `envconfig:"STORAGE_BUCKET" default:""`
	Region        string `envconfig:"STORAGE_REGION" default:"ap-northeast-2"`
	PublicBaseURL string `envconfig:"STORAGE_PUBLIC_BASE_URL" default:""`

	// S3-compatible endpoint settings, used by the minio backend.
	Endpoint  string `envconfig:"STORAGE_ENDPOINT" default:"localhost:9000"`
	AccessKey string `envconfig:"STORAGE_ACCESS_KEY" default:""`
	SecretKey string `envconfig:"STORAGE_SECRET_KEY" default:""`
	UseSSL    bool   `envconfig:"STORAGE_USE_SSL" default:"false"`
}

// BedrockConfig holds the AWS credentials and model IDs used for prompt
// derivation and image creation.
type BedrockConfig struct {
	Region          string `envconfig:"AWS_REGION" default:"us-east-1"`
	AccessKeyID     string `envconfig:"AWS_ACCESS_KEY_ID" default:""`
	SecretAccessKey string `envconfig:"AWS_SECRET_ACCESS_KEY" default:""`
	PromptModelID   string `envconfig:"BEDROCK_PROMPT_MODEL_ID" default:"us.anthropic.claude-3-5-haiku-20241022-v1:0"`
	CanvasModelID   string `envconfig:"BEDROCK_CANVAS_MODEL_ID" default:"amazon.nova-canvas-v1:0"`
	PromptFallback  bool   `envconfig:"BEDROCK_PROMPT_FALLBACK" default:"true"`
}

// GeminiConfig configures the image editing model.
type GeminiConfig struct {
	APIKey  string `envconfig:"GEMINI_API_KEY" default:""`
	Model   string `envconfig:"GEMINI_IMAGE_MODEL_ID" default:"gemini-2.5-flash-image"`
	BaseURL string `envconfig:"GEMINI_BASE_URL" default:"https://generativelanguage.googleapis.com/v1beta"`
}

// Load reads a .env file from the working directory when present, then the
// process environment, applying defaults for unset variables.
func Load() (Config, error) {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("process environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	switch c.Storage.Backend {
	case StorageS3, StorageMinio:
	default:
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", StorageS3, StorageMinio, c.Storage.Backend))
	}
	if c.Workflow.MaxInFlight < 1 {
		errs = append(errs, fmt.Errorf("WORKFLOW_MAX_IN_FLIGHT must be at least 1, got %d", c.Workflow.MaxInFlight))
	}
	if c.Callback.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("CALLBACK_MAX_ATTEMPTS must be at least 1, got %d", c.Callback.MaxAttempts))
	}
	return errors.Join(errs...)
}

// Level returns the configured log level.
func (c Config) Level() slog.Level {
	return parseLogLevel(c.LogLevel)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
