package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// ErrInvalid marks configuration that must stop the worker before any camera starts
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	// Application
	Version     string
	Environment string
	WorkerID    string
	GodownID    string
	Port        int
	LogLevel    string
	Timezone    string

	// Logdy (lightweight web log viewer)
	LogdyEnabled bool
	LogdyHost    string
	LogdyPort    int

	// Site description: cameras, zones and rules
	RulesFile         string
	RulesPollInterval time.Duration

	// Dispatch plans
	DispatchPlanFile     string
	DispatchPollInterval time.Duration

	// Broker
	// BrokerKind selects the live transport: "nats" or "mqtt"
	BrokerKind           string
	TopicRoot            string
	BrokerPublishTimeout time.Duration

	// NATS (for live delivery and detector requests)
	// Default: nats://localhost:4222 (works with Docker Compose setup)
	// Docker: Use nats://nats:4222 if running worker in Docker
	NatsURL            string
	NatsConnectTimeout time.Duration
	NatsReconnectWait  time.Duration
	NatsMaxReconnects  int
	NatsDrainTimeout   time.Duration // For graceful shutdown

	// MQTT
	MQTTURL      string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string

	// HTTP fallback
	HTTPFallbackEnabled    bool
	HTTPFallbackURL        string
	HTTPFallbackPath       string
	HTTPFallbackToken      string
	HTTPFallbackEventTypes []string
	HTTPFallbackTimeout    time.Duration

	// Confirm gate defaults
	ConfirmCountRequired int
	ConfirmWindow        time.Duration
	ConfirmPersist       time.Duration
	ConfirmCooldown      time.Duration
	ConfirmIdle          time.Duration
	ConfirmCapacity      int
	// Event types that confirm on the first push
	ConfirmImmediateTypes []string

	// Outbox
	OutboxPath          string
	OutboxFlushInterval time.Duration
	OutboxMaxAttempts   int
	OutboxMaxQueue      int
	OutboxMaxPayload    int
	OutboxFlushBatch    int
	OutboxFlushRate     float64
	OutboxSyncWrites    bool

	// Capture
	CaptureMode       string
	LatestFrameWait   time.Duration
	ReconnectBackoffs []time.Duration
	JPEGQuality       int

	// Detector (NATS request/reply)
	DetectorSubject string
	DetectorTimeout time.Duration

	// Watchdog
	WatchdogInterval    time.Duration
	StallThreshold      time.Duration
	FatalStallThreshold time.Duration

	// Health reporting
	HealthSnapshotFile string
	HealthInterval     time.Duration

	// Tamper checks
	TamperDarkThreshold float64
	TamperBlurThreshold float64
	TamperCooldown      time.Duration

	// Event snapshots (optional MinIO)
	MinioEndpoint      string
	MinioAccessKey     string
	MinioSecretKey     string
	MinioBucket        string
	MinioUseSSL        bool
	MinioPublicBaseURL string

	// Graceful Shutdown
	ShutdownTimeout time.Duration
}

func Load() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file found or error loading .env file, using environment variables and defaults")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	return &Config{
		// Application
		Version:     getEnv("VERSION", "1.0.0"),
		Environment: getEnv("ENVIRONMENT", "development"),
		WorkerID:    getEnv("WORKER_ID", "edge-1"),
		GodownID:    getEnv("GODOWN_ID", ""),
		Port:        getEnvInt("PORT", 8000),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Timezone:    getEnv("TIMEZONE", "Local"),

		// Logdy
		LogdyEnabled: getEnvBool("LOGDY_ENABLED", false),
		LogdyHost:    getEnv("LOGDY_HOST", "localhost"),
		LogdyPort:    getEnvInt("LOGDY_PORT", 8080),

		RulesFile:         getEnv("RULES_FILE", "./site.yaml"),
		RulesPollInterval: getEnvDuration("RULES_POLL_INTERVAL", 30*time.Second),

		DispatchPlanFile:     getEnv("DISPATCH_PLAN_FILE", ""),
		DispatchPollInterval: getEnvDuration("DISPATCH_POLL_INTERVAL", 10*time.Second),

		BrokerKind:           strings.ToLower(getEnv("BROKER_KIND", "nats")),
		TopicRoot:            getEnv("TOPIC_ROOT", "godown"),
		BrokerPublishTimeout: getEnvDuration("BROKER_PUBLISH_TIMEOUT", 5*time.Second),

		// NATS (configured for Docker Compose setup)
		NatsURL:            getNatsURL(),
		NatsConnectTimeout: getEnvDuration("NATS_CONNECT_TIMEOUT", 10*time.Second),
		NatsReconnectWait:  getEnvDuration("NATS_RECONNECT_WAIT", 2*time.Second),
		NatsMaxReconnects:  getEnvInt("NATS_MAX_RECONNECTS", -1), // -1 = unlimited
		NatsDrainTimeout:   getEnvDuration("NATS_DRAIN_TIMEOUT", 5*time.Second),

		MQTTURL:      getEnv("MQTT_URL", "tcp://localhost:1883"),
		MQTTClientID: getEnv("MQTT_CLIENT_ID", ""),
		MQTTUsername: getEnv("MQTT_USERNAME", ""),
		MQTTPassword: getEnv("MQTT_PASSWORD", ""),

		HTTPFallbackEnabled:    getEnvBool("HTTP_FALLBACK_ENABLED", false),
		HTTPFallbackURL:        getEnv("HTTP_FALLBACK_URL", "http://localhost:8500"),
		HTTPFallbackPath:       getEnv("HTTP_FALLBACK_PATH", "/api/v1/events"),
		HTTPFallbackToken:      getEnv("HTTP_FALLBACK_TOKEN", ""),
		HTTPFallbackEventTypes: getEnvList("HTTP_FALLBACK_EVENT_TYPES", nil),
		HTTPFallbackTimeout:    getEnvDuration("HTTP_FALLBACK_TIMEOUT", 5*time.Second),

		ConfirmCountRequired:  getEnvInt("CONFIRM_COUNT_REQUIRED", 1),
		ConfirmWindow:         getEnvDuration("CONFIRM_WINDOW", 10*time.Second),
		ConfirmPersist:        getEnvDuration("CONFIRM_PERSIST", 3*time.Second),
		ConfirmCooldown:       getEnvDuration("CONFIRM_COOLDOWN", 0),
		ConfirmIdle:           getEnvDuration("CONFIRM_IDLE", 60*time.Second),
		ConfirmCapacity:       getEnvInt("CONFIRM_CAPACITY", 64),
		ConfirmImmediateTypes: getEnvList("CONFIRM_IMMEDIATE_TYPES", []string{"CAMERA_OFFLINE", "CAMERA_TAMPERED"}),

		OutboxPath:          getEnv("OUTBOX_PATH", "./data/outbox"),
		OutboxFlushInterval: getEnvDuration("OUTBOX_FLUSH_INTERVAL", 5*time.Second),
		OutboxMaxAttempts:   getEnvInt("OUTBOX_MAX_ATTEMPTS", 10),
		OutboxMaxQueue:      getEnvInt("OUTBOX_MAX_QUEUE", 10000),
		OutboxMaxPayload:    getEnvInt("OUTBOX_MAX_PAYLOAD", 256*1024),
		OutboxFlushBatch:    getEnvInt("OUTBOX_FLUSH_BATCH", 50),
		OutboxFlushRate:     getEnvFloat("OUTBOX_FLUSH_RATE", 20),
		OutboxSyncWrites:    getEnvBool("OUTBOX_SYNC_WRITES", true),

		CaptureMode:     getEnv("CAPTURE_MODE", "latest"),
		LatestFrameWait: getEnvDuration("LATEST_FRAME_WAIT", time.Second),
		ReconnectBackoffs: []time.Duration{
			2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second,
		},
		JPEGQuality: getEnvInt("JPEG_QUALITY", 80),

		DetectorSubject: getEnv("DETECTOR_SUBJECT", "detector.infer"),
		DetectorTimeout: getEnvDuration("DETECTOR_TIMEOUT", 2*time.Second),

		WatchdogInterval:    getEnvDuration("WATCHDOG_INTERVAL", 5*time.Second),
		StallThreshold:      getEnvDuration("STALL_THRESHOLD", 30*time.Second),
		FatalStallThreshold: getEnvDuration("FATAL_STALL_THRESHOLD", 600*time.Second),

		HealthSnapshotFile: getEnv("HEALTH_SNAPSHOT_FILE", "./data/health.json"),
		HealthInterval:     getEnvDuration("HEALTH_INTERVAL", 30*time.Second),

		TamperDarkThreshold: getEnvFloat("TAMPER_DARK_THRESHOLD", 12),
		TamperBlurThreshold: getEnvFloat("TAMPER_BLUR_THRESHOLD", 15),
		TamperCooldown:      getEnvDuration("TAMPER_COOLDOWN", 10*time.Minute),

		MinioEndpoint:      getEnv("MINIO_ENDPOINT", ""),
		MinioAccessKey:     getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:     getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:        getEnv("MINIO_BUCKET", "godown-snapshots"),
		MinioUseSSL:        getEnvBool("MINIO_USE_SSL", false),
		MinioPublicBaseURL: getEnv("MINIO_PUBLIC_BASE_URL", ""),

		// Graceful Shutdown
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

// Validate rejects settings the worker cannot run with
func (c *Config) Validate() error {
	var problems []string

	if c.GodownID == "" {
		problems = append(problems, "GODOWN_ID is required")
	}
	if c.RulesFile == "" {
		problems = append(problems, "RULES_FILE is required")
	}
	if c.OutboxPath == "" {
		problems = append(problems, "OUTBOX_PATH is required")
	}
	switch c.BrokerKind {
	case "nats":
		if c.NatsURL == "" {
			problems = append(problems, "NATS_URL is required for the nats broker")
		}
	case "mqtt":
		if c.MQTTURL == "" {
			problems = append(problems, "MQTT_URL is required for the mqtt broker")
		}
	default:
		problems = append(problems, fmt.Sprintf("BROKER_KIND %q is not one of nats, mqtt", c.BrokerKind))
	}
	if c.HTTPFallbackEnabled && c.HTTPFallbackURL == "" {
		problems = append(problems, "HTTP_FALLBACK_URL is required when the fallback is enabled")
	}
	if c.ConfirmCountRequired < 1 {
		problems = append(problems, "CONFIRM_COUNT_REQUIRED must be at least 1")
	}
	if c.OutboxMaxAttempts < 1 || c.OutboxMaxQueue < 1 {
		problems = append(problems, "OUTBOX_MAX_ATTEMPTS and OUTBOX_MAX_QUEUE must be positive")
	}
	if c.StallThreshold <= 0 || c.FatalStallThreshold <= c.StallThreshold {
		problems = append(problems, "FATAL_STALL_THRESHOLD must exceed a positive STALL_THRESHOLD")
	}
	if c.CaptureMode != "direct" && c.CaptureMode != "latest" {
		problems = append(problems, fmt.Sprintf("CAPTURE_MODE %q is not one of direct, latest", c.CaptureMode))
	}
	if _, err := c.Location(); err != nil {
		problems = append(problems, fmt.Sprintf("TIMEZONE: %v", err))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Location resolves the configured timezone used for rule time windows
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// MinioEnabled reports whether event snapshots should be uploaded
func (c *Config) MinioEnabled() bool {
	return c.MinioEndpoint != "" && c.MinioAccessKey != "" && c.MinioSecretKey != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated value, dropping empty items
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Helper functions for Docker environment detection
func isRunningInDocker() bool {
	if os.Getenv("DOCKER_CONTAINER") == "true" {
		return true
	}

	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}

	return false
}

// getNatsURL returns the appropriate NATS URL based on environment
func getNatsURL() string {
	if envURL := os.Getenv("NATS_URL"); envURL != "" {
		return envURL
	}

	if isRunningInDocker() {
		return "nats://nats:4222"
	}

	return "nats://localhost:4222"
}
