package domain

import (
	"os"
	"strconv"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	Server ServerConfig `json:"server"`

	Redis RedisConfig    `json:"redis"`
	Bus   EventBusConfig `json:"eventBus"`
	Store StoreConfig    `json:"store"`

	Outbox OutboxConfig `json:"outbox"`
	Debug  DebugConfig  `json:"evaluationDebug"`

	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// RedisConfig holds settings for the velocity store and outbox stream.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `json:"type"`

	// Channel settings (in-process bus, used in tests and dev)
	ChannelBufferSize int `json:"channelBufferSize"`

	// NATS settings
	NATSUrl           string `json:"natsUrl"`
	NATSToken         string `json:"-"`
	NATSMaxReconnects int    `json:"natsMaxReconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait"` // seconds
	NATSFlushTimeout  int    `json:"natsFlushTimeout"`  // seconds, publish ack bound
}

// StoreConfig holds the ruleset store settings.
type StoreConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver"`

	SQLitePath string `json:"sqlitePath"`

	PostgresHost     string `json:"postgresHost"`
	PostgresPort     int    `json:"postgresPort"`
	PostgresUser     string `json:"postgresUser"`
	PostgresPassword string `json:"-"`
	PostgresDB       string `json:"postgresDb"`
	PostgresSSLMode  string `json:"postgresSslMode"`
}

// OutboxConfig holds the AUTH durability pipeline settings.
type OutboxConfig struct {
	Stream        string `json:"stream"`
	ConsumerGroup string `json:"consumerGroup"`
	Consumer      string `json:"consumer"`

	// Dispatcher settings
	QueueSize       int `json:"queueSize"`
	AppendMaxRetry  int `json:"appendMaxRetry"`
	AppendBackoffMs int `json:"appendBackoffMs"`

	// Publisher settings
	PollIntervalMs           int   `json:"pollIntervalMs"`
	ReadBatchSize            int   `json:"readBatchSize"`
	PendingMinIdleMs         int64 `json:"pendingMinIdleMs"`
	PendingClaimCount        int   `json:"pendingClaimCount"`
	PendingSummaryIntervalMs int   `json:"pendingSummaryIntervalMs"`
}

// DebugConfig controls per-request debug capture on decisions.
type DebugConfig struct {
	Enabled                 bool `json:"enabled"`
	SampleRate              int  `json:"sampleRate"` // 1 in N
	MaxConditionEvaluations int  `json:"maxConditionEvaluations"`
	IncludeFieldValues      bool `json:"includeFieldValues"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// DecisionsTopic is the event bus topic AUTH and MONITORING decisions are
// published to. Key = transaction_id; consumers dedupe on decision_id.
const DecisionsTopic = "fraud.card.decisions.v1"

// DefaultConfig returns the baseline configuration: SQLite ruleset store,
// in-process channel bus, local Redis.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Bus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
			NATSUrl:           "nats://localhost:4222",
			NATSMaxReconnects: 10,
			NATSReconnectWait: 5,
			NATSFlushTimeout:  2,
		},
		Store: StoreConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Outbox: OutboxConfig{
			Stream:                   "kestrel:outbox:auth",
			ConsumerGroup:            "auth-publisher",
			QueueSize:                4096,
			AppendMaxRetry:           5,
			AppendBackoffMs:          50,
			PollIntervalMs:           50,
			ReadBatchSize:            100,
			PendingMinIdleMs:         60000,
			PendingClaimCount:        50,
			PendingSummaryIntervalMs: 5000,
		},
		Debug: DebugConfig{
			Enabled:                 false,
			SampleRate:              100,
			MaxConditionEvaluations: 200,
			IncludeFieldValues:      false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// FromEnv applies KESTREL_* environment overrides on top of DefaultConfig.
func FromEnv() *Config {
	cfg := DefaultConfig()

	envString(&cfg.Server.Host, "KESTREL_HOST")
	envInt(&cfg.Server.Port, "KESTREL_PORT")

	envString(&cfg.Redis.Addr, "KESTREL_REDIS_ADDR")
	envString(&cfg.Redis.Password, "KESTREL_REDIS_PASSWORD")
	envInt(&cfg.Redis.DB, "KESTREL_REDIS_DB")

	envString(&cfg.Bus.Type, "KESTREL_BUS_TYPE")
	envString(&cfg.Bus.NATSUrl, "KESTREL_NATS_URL")
	envString(&cfg.Bus.NATSToken, "KESTREL_NATS_TOKEN")

	envString(&cfg.Store.Driver, "KESTREL_STORE_DRIVER")
	envString(&cfg.Store.SQLitePath, "KESTREL_SQLITE_PATH")
	envString(&cfg.Store.PostgresHost, "KESTREL_POSTGRES_HOST")
	envInt(&cfg.Store.PostgresPort, "KESTREL_POSTGRES_PORT")
	envString(&cfg.Store.PostgresUser, "KESTREL_POSTGRES_USER")
	envString(&cfg.Store.PostgresPassword, "KESTREL_POSTGRES_PASSWORD")
	envString(&cfg.Store.PostgresDB, "KESTREL_POSTGRES_DB")

	envInt(&cfg.Outbox.QueueSize, "KESTREL_OUTBOX_QUEUE_SIZE")
	envInt(&cfg.Outbox.PollIntervalMs, "KESTREL_OUTBOX_POLL_INTERVAL_MS")
	envInt64(&cfg.Outbox.PendingMinIdleMs, "KESTREL_OUTBOX_PENDING_MIN_IDLE_MS")
	envInt(&cfg.Outbox.PendingClaimCount, "KESTREL_OUTBOX_PENDING_CLAIM_COUNT")
	envInt(&cfg.Outbox.PendingSummaryIntervalMs, "KESTREL_OUTBOX_PENDING_SUMMARY_INTERVAL_MS")

	envBool(&cfg.Debug.Enabled, "KESTREL_EVALUATION_DEBUG_ENABLED")
	envInt(&cfg.Debug.SampleRate, "KESTREL_EVALUATION_DEBUG_SAMPLE_RATE")
	envInt(&cfg.Debug.MaxConditionEvaluations, "KESTREL_EVALUATION_DEBUG_MAX_CONDITION_EVALUATIONS")
	envBool(&cfg.Debug.IncludeFieldValues, "KESTREL_EVALUATION_DEBUG_INCLUDE_FIELD_VALUES")

	envString(&cfg.Logging.Level, "KESTREL_LOG_LEVEL")
	envBool(&cfg.Tracing.Enabled, "KESTREL_TRACING_ENABLED")

	return cfg
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
