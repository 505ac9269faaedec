package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FileEnvKey names the environment variable pointing at an optional YAML
// file. The file holds the same keys as the environment; environment
// variables take precedence over it.
const FileEnvKey = "OPLOG_CONFIG_FILE"

// Transport names.
const (
	TransportKafka = "kafka"
	TransportHTTP  = "http"
	TransportNATS  = "nats"
)

// Overflow sink names.
const (
	SinkSQLite = "sqlite"
	SinkKafka  = "kafka"
)

// Config captures all runtime configuration of the operation log client and
// its tools.
type Config struct {
	App      AppConfig
	Client   ClientConfig
	Kafka    KafkaConfig
	HTTP     HTTPConfig
	NATS     NATSConfig
	Queue    QueueConfig
	Batch    BatchConfig
	Retry    RetryConfig
	Overflow OverflowConfig
}

// AppConfig contains generic process level settings.
type AppConfig struct {
	Env         string
	LogLevel    string
	MetricsAddr string
}

// ClientConfig identifies the producing application and picks the backend.
type ClientConfig struct {
	Application  string
	Environment  string
	Transport    string
	Shards       int
	CloseTimeout time.Duration
}

// KafkaConfig defines broker information for the Kafka transport and the
// dead-letter sink.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	DLQTopic     string
	SASLUsername string
	SASLPassword string
	TLS          bool
}

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	Endpoint string
	APIKey   string
	TenantID string
	Compress bool
}

// NATSConfig configures the JetStream transport.
type NATSConfig struct {
	URL     string
	Subject string
}

// QueueConfig bounds the in-memory queue.
type QueueConfig struct {
	Capacity     int
	BlockTimeout time.Duration
}

// BatchConfig holds the batch thresholds.
type BatchConfig struct {
	MaxRecords int
	MaxBytes   int
	MaxWait    time.Duration
}

// RetryConfig controls send timeouts and backoff.
type RetryConfig struct {
	SendTimeout   time.Duration
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	BackoffJitter float64
}

// OverflowConfig selects what happens to batches that cannot be delivered.
type OverflowConfig struct {
	FailurePolicy string
	Sink          string
	SQLitePath    string
}

// Load reads a .env file when present, overlays the YAML file named by
// OPLOG_CONFIG_FILE, applies defaults and validates the result. Every
// validation problem is reported in a single error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}
	if path := strings.TrimSpace(os.Getenv(FileEnvKey)); path != "" {
		file, err := readFile(path)
		if err != nil {
			return nil, err
		}
		ldr.file = file
	}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)
	cfg.App.MetricsAddr = ldr.getString("METRICS_ADDR", "", false)

	cfg.Client.Application = ldr.getString("OPLOG_APPLICATION", "", false)
	cfg.Client.Environment = ldr.getString("OPLOG_ENVIRONMENT", cfg.App.Env, false)
	cfg.Client.Transport = strings.ToLower(ldr.getString("OPLOG_TRANSPORT", TransportKafka, false))
	cfg.Client.Shards = ldr.getInt("SHARDS", 1, false)
	cfg.Client.CloseTimeout = ldr.getMillis("CLOSE_TIMEOUT_MS", 30*time.Second, false)

	kafkaRequired := cfg.Client.Transport == TransportKafka
	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", kafkaRequired)
	cfg.Kafka.Topic = ldr.getString("KAFKA_TOPIC", "", kafkaRequired)
	cfg.Kafka.DLQTopic = ldr.getString("KAFKA_DLQ_TOPIC", "", false)
	cfg.Kafka.SASLUsername = ldr.getString("KAFKA_SASL_USERNAME", "", false)
	cfg.Kafka.SASLPassword = ldr.getString("KAFKA_SASL_PASSWORD", "", false)
	cfg.Kafka.TLS = ldr.getBool("KAFKA_TLS", false, false)

	cfg.HTTP.Endpoint = ldr.getString("HTTP_ENDPOINT", "", cfg.Client.Transport == TransportHTTP)
	cfg.HTTP.APIKey = ldr.getString("HTTP_API_KEY", "", false)
	cfg.HTTP.TenantID = ldr.getString("HTTP_TENANT_ID", "", false)
	cfg.HTTP.Compress = ldr.getBool("HTTP_COMPRESS", false, false)

	natsRequired := cfg.Client.Transport == TransportNATS
	cfg.NATS.URL = ldr.getString("NATS_URL", "", natsRequired)
	cfg.NATS.Subject = ldr.getString("NATS_SUBJECT", "", natsRequired)

	cfg.Queue.Capacity = ldr.getInt("QUEUE_CAPACITY", 10000, false)
	cfg.Queue.BlockTimeout = ldr.getMillis("QUEUE_BLOCK_TIMEOUT_MS", 0, false)

	cfg.Batch.MaxRecords = ldr.getInt("BATCH_MAX_RECORDS", 500, false)
	cfg.Batch.MaxBytes = ldr.getInt("BATCH_MAX_BYTES", 1<<20, false)
	cfg.Batch.MaxWait = ldr.getMillis("BATCH_MAX_WAIT_MS", 2*time.Second, false)

	cfg.Retry.SendTimeout = ldr.getMillis("SEND_TIMEOUT_MS", 10*time.Second, false)
	cfg.Retry.MaxAttempts = ldr.getInt("MAX_ATTEMPTS", 5, false)
	cfg.Retry.BaseBackoff = ldr.getMillis("BASE_BACKOFF_MS", 200*time.Millisecond, false)
	cfg.Retry.MaxBackoff = ldr.getMillis("MAX_BACKOFF_MS", 30*time.Second, false)
	cfg.Retry.BackoffJitter = ldr.getFloat("BACKOFF_JITTER", 0.2, false)

	cfg.Overflow.FailurePolicy = strings.ToLower(ldr.getString("FAILURE_POLICY", "drop", false))
	cfg.Overflow.Sink = strings.ToLower(ldr.getString("OVERFLOW_SINK", SinkSQLite, false))
	cfg.Overflow.SQLitePath = ldr.getString("OVERFLOW_SQLITE_PATH", "oplog-overflow.db", false)

	ldr.check(cfg)
	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (l *envLoader) check(cfg *Config) {
	switch cfg.Client.Transport {
	case TransportKafka, TransportHTTP, TransportNATS:
	default:
		l.addError(fmt.Sprintf("OPLOG_TRANSPORT must be one of kafka, http, nats (got %q)", cfg.Client.Transport))
	}
	switch cfg.Overflow.FailurePolicy {
	case "drop", "persist":
	default:
		l.addError(fmt.Sprintf("FAILURE_POLICY must be drop or persist (got %q)", cfg.Overflow.FailurePolicy))
	}
	if cfg.Overflow.FailurePolicy == "persist" {
		switch cfg.Overflow.Sink {
		case SinkSQLite:
			if cfg.Overflow.SQLitePath == "" {
				l.addError("OVERFLOW_SQLITE_PATH is required when FAILURE_POLICY is persist")
			}
		case SinkKafka:
			if cfg.Kafka.DLQTopic == "" {
				l.addError("KAFKA_DLQ_TOPIC is required when OVERFLOW_SINK is kafka")
			}
			if len(cfg.Kafka.Brokers) == 0 {
				l.addError("KAFKA_BROKERS is required when OVERFLOW_SINK is kafka")
			}
		default:
			l.addError(fmt.Sprintf("OVERFLOW_SINK must be sqlite or kafka (got %q)", cfg.Overflow.Sink))
		}
	}
	if cfg.Kafka.SASLUsername != "" && cfg.Kafka.SASLPassword == "" {
		l.addError("KAFKA_SASL_PASSWORD is required when KAFKA_SASL_USERNAME is set")
	}

	positive := []struct {
		key string
		val int
	}{
		{"QUEUE_CAPACITY", cfg.Queue.Capacity},
		{"BATCH_MAX_RECORDS", cfg.Batch.MaxRecords},
		{"BATCH_MAX_BYTES", cfg.Batch.MaxBytes},
		{"MAX_ATTEMPTS", cfg.Retry.MaxAttempts},
		{"SHARDS", cfg.Client.Shards},
	}
	for _, p := range positive {
		if p.val < 1 {
			l.addError(fmt.Sprintf("%s must be at least 1", p.key))
		}
	}
	if cfg.Retry.BackoffJitter < 0 || cfg.Retry.BackoffJitter > 1 {
		l.addError("BACKOFF_JITTER must be between 0 and 1")
	}
	if cfg.Retry.MaxBackoff < cfg.Retry.BaseBackoff {
		l.addError("MAX_BACKOFF_MS must not be below BASE_BACKOFF_MS")
	}
}

// readFile parses a flat YAML mapping. Sequence values are joined with
// commas so list keys such as KAFKA_BROKERS can be written either way.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case nil:
		case []any:
			parts := make([]string, 0, len(t))
			for _, item := range t {
				parts = append(parts, fmt.Sprint(item))
			}
			out[strings.ToUpper(k)] = strings.Join(parts, ",")
		default:
			out[strings.ToUpper(k)] = fmt.Sprint(t)
		}
	}
	return out, nil
}

type envLoader struct {
	file map[string]string
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) lookup(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	val, ok := l.file[key]
	return val, ok
}

// raw returns the trimmed value for key. ok is false when the key is unset
// or blank, in which case a required key records an error.
func (l *envLoader) raw(key string, required bool) (string, bool) {
	val, ok := l.lookup(key)
	val = strings.TrimSpace(val)
	if !ok || val == "" {
		if required {
			l.addError(fmt.Sprintf("%s is required", key))
		}
		return "", false
	}
	return val, true
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := l.raw(key, required); ok {
		return val
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	val, ok := l.raw(key, required)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid integer", key))
		return def
	}
	return i
}

func (l *envLoader) getMillis(key string, def time.Duration, required bool) time.Duration {
	val, ok := l.raw(key, required)
	if !ok {
		return def
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil || ms < 0 {
		l.addError(fmt.Sprintf("%s must be a non-negative number of milliseconds", key))
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func (l *envLoader) getFloat(key string, def float64, required bool) float64 {
	val, ok := l.raw(key, required)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid number", key))
		return def
	}
	return f
}

func (l *envLoader) getBool(key string, def bool, required bool) bool {
	val, ok := l.raw(key, required)
	if !ok {
		return def
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid boolean", key))
		return def
	}
	return parsed
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		if required {
			return nil
		}
		return []string{}
	}
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
