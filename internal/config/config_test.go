package config_test

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/example/operate-log-client/internal/config"
)

func setKafkaRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OPLOG_TRANSPORT", "kafka")
	t.Setenv("KAFKA_BROKERS", "broker-a:9092")
	t.Setenv("KAFKA_TOPIC", "oplog.operations")
}

func TestLoadSuccess(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("OPLOG_APPLICATION", "billing")
	t.Setenv("OPLOG_TRANSPORT", "kafka")
	t.Setenv("KAFKA_BROKERS", "broker-a:9092, broker-b:9093")
	t.Setenv("KAFKA_TOPIC", "oplog.operations")
	t.Setenv("KAFKA_SASL_USERNAME", "svc")
	t.Setenv("KAFKA_SASL_PASSWORD", "topsecret")
	t.Setenv("BATCH_MAX_WAIT_MS", "500")
	t.Setenv("BACKOFF_JITTER", "0.1")
	t.Setenv("SHARDS", "4")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantBrokers := []string{"broker-a:9092", "broker-b:9093"}
	if !reflect.DeepEqual(cfg.Kafka.Brokers, wantBrokers) {
		t.Fatalf("expected brokers %v, got %v", wantBrokers, cfg.Kafka.Brokers)
	}
	if cfg.App.Env != "production" {
		t.Fatalf("expected app env production, got %s", cfg.App.Env)
	}
	if cfg.App.LogLevel != "warn" {
		t.Fatalf("expected log level warn, got %s", cfg.App.LogLevel)
	}
	if cfg.Client.Environment != "production" {
		t.Fatalf("expected oplog environment to default to APP_ENV, got %s", cfg.Client.Environment)
	}
	if cfg.Client.Application != "billing" || cfg.Client.Shards != 4 {
		t.Fatalf("unexpected client config %+v", cfg.Client)
	}
	if cfg.Batch.MaxWait != 500*time.Millisecond {
		t.Fatalf("expected max wait 500ms, got %v", cfg.Batch.MaxWait)
	}
	if cfg.Retry.BackoffJitter != 0.1 {
		t.Fatalf("expected jitter 0.1, got %v", cfg.Retry.BackoffJitter)
	}
	if cfg.Kafka.SASLUsername != "svc" || cfg.Kafka.SASLPassword != "topsecret" {
		t.Fatalf("unexpected kafka credentials %+v", cfg.Kafka)
	}
}

func TestLoadDefaults(t *testing.T) {
	setKafkaRequiredEnv(t)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Queue.Capacity != 10000 || cfg.Queue.BlockTimeout != 0 {
		t.Fatalf("unexpected queue defaults %+v", cfg.Queue)
	}
	if cfg.Batch.MaxRecords != 500 || cfg.Batch.MaxBytes != 1<<20 || cfg.Batch.MaxWait != 2*time.Second {
		t.Fatalf("unexpected batch defaults %+v", cfg.Batch)
	}
	if cfg.Retry.SendTimeout != 10*time.Second || cfg.Retry.MaxAttempts != 5 {
		t.Fatalf("unexpected retry defaults %+v", cfg.Retry)
	}
	if cfg.Retry.BaseBackoff != 200*time.Millisecond || cfg.Retry.MaxBackoff != 30*time.Second {
		t.Fatalf("unexpected backoff defaults %+v", cfg.Retry)
	}
	if cfg.Overflow.FailurePolicy != "drop" || cfg.Client.CloseTimeout != 30*time.Second {
		t.Fatalf("unexpected lifecycle defaults %+v %+v", cfg.Overflow, cfg.Client)
	}
}

func TestLoadMissingRequiredPerTransport(t *testing.T) {
	cases := map[string][]string{
		"kafka": {"KAFKA_BROKERS is required", "KAFKA_TOPIC is required"},
		"http":  {"HTTP_ENDPOINT is required"},
		"nats":  {"NATS_URL is required", "NATS_SUBJECT is required"},
	}
	for transport, wants := range cases {
		t.Run(transport, func(t *testing.T) {
			t.Setenv("OPLOG_TRANSPORT", transport)

			_, err := config.Load()
			if err == nil {
				t.Fatalf("expected error for missing %s settings", transport)
			}
			for _, want := range wants {
				if !strings.Contains(err.Error(), want) {
					t.Fatalf("expected %q in %q", want, err.Error())
				}
			}
		})
	}
}

func TestLoadCollectsAllErrors(t *testing.T) {
	setKafkaRequiredEnv(t)
	t.Setenv("QUEUE_CAPACITY", "lots")
	t.Setenv("HTTP_COMPRESS", "maybe")
	t.Setenv("FAILURE_POLICY", "shrug")
	t.Setenv("BACKOFF_JITTER", "2")

	_, err := config.Load()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{
		"QUEUE_CAPACITY must be a valid integer",
		"HTTP_COMPRESS must be a valid boolean",
		"FAILURE_POLICY must be drop or persist",
		"BACKOFF_JITTER must be between 0 and 1",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in %q", want, msg)
		}
	}
}

func TestLoadInvalidTransport(t *testing.T) {
	t.Setenv("OPLOG_TRANSPORT", "carrier-pigeon")

	_, err := config.Load()
	if err == nil || !strings.Contains(err.Error(), "OPLOG_TRANSPORT must be one of") {
		t.Fatalf("expected transport validation error, got %v", err)
	}
}

func TestLoadKafkaOverflowRequiresDLQTopic(t *testing.T) {
	setKafkaRequiredEnv(t)
	t.Setenv("FAILURE_POLICY", "persist")
	t.Setenv("OVERFLOW_SINK", "kafka")

	_, err := config.Load()
	if err == nil || !strings.Contains(err.Error(), "KAFKA_DLQ_TOPIC is required") {
		t.Fatalf("expected dlq topic error, got %v", err)
	}
}

func TestLoadFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oplog.yaml")
	content := `
OPLOG_TRANSPORT: http
HTTP_ENDPOINT: https://logs.example.com/v1/operations
HTTP_COMPRESS: true
BATCH_MAX_RECORDS: 100
KAFKA_BROKERS:
  - broker-a:9092
  - broker-b:9092
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv(config.FileEnvKey, path)
	t.Setenv("BATCH_MAX_RECORDS", "250")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Client.Transport != config.TransportHTTP || cfg.HTTP.Endpoint != "https://logs.example.com/v1/operations" {
		t.Fatalf("file values not applied: %+v %+v", cfg.Client, cfg.HTTP)
	}
	if !cfg.HTTP.Compress {
		t.Fatalf("expected compression enabled from file")
	}
	if cfg.Batch.MaxRecords != 250 {
		t.Fatalf("expected environment to override file, got %d", cfg.Batch.MaxRecords)
	}
	if !reflect.DeepEqual(cfg.Kafka.Brokers, []string{"broker-a:9092", "broker-b:9092"}) {
		t.Fatalf("expected list value joined, got %v", cfg.Kafka.Brokers)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv(config.FileEnvKey, filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := config.Load(); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
