// Command oplog-tail follows the operation log topic, or its dead-letter
// topic, and prints each record as one JSON line.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/example/operate-log-client/internal/config"
	"github.com/example/operate-log-client/internal/kafka/consumer"
	"github.com/example/operate-log-client/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		group      string
		dlq        bool
		fromStart  bool
		operator   string
		userID     string
		opType     string
		commitEach bool
	)

	flagSet := pflag.NewFlagSet("oplog-tail", pflag.ContinueOnError)
	flagSet.StringVarP(&group, "group", "g", "oplog-tail", "consumer group id")
	flagSet.BoolVar(&dlq, "dlq", false, "follow KAFKA_DLQ_TOPIC instead of KAFKA_TOPIC")
	flagSet.BoolVar(&fromStart, "from-beginning", false, "start at the oldest offset when the group has no committed offset")
	flagSet.StringVar(&operator, "operator", "", "only print operations by this operator")
	flagSet.StringVar(&userID, "user-id", "", "only print operations of this user id")
	flagSet.StringVar(&opType, "type", "", "only print operations of this type (case insensitive)")
	flagSet.BoolVar(&commitEach, "commit-each", false, "commit the offset after every printed record")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return errors.New("KAFKA_BROKERS is required")
	}
	topic := cfg.Kafka.Topic
	if dlq {
		topic = cfg.Kafka.DLQTopic
	}
	if topic == "" {
		return errors.New("no topic configured")
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		return err
	}
	log := baseLogger.With().Str("service", "oplog-tail").Str("topic", topic).Logger()

	var opts []consumer.Option
	if fromStart {
		opts = append(opts, consumer.WithOldestOffset())
	}
	if commitEach {
		opts = append(opts, consumer.WithCommitOnSuccess())
	}
	if cfg.Kafka.SASLUsername != "" {
		opts = append(opts, consumer.WithSASLPlain(cfg.Kafka.SASLUsername, cfg.Kafka.SASLPassword))
	}
	if cfg.Kafka.TLS {
		opts = append(opts, consumer.WithTLS())
	}

	cons, err := consumer.New(cfg.Kafka.Brokers, group, log, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := cons.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close kafka consumer")
		}
	}()

	f := filter{operator: operator, userID: userID, opType: opType}
	out := json.NewEncoder(os.Stdout)

	handler := func(ctx context.Context, rec *consumer.Record) error {
		if rec.IsDeadLetter() {
			failure, err := rec.Failure()
			if err != nil {
				return err
			}
			if err := out.Encode(failure); err != nil {
				return err
			}
			return cons.Commit(ctx, rec)
		}

		op, err := rec.Operation()
		if err != nil {
			return err
		}
		if f.match(op.Operator, op.UserID, op.OperationType) {
			if err := out.Encode(op); err != nil {
				return err
			}
		}
		return cons.Commit(ctx, rec)
	}

	log.Info().Str("group", group).Msg("tailing operation log")
	if err := cons.Consume(ctx, []string{topic}, handler); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type filter struct {
	operator string
	userID   string
	opType   string
}

func (f filter) match(operator, userID, opType string) bool {
	if f.operator != "" && f.operator != operator {
		return false
	}
	if f.userID != "" && f.userID != userID {
		return false
	}
	if f.opType != "" && !strings.EqualFold(f.opType, opType) {
		return false
	}
	return true
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `oplog-tail prints operation records published to Kafka.

Records are written to stdout as JSON lines. With --dlq the dead-letter
topic is followed instead and each line is one undeliverable batch.

Usage:
  oplog-tail [flags]

Flags:
%s`, flagSet.FlagUsages())
}
