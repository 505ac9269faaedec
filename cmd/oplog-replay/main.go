// Command oplog-replay resends batches that the client stored in its SQLite
// overflow database after delivery failed.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/example/operate-log-client/internal/config"
	"github.com/example/operate-log-client/internal/logger"
	"github.com/example/operate-log-client/internal/overflow"
	"github.com/example/operate-log-client/oplog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dbPath string
		limit  int
		list   bool
	)

	flagSet := pflag.NewFlagSet("oplog-replay", pflag.ContinueOnError)
	flagSet.StringVar(&dbPath, "db", "", "overflow database path (default: OVERFLOW_SQLITE_PATH)")
	flagSet.IntVarP(&limit, "limit", "n", 0, "maximum number of batches to process, 0 for all")
	flagSet.BoolVar(&list, "list", false, "list stored batches without sending them")
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
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if dbPath == "" {
		dbPath = cfg.Overflow.SQLitePath
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		return err
	}
	log := baseLogger.With().Str("service", "oplog-replay").Logger()

	store, err := overflow.Open(ctx, overflow.Config{Path: dbPath, PoolSize: 1, Logger: log})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close overflow store")
		}
	}()

	if list {
		return printEntries(ctx, store, limit)
	}
	return replay(ctx, cfg, store, limit, log)
}

func replay(ctx context.Context, cfg *config.Config, store *overflow.Store, limit int, log zerolog.Logger) error {
	batches, records, err := store.Pending(ctx)
	if err != nil {
		return err
	}
	if batches == 0 {
		log.Info().Str("path", cfg.Overflow.SQLitePath).Msg("nothing to replay")
		return nil
	}

	client, err := oplog.NewTransport(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close transport")
		}
	}()

	log.Info().
		Int("batches", batches).
		Int("records", records).
		Str("transport", cfg.Client.Transport).
		Msg("replaying stored batches")

	started := time.Now()
	n, err := store.Replay(ctx, client, limit)
	log.Info().
		Int("replayed", n).
		Dur("elapsed", time.Since(started)).
		Msg("replay finished")
	return err
}

func printEntries(ctx context.Context, store *overflow.Store, limit int) error {
	entries, err := store.List(ctx, limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tBATCH\tREASON\tATTEMPTS\tRECORDS\tFAILED AT\tLAST ERROR")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%s\t%s\n",
			e.ID, e.BatchID, e.Reason, e.Attempts, e.RecordCount,
			e.FailedAt.UTC().Format(time.RFC3339), e.LastError)
	}
	return w.Flush()
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `oplog-replay resends operation batches stored in the overflow database.

Batches are sent oldest first through the transport selected by
OPLOG_TRANSPORT and removed once the backend acknowledges them. The run
stops at the first batch that fails again.

Usage:
  oplog-replay [flags]

Flags:
%s`, flagSet.FlagUsages())
}
