package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/pflag"

	"github.com/blackmichael/bbs/internal/atproto"
	"github.com/blackmichael/bbs/internal/backfill"
	"github.com/blackmichael/bbs/internal/config"
	"github.com/blackmichael/bbs/internal/firehose"
	"github.com/blackmichael/bbs/internal/httpserver"
	"github.com/blackmichael/bbs/internal/ingest"
	"github.com/blackmichael/bbs/internal/logging"
	"github.com/blackmichael/bbs/internal/sqlstore"
	"github.com/blackmichael/bbs/internal/supervisor"
	"github.com/blackmichael/bbs/internal/telemetry"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		dbURL      string
		pdsURL     string
		streamURL  string
		protocol   string
	)

	flags := pflag.NewFlagSet("bbs", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "Path to a YAML config file (or set BBS_CONFIG)")
	flags.StringVar(&dbURL, "db", "", "Database: postgres:// URL or SQLite path")
	flags.StringVar(&pdsURL, "pds", "", "PDS base URL (e.g. https://pds.example.com)")
	flags.StringVar(&streamURL, "stream", "", "Live stream URL (defaults to the PDS's subscribeRepos)")
	flags.StringVar(&protocol, "protocol", "", "Stream protocol: firehose or jetstream")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.ApplyFlags(dbURL, pdsURL, streamURL, protocol)
	if err := cfg.Validate(); err != nil {
		return err
	}
	subs, err := cfg.ResolvedSubscriptions()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName, version)
	if err != nil {
		return fmt.Errorf("set up telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("error shutting down tracing", "error", err)
		}
	}()

	store, err := sqlstore.Open(ctx, cfg.Database.URL, sqlstore.Options{MaxOpenConns: cfg.Database.MaxOpenConns})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	logger.Info("connected to database", "dialect", store.Dialect())

	var dictionary []byte
	if cfg.PDS.ZstdDictionary != "" {
		dictionary, err = os.ReadFile(cfg.PDS.ZstdDictionary)
		if err != nil {
			return fmt.Errorf("read zstd dictionary: %w", err)
		}
	}

	mat := ingest.NewMaterializer(store, ingest.DurableLedger{}, ingest.MaterializerConfig{
		RetryInitial:   cfg.Database.RetryInitial,
		RetryMax:       cfg.Database.RetryMax,
		RetryBudget:    cfg.Database.RetryBudget,
		BreakerTimeout: cfg.Database.BreakerTimeout,
	}, logger)
	locks := ingest.NewKeyedMutex()
	decoder := firehose.NewDecoder()

	tree := supervisor.New(logger, supervisor.Config{})

	targets := make([]ingest.PruneTarget, 0, len(subs))
	for _, sub := range subs {
		subLogger := logger.With("subscription", string(sub.ID))

		pds := atproto.NewClient(sub.PDSURL, cfg.PDS.PageTimeout)
		desc, err := checkPDS(ctx, pds, cfg.PDS, subLogger)
		if err != nil {
			return fmt.Errorf("check pds %s: %w", sub.PDSURL, err)
		}
		subLogger.Info("pds reachable", "did", desc.DID, "protocol", sub.Protocol, "stream", sub.StreamURL)

		client, err := firehose.NewClient(sub, store, firehose.ClientConfig{
			Collections:    cfg.PDS.Collections,
			ConnectTimeout: cfg.PDS.ConnectTimeout,
			ReadTimeout:    cfg.PDS.ReadTimeout,
			BackoffInitial: cfg.PDS.BackoffInitial,
			BackoffMax:     cfg.PDS.BackoffMax,
			Compress:       cfg.PDS.Compress,
			ZstdDictionary: dictionary,
		}, subLogger)
		if err != nil {
			return fmt.Errorf("create stream client: %w", err)
		}
		defer client.Close()

		pager := atproto.NewPager(pds, sub.ID, cfg.PDS.PageSize, subLogger)
		coordinator := backfill.NewCoordinator(sub.ID, pager, backfill.Config{
			PageTimeout:    cfg.PDS.PageTimeout,
			PagesPerSecond: cfg.PDS.PagesPerSecond,
			BackoffInitial: cfg.PDS.BackoffInitial,
			BackoffMax:     cfg.PDS.BackoffMax,
			RetryBudget:    cfg.Database.RetryBudget,
		}, subLogger)

		pipeline := ingest.NewPipeline(sub, store, mat, decoder, client, coordinator, locks, ingest.PipelineConfig{
			QueueSize:    cfg.Ingest.QueueSize,
			HeadWait:     cfg.Ingest.HeadWait,
			ApplyTimeout: cfg.Database.ApplyTimeout,
			MaxCursorAge: cfg.Ingest.MaxCursorAge,
		}, subLogger)
		tree.AddIngest(pipeline)
		targets = append(targets, ingest.PruneTarget{Subscription: sub.ID, Margin: cfg.Ledger.Margin(sub.Protocol)})
	}

	tree.AddOps(ingest.NewPruner(store, targets, cfg.Ledger.PruneInterval, cfg.Ledger.Retention, logger))
	if cfg.HTTP.Addr != "" {
		tree.AddOps(httpserver.NewServer(httpserver.Options{
			Addr:                  cfg.HTTP.Addr,
			CORSOrigins:           cfg.HTTP.CORSOrigins,
			ReadRequestsPerMinute: cfg.HTTP.ReadRequestsPerMinute,
		}, store, logger))
	}

	logger.Info("indexer started", "version", version, "subscriptions", len(subs))

	err = tree.Serve(ctx)
	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil {
		for _, u := range report {
			logger.Error("service did not stop in time", "service", u.Name)
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor: %w", err)
	}

	logger.Info("shut down cleanly")
	return nil
}

// checkPDS checks the PDS answers describeServer, retrying transient failures
// up to the configured startup budget.
func checkPDS(ctx context.Context, pds *atproto.Client, cfg config.PDSConfig, logger *slog.Logger) (atproto.ServerDescription, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BackoffInitial
	b.MaxInterval = cfg.BackoffMax

	return backoff.Retry(ctx, func() (atproto.ServerDescription, error) {
		desc, err := pds.DescribeServer(ctx)
		if err != nil && !atproto.IsTemporary(err) {
			return desc, backoff.Permanent(err)
		}
		return desc, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(cfg.StartupRetries+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("pds not reachable, retrying", "error", err, "retry_in", next)
		}),
	)
}
