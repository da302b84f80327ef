package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/quota-scraper/pkg/cache"
	"github.com/Sternrassler/quota-scraper/pkg/client"
	"github.com/Sternrassler/quota-scraper/pkg/config"
	"github.com/Sternrassler/quota-scraper/pkg/dispatch"
	"github.com/Sternrassler/quota-scraper/pkg/logging"
	"github.com/Sternrassler/quota-scraper/pkg/metrics"
	"github.com/Sternrassler/quota-scraper/pkg/notify"
	"github.com/Sternrassler/quota-scraper/pkg/pagination"
	"github.com/Sternrassler/quota-scraper/pkg/ratelimit"
	"github.com/Sternrassler/quota-scraper/pkg/sink"
	"github.com/Sternrassler/quota-scraper/pkg/status"
	"github.com/Sternrassler/quota-scraper/pkg/watchdog"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type runOptions struct {
	input    string
	output   string
	counts   bool
	runID    string
	logLevel string
	pretty   bool
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Scrape every repository listed in the input file",
		Long: `Scrape every repository listed in the input file.

The input holds one owner/name or repository URL per line (# starts a
comment), or a CSV file with repo_owner/repo_name or repo_url columns.
Results are written to a CSV file as tasks complete.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScrape(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "file with repositories to scrape (required)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "results/repositories.csv", "CSV results file")
	cmd.Flags().BoolVar(&opts.counts, "counts", false, "also count contributors, pull requests, commits and issues")
	cmd.Flags().StringVar(&opts.runID, "run-id", "", "run identifier (default: random UUID)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&opts.pretty, "pretty", false, "human-readable console logs")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

func runScrape(ctx context.Context, opts *runOptions) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.pretty {
		cfg.Log.Pretty = true
	}

	logger, closeLog, err := logging.SetupWithFile(logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
		Output: os.Stderr,
		File:   cfg.Log.File,
	})
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tasks, err := sink.LoadTasks(opts.input)
	if err != nil {
		return err
	}
	logger.Info().Int("tasks", len(tasks)).Str("input", opts.input).Msg("Tasks loaded")

	pool, err := ratelimit.NewPool(cfg.Tokens, ratelimit.Config{
		Ceiling:      cfg.QuotaCeiling,
		LowWaterMark: cfg.LowWaterMark,
	}, logging.NewLogger("pool"))
	if err != nil {
		if errors.Is(err, ratelimit.ErrNoTokens) {
			return dispatch.ErrNoCredentials
		}
		return err
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = openRedis(ctx, cfg.RedisURL)
		switch {
		case err != nil && cfg.CacheEnabled:
			return err
		case err != nil:
			logger.Warn().Err(err).Msg("Redis unavailable, run status will not be published")
			rdb = nil
		default:
			defer rdb.Close()
		}
	}

	api, err := newAPIClient(cfg, pool, rdb)
	if err != nil {
		return err
	}

	results, err := sink.CreateCSV(opts.output, snapshotColumns...)
	if err != nil {
		return err
	}
	defer func() {
		if err := results.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close results file")
		}
	}()

	notifier := notify.Multi{
		notify.NewLogNotifier(logging.NewLogger("notify")),
		notify.NewDiscord(cfg.DiscordWebhookURL),
	}

	dcfg := dispatch.Config{
		MaxWorkers:         cfg.MaxWorkers,
		RecoveryWindow:     cfg.RecoveryWindow,
		RetryAfterRecovery: cfg.RetryAfterRecovery,
		ProgressEvery:      cfg.ProgressEvery,
		RunID:              opts.runID,
		Sink:               results,
		Notifier:           notifier,
	}
	if rdb != nil {
		dcfg.Status = status.NewStore(rdb, status.DefaultTTL)
	}

	fetcher := pagination.NewBatchFetcher(api, pagination.DefaultConfig())
	d, err := dispatch.New(pool, snapshotProcessor(api, fetcher, opts.counts), dcfg)
	if err != nil {
		return err
	}

	bgCtx, cancelBackground := context.WithCancel(ctx)
	defer cancelBackground()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(bgCtx, cfg.MetricsAddr, logging.NewLogger("metrics")); err != nil {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	wd, err := watchdog.New(d, notify.NewAsync(notifier, logging.NewLogger("watchdog")), watchdog.Config{
		Interval:  cfg.Watchdog.Interval,
		Threshold: cfg.Watchdog.Threshold,
	})
	if err != nil {
		return err
	}
	go wd.Run(bgCtx)

	summary, runErr := d.Run(ctx, tasks)
	cancelBackground()

	logSummary(logger, summary, opts.output)
	if runErr != nil {
		return fmt.Errorf("run %s interrupted: %w", summary.RunID, runErr)
	}
	return nil
}

func newAPIClient(cfg *config.Config, pool *ratelimit.Pool, rdb *redis.Client) (*client.Client, error) {
	ccfg := client.DefaultConfig()
	ccfg.Retry = client.RetryConfig{
		MaxAttempts: cfg.MaxAttempts,
		Delays:      cfg.Backoff,
		Pacing:      cfg.Pacing,
		Timeout:     cfg.RequestTimeout,
	}
	ccfg.BaseURL = cfg.APIURL
	ccfg.GraphQLURL = cfg.GraphQLURL
	if cfg.CacheEnabled && rdb != nil {
		ccfg.Cache = cache.NewManager(rdb, cfg.CacheRetention)
	}

	api, err := client.New(pool, ccfg)
	if err != nil {
		return nil, err
	}
	api.SetLogger(logging.NewLogger("client"))
	return api, nil
}

func logSummary(logger zerolog.Logger, s dispatch.Summary, output string) {
	event := logger.Info().
		Str("run_id", s.RunID).
		Int("total", s.Total).
		Int("completed", s.Completed).
		Int("errors", s.Errors).
		Int("panics", s.Panics).
		Int("recoveries", s.Recoveries).
		Int("api_requests", s.TotalRequests).
		Dur("duration", s.Duration).
		Str("output", output)
	for kind, n := range s.Counts {
		event = event.Int(string(kind), n)
	}
	event.Msg("Run summary")
}
