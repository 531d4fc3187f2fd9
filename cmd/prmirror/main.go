package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/devtrack/prmirror/pkg/config"
	"github.com/devtrack/prmirror/pkg/githubclient"
	"github.com/devtrack/prmirror/pkg/metrics"
	"github.com/devtrack/prmirror/pkg/prsync"
	"github.com/devtrack/prmirror/pkg/ratelimit"
	"github.com/devtrack/prmirror/pkg/scheduler"
	"github.com/devtrack/prmirror/pkg/store"
)

type options struct {
	configFile      string
	databaseURL     string
	databaseURLPath string
	githubTokenPath string
	githubBaseURL   string

	runOnce     bool
	dryRun      bool
	intervalRaw string
	interval    time.Duration

	state         string
	sinceRaw      string
	since         *time.Time
	maxPRs        int
	repos         flagStrings
	retryFailures bool

	metricsPort int
	logLevel    string
}

type flagStrings []string

func (f *flagStrings) String() string { return strings.Join(*f, ",") }
func (f *flagStrings) Set(v string) error {
	*f = append(*f, v)
	return nil
}

func gatherOptions() options {
	o := options{}
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	fs.StringVar(&o.configFile, "config-file", "", "Path to the YAML configuration file.")
	fs.StringVar(&o.databaseURL, "database-url", "", "Postgres connection URL. Prefer --database-url-path to keep credentials out of process lists.")
	fs.StringVar(&o.databaseURLPath, "database-url-path", "", "Path to a file containing the Postgres connection URL.")
	fs.StringVar(&o.githubTokenPath, "github-token-path", "", "Path to a file containing the GitHub API token.")
	fs.StringVar(&o.githubBaseURL, "github-base-url", "", "GitHub API base URL for Enterprise deployments.")

	fs.BoolVar(&o.runOnce, "run-once", false, "If true, run one sync pass then quit.")
	fs.BoolVar(&o.dryRun, "dry-run", false, "Fetch and classify but do not write to the database.")
	fs.StringVar(&o.intervalRaw, "interval", "1h", "Parseable duration string that specifies the sync period.")

	fs.StringVar(&o.state, "state", "all", "PR state filter for discovery: open, merged or all.")
	fs.StringVar(&o.sinceRaw, "since", "", "RFC3339 instant; PRs created before it are skipped.")
	fs.IntVar(&o.maxPRs, "max-prs", 0, "Cap on discovered PRs per repository; 0 means unlimited.")
	fs.Var(&o.repos, "repo", "owner/name repository to sync. Repeatable; defaults to the configured tracked set.")
	fs.BoolVar(&o.retryFailures, "retry-failures", false, "Also retry pending sync failures each pass.")

	fs.IntVar(&o.metricsPort, "metrics-port", 9090, "Port the Prometheus endpoint listens on. 0 disables it.")
	fs.StringVar(&o.logLevel, "log-level", "info", "Logrus log level.")

	if err := fs.Parse(os.Args[1:]); err != nil {
		logrus.WithError(err).Fatal("could not parse input")
	}
	return o
}

func (o *options) complete() error {
	var err error
	o.interval, err = time.ParseDuration(o.intervalRaw)
	if err != nil {
		return fmt.Errorf("invalid --interval: %w", err)
	}
	if o.sinceRaw != "" {
		t, err := time.Parse(time.RFC3339, o.sinceRaw)
		if err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
		o.since = &t
	}
	if o.databaseURLPath != "" {
		raw, err := os.ReadFile(o.databaseURLPath)
		if err != nil {
			return fmt.Errorf("could not read --database-url-path: %w", err)
		}
		o.databaseURL = strings.TrimSpace(string(raw))
	}
	return nil
}

func (o *options) validate() error {
	if o.databaseURL == "" {
		return fmt.Errorf("one of --database-url or --database-url-path is required")
	}
	switch prsync.StateFilter(o.state) {
	case prsync.StateOpen, prsync.StateMerged, prsync.StateAll:
	default:
		return fmt.Errorf("invalid --state %q: must be open, merged or all", o.state)
	}
	if _, err := logrus.ParseLevel(o.logLevel); err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	return nil
}

func main() {
	o := gatherOptions()
	if err := o.complete(); err != nil {
		logrus.WithError(err).Fatal("failed to complete options")
	}
	if err := o.validate(); err != nil {
		logrus.WithError(err).Fatal("failed to validate options")
	}
	level, _ := logrus.ParseLevel(o.logLevel)
	logrus.SetLevel(level)
	logger := logrus.NewEntry(logrus.StandardLogger())

	cfg, err := config.Load(o.configFile)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}
	gracePeriod, err := cfg.GracePeriod()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to parse merge grace period")
	}

	var token string
	if o.githubTokenPath != "" {
		raw, err := os.ReadFile(o.githubTokenPath)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to read GitHub token")
		}
		token = strings.TrimSpace(string(raw))
	}

	db, err := store.Open(o.databaseURL)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()
	if err := store.Migrate(db.DB); err != nil {
		logrus.WithError(err).Fatal("Failed to migrate database")
	}

	monitor := ratelimit.NewMonitor(ratelimit.Thresholds{
		HealthyPct:         cfg.RateLimit.HealthyThresholdPct,
		WarningPct:         cfg.RateLimit.WarningThresholdPct,
		CriticalPct:        cfg.RateLimit.CriticalThresholdPct,
		MinRemainingBuffer: cfg.RateLimit.MinRemainingBuffer,
	}, logger)
	pacer := ratelimit.NewPacer(monitor, ratelimit.PacerConfig{
		MinInterval:      cfg.MinInterval(),
		MaxInterval:      cfg.MaxInterval(),
		ReserveBufferPct: cfg.Pacing.ReserveBufferPct,
		BurstAllowance:   cfg.Pacing.BurstAllowance,
	}, logger)

	clientMonitor := monitor
	if !cfg.TrackHeaders() {
		clientMonitor = nil
	}
	client, err := githubclient.New(githubclient.Options{
		Token:   token,
		BaseURL: o.githubBaseURL,
	}, pacer, clientMonitor, logger)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to build GitHub client")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := monitor.Initialize(ctx, client); err != nil {
		logger.WithError(err).Warn("Could not bootstrap rate limit state, continuing with header tracking only")
	}

	sched := scheduler.New(pacer, scheduler.Config{
		MaxConcurrent: cfg.Pacing.MaxConcurrentRequests,
		MaxRetries:    cfg.Sync.MaxRetries,
	}, logger)
	sched.Start()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		sched.Shutdown(shutdownCtx)
	}()

	var instruments *metrics.Metrics
	if o.metricsPort > 0 {
		reg := prometheus.NewRegistry()
		instruments = metrics.New(reg, sched, monitor)
		client.InstrumentRequests(instruments.ObserveRequestSeconds)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(fmt.Sprintf(":%d", o.metricsPort), mux); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Error("Metrics endpoint failed")
			}
		}()
	}

	bulkCfg := prsync.BulkConfig{
		Since:        o.since,
		State:        prsync.StateFilter(o.state),
		MaxPRs:       o.maxPRs,
		DryRun:       o.dryRun,
		MaxBatchSize: cfg.Sync.MaxBatchSize,
	}

	runPass := func() {
		session, err := store.NewSession(db, logger)
		if err != nil {
			logger.WithError(err).Error("Could not open a store session")
			return
		}
		defer func() {
			if err := session.Close(); err != nil {
				logger.WithError(err).Error("Could not close the store session")
			}
		}()

		commits := store.NewCommitManager(session, cfg.Sync.CommitBatchSize, logger)
		gh := prsync.NewGitHub(client)
		ingest := prsync.NewService(gh, session, gracePeriod, nil, logger)
		bulk := prsync.NewBulkService(gh, session, ingest, sched, commits, logger)
		if instruments != nil {
			bulk.InstrumentOutcomes(instruments.ObserveOutcome)
			commits.OnCommit(func(int) { instruments.ObserveCommit() })
		}
		orchestrator := prsync.NewOrchestrator(bulk, session, cfg.TrackedRepositories, logger)

		result := orchestrator.SyncAll(ctx, o.repos, bulkCfg)
		for _, failure := range result.Failures {
			logger.WithField("repo", failure.Repository).WithField("error", failure.Message).Error("Repository failed to sync")
		}
		logger.WithFields(logrus.Fields{
			"repos":  len(result.Results),
			"failed": result.TotalFailed(),
		}).Info("Sync pass finished")

		if o.retryFailures && !o.dryRun {
			retry := prsync.NewRetryService(session, ingest, cfg.Sync.MaxRetries, logger)
			retried, err := retry.RetryPending(ctx, "", 0)
			if err != nil {
				logger.WithError(err).Error("Failure retry pass errored")
			} else {
				logger.WithFields(logrus.Fields{
					"attempted": retried.Attempted,
					"resolved":  retried.Resolved,
					"permanent": retried.Permanent,
				}).Info("Failure retry pass finished")
			}
		}

		if _, err := commits.Finalize(); err != nil {
			logger.WithError(err).Error("Final commit failed")
		}
	}

	runPass()
	if o.runOnce {
		return
	}

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down")
			return
		case <-ticker.C:
			runPass()
		}
	}
}
