// Command scheduler runs the extraction job scheduler as a long-lived
// daemon: a ticker calls JobManager.Trigger on a fixed interval, and a
// small HTTP surface exposes liveness and the active job.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/me/fhirsync/internal/catalog"
	"github.com/me/fhirsync/internal/clock"
	"github.com/me/fhirsync/internal/config"
	"github.com/me/fhirsync/internal/jobmanager"
	"github.com/me/fhirsync/internal/jobstore"
	"github.com/me/fhirsync/internal/logging"
	"github.com/me/fhirsync/internal/sourceclient"
	"github.com/me/fhirsync/internal/statusapi"
	"github.com/me/fhirsync/internal/taskexec"
	"github.com/me/fhirsync/pkg/job"
)

func main() {
	var (
		startTime      = flag.String("start", "", "lower bound of the first window, RFC3339 (required)")
		endTime        = flag.String("end", "", "upper bound of the last window, RFC3339 (optional)")
		containerName  = flag.String("container", "fhirsync", "output namespace propagated onto each job")
		resourceTypes  = flag.String("resource-types", "", "comma-separated resource type filter; empty uses the catalog")
		maxConcurrency = flag.Int("max-concurrency", 4, "in-flight task cap")
		latencyMinutes = flag.Int("latency-minutes", 2, "latency margin subtracted from now")
		leaseHolder    = flag.String("lease-holder", "", "lease holder identity; defaults to hostname:pid")
		leaseTTL       = flag.Duration("lease-ttl", 10*time.Minute, "advisory lease TTL")
		dbPath         = flag.String("db", "", "sqlite database path; selects the local JobStore backend")
		bucket         = flag.String("bucket", "", "S3 bucket; selects the production JobStore backend when -db is empty")
		sourceURL      = flag.String("source-url", "", "base URL of the upstream record server")
		outputDir      = flag.String("output-dir", "./output", "root directory the reference executor writes output parts under")
		interval       = flag.Duration("interval", time.Minute, "how often Trigger runs")
		addr           = flag.String("addr", ":8080", "status HTTP listen address")
		logFormat      = flag.String("log-format", "text", "log output format: text or json")
		logLevel       = flag.String("log-level", "info", "log level: debug, info, warn, or error")
	)
	flag.Parse()

	logger := logging.NewLoggerWithWriter(logging.ParseLevel(*logLevel), *logFormat, os.Stdout)

	cfg, err := buildConfig(*startTime, *endTime, *containerName, *resourceTypes, *maxConcurrency, *latencyMinutes, *leaseHolder, *leaseTTL, *dbPath, *bucket, *sourceURL)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("building job store failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	sourceClient := sourceclient.NewClient(sourceclient.Config{
		BaseURL:    cfg.SourceServerURL,
		Timeout:    cfg.SourceServerTimeout,
		MaxRetries: cfg.SourceServerMaxRetries,
		RetryDelay: 250 * time.Millisecond,
	}, logger)
	executor := taskexec.NewHTTPExecutor(sourceClient, taskexec.NewPartWriter(*outputDir), cfg.ContainerName, logger)
	rtCatalog := catalog.NewStaticCatalog(nil, logger)

	manager := jobmanager.New(store, executor, rtCatalog, clock.Real{}, cfg, logger)

	statusServer := &http.Server{Addr: *addr, Handler: statusapi.NewRouter(store, logger)}
	go func() {
		logger.Info("status server listening", "addr", *addr)
		if err := statusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server failed", "error", err)
		}
	}()

	runLoop(ctx, manager, *interval, logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := statusServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("status server shutdown failed", "error", err)
	}
}

func runLoop(ctx context.Context, manager *jobmanager.JobManager, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := manager.Trigger(ctx); err != nil {
			logger.Error("trigger failed", "error", err)
		}

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case <-ticker.C:
		}
	}
}

func buildConfig(startTime, endTime, containerName, resourceTypes string, maxConcurrency, latencyMinutes int, leaseHolder string, leaseTTL time.Duration, dbPath, bucket, sourceURL string) (config.Config, error) {
	cfg := config.DefaultConfig()

	if startTime == "" {
		return cfg, errors.New("-start is required")
	}
	start, err := time.Parse(time.RFC3339, startTime)
	if err != nil {
		return cfg, fmt.Errorf("parsing -start: %w", err)
	}
	cfg.StartTime = start

	if endTime != "" {
		end, err := time.Parse(time.RFC3339, endTime)
		if err != nil {
			return cfg, fmt.Errorf("parsing -end: %w", err)
		}
		cfg.EndTime = end
	}

	cfg.ContainerName = containerName
	if resourceTypes != "" {
		cfg.ResourceTypeFilters = strings.Split(resourceTypes, ",")
	}
	cfg.MaxConcurrencyCount = maxConcurrency
	cfg.JobQueryLatencyInMinutes = latencyMinutes
	cfg.LeaseTTL = leaseTTL
	cfg.DBPath = dbPath
	cfg.Bucket = bucket
	cfg.SourceServerURL = sourceURL

	cfg.LeaseHolderID = leaseHolder
	if cfg.LeaseHolderID == "" {
		hostname, _ := os.Hostname()
		cfg.LeaseHolderID = fmt.Sprintf("%s:%d", hostname, os.Getpid())
	}

	if cfg.DBPath == "" && cfg.Bucket == "" {
		return cfg, errors.New("either -db or -bucket must be set")
	}

	return cfg, nil
}

func buildStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (job.Store, error) {
	if cfg.DBPath != "" {
		return jobstore.OpenSQLiteStore(cfg.DBPath, cfg.LeaseHolderID, cfg.LeaseTTL, logger)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return jobstore.NewS3Store(client, cfg.Bucket, cfg.ContainerName, cfg.LeaseHolderID, cfg.LeaseTTL, logger), nil
}
