// Command trigger is a one-shot operator CLI for the extraction job
// scheduler: "trigger once" runs a single scheduling cycle and "trigger
// status" prints the current active job.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"

	"github.com/me/fhirsync/internal/catalog"
	"github.com/me/fhirsync/internal/clock"
	"github.com/me/fhirsync/internal/config"
	"github.com/me/fhirsync/internal/jobmanager"
	"github.com/me/fhirsync/internal/jobstore"
	"github.com/me/fhirsync/internal/logging"
	"github.com/me/fhirsync/internal/sourceclient"
	"github.com/me/fhirsync/internal/taskexec"
	"github.com/me/fhirsync/pkg/job"
)

var flags struct {
	start          string
	end            string
	container      string
	resourceTypes  string
	maxConcurrency int
	latencyMinutes int
	leaseHolder    string
	leaseTTL       time.Duration
	dbPath         string
	bucket         string
	sourceURL      string
	outputDir      string
}

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "trigger",
		Short: "Operate the extraction job scheduler",
	}

	root.PersistentFlags().StringVar(&flags.start, "start", "", "lower bound of the first window, RFC3339 (required)")
	root.PersistentFlags().StringVar(&flags.end, "end", "", "upper bound of the last window, RFC3339 (optional)")
	root.PersistentFlags().StringVar(&flags.container, "container", "fhirsync", "output namespace propagated onto each job")
	root.PersistentFlags().StringVar(&flags.resourceTypes, "resource-types", "", "comma-separated resource type filter")
	root.PersistentFlags().IntVar(&flags.maxConcurrency, "max-concurrency", 4, "in-flight task cap")
	root.PersistentFlags().IntVar(&flags.latencyMinutes, "latency-minutes", 2, "latency margin subtracted from now")
	root.PersistentFlags().StringVar(&flags.leaseHolder, "lease-holder", "", "lease holder identity")
	root.PersistentFlags().DurationVar(&flags.leaseTTL, "lease-ttl", 10*time.Minute, "advisory lease TTL")
	root.PersistentFlags().StringVar(&flags.dbPath, "db", "", "sqlite database path")
	root.PersistentFlags().StringVar(&flags.bucket, "bucket", "", "S3 bucket")
	root.PersistentFlags().StringVar(&flags.sourceURL, "source-url", "", "base URL of the upstream record server")
	root.PersistentFlags().StringVar(&flags.outputDir, "output-dir", "./output", "root directory the reference executor writes output parts under")

	root.AddCommand(newOnceCommand())
	root.AddCommand(newStatusCommand())
	return root
}

func newOnceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single scheduling cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			cfg, err := buildConfig()
			if err != nil {
				return err
			}

			store, err := buildStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			sourceClient := sourceclient.NewClient(sourceclient.Config{
				BaseURL:    cfg.SourceServerURL,
				Timeout:    cfg.SourceServerTimeout,
				MaxRetries: cfg.SourceServerMaxRetries,
				RetryDelay: 250 * time.Millisecond,
			}, logger)
			executor := taskexec.NewHTTPExecutor(sourceClient, taskexec.NewPartWriter(flags.outputDir), cfg.ContainerName, logger)
			rtCatalog := catalog.NewStaticCatalog(nil, logger)

			manager := jobmanager.New(store, executor, rtCatalog, clock.Real{}, cfg, logger)
			if err := manager.Trigger(cmd.Context()); err != nil {
				return fmt.Errorf("trigger: %w", err)
			}
			fmt.Println("trigger completed")
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the current active job, if any",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			cfg, err := buildConfig()
			if err != nil {
				return err
			}

			store, err := buildStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			jobs, err := store.GetActiveJobs(cmd.Context())
			if err != nil {
				return fmt.Errorf("loading active jobs: %w", err)
			}
			if len(jobs) == 0 {
				fmt.Println("no active job")
				return nil
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(jobs[0])
		},
	}
}

func newLogger() *slog.Logger {
	return logging.NewLoggerWithWriter(slog.LevelWarn, "text", os.Stderr)
}

func buildConfig() (config.Config, error) {
	cfg := config.DefaultConfig()

	if flags.start == "" {
		return cfg, errors.New("--start is required")
	}
	start, err := time.Parse(time.RFC3339, flags.start)
	if err != nil {
		return cfg, fmt.Errorf("parsing --start: %w", err)
	}
	cfg.StartTime = start

	if flags.end != "" {
		end, err := time.Parse(time.RFC3339, flags.end)
		if err != nil {
			return cfg, fmt.Errorf("parsing --end: %w", err)
		}
		cfg.EndTime = end
	}

	cfg.ContainerName = flags.container
	if flags.resourceTypes != "" {
		cfg.ResourceTypeFilters = strings.Split(flags.resourceTypes, ",")
	}
	cfg.MaxConcurrencyCount = flags.maxConcurrency
	cfg.JobQueryLatencyInMinutes = flags.latencyMinutes
	cfg.LeaseTTL = flags.leaseTTL
	cfg.DBPath = flags.dbPath
	cfg.Bucket = flags.bucket
	cfg.SourceServerURL = flags.sourceURL

	cfg.LeaseHolderID = flags.leaseHolder
	if cfg.LeaseHolderID == "" {
		hostname, _ := os.Hostname()
		cfg.LeaseHolderID = fmt.Sprintf("%s:%d", hostname, os.Getpid())
	}

	if cfg.DBPath == "" && cfg.Bucket == "" {
		return cfg, errors.New("either --db or --bucket must be set")
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
