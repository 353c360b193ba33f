package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openharvest/harvester/internal/api"
	"github.com/openharvest/harvester/internal/checkpoint"
	"github.com/openharvest/harvester/internal/config"
	"github.com/openharvest/harvester/internal/harvest"
	"github.com/openharvest/harvester/internal/orchestrator"
	"github.com/openharvest/harvester/internal/progress"
	"github.com/openharvest/harvester/internal/progress/sinks"
	"github.com/openharvest/harvester/internal/ratelimit"
	"github.com/openharvest/harvester/internal/retry"
	"github.com/openharvest/harvester/internal/runner"
	"github.com/openharvest/harvester/internal/sink"
	"github.com/openharvest/harvester/internal/source"
)

// newRunCmd creates the 'run' subcommand, which executes the full harvest
// over every enabled source in priority order.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Runs the configured harvest jobs",
		Long: `Executes every enabled source in priority order. Each job resumes from its
checkpoint, paces its requests, retries transient failures, and persists its
growing result set after every item.`,
		RunE: runHarvest,
	}
}

func runHarvest(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // stderr sync failures are expected

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	promSink, err := sinks.NewPrometheusSink(registry)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	hub := progress.NewHub(
		progress.Config{Logger: logger},
		sinks.NewLogSink(logger),
		promSink,
	)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := hub.Close(closeCtx); err != nil {
			logger.Warn("progress hub close failed", zap.Error(err))
		}
	}()

	jobs, err := buildJobs(cfg, hub, logger)
	if err != nil {
		return err
	}

	orch := orchestrator.New(jobs, hub, logger)

	var server *api.Server
	if cfg.Server.Enabled {
		server = api.NewServer(registry, logger)
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Server.Port)
			if err := server.Serve(ctx, addr); err != nil {
				logger.Warn("status server failed", zap.Error(err))
			}
		}()
	}

	summary := orch.RunAll(ctx)
	if server != nil {
		server.SetSummary(summary)
	}

	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

// buildJobs assembles one runner per enabled source, sharing the retry policy
// and the per-source rate limiter.
func buildJobs(cfg config.Config, hub *progress.Hub, logger *zap.Logger) ([]harvest.Job, error) {
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS: cfg.Harvest.DefaultRPS,
		OnDelay: func(src string, d time.Duration) {
			hub.Emit(progress.Event{
				Job:   src,
				TS:    time.Now().UTC(),
				Stage: progress.StageRateWait,
				Dur:   d,
			})
		},
	})
	policy := retry.New(retry.Config{
		MaxAttempts:       cfg.Retry.MaxAttempts,
		InitialDelay:      cfg.Retry.InitialDelay(),
		Multiplier:        cfg.Retry.Multiplier,
		MaxDelay:          cfg.Retry.MaxDelay(),
		RateLimitFallback: cfg.Retry.RateLimitFallback(),
	}, logger)
	client := source.NewClient(source.Config{
		Timeout:   cfg.HTTP.Timeout(),
		UserAgent: cfg.HTTP.UserAgent,
	}, logger)

	sources := cfg.SortedSources()
	jobs := make([]harvest.Job, 0, len(sources))
	for _, src := range sources {
		if src.RPS > 0 {
			limiter.SetRate(src.Name, src.RPS)
		}
		job, err := buildSourceJob(cfg, src, client, limiter, policy, hub, logger)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func buildSourceJob(
	cfg config.Config,
	src config.SourceConfig,
	client *source.Client,
	limiter *ratelimit.Limiter,
	policy *retry.Policy,
	hub *progress.Hub,
	logger *zap.Logger,
) (harvest.Job, error) {
	store, err := checkpoint.Open(checkpoint.Config{
		Dir:       cfg.Checkpoint.Dir,
		SaveEvery: cfg.Checkpoint.SaveEvery,
	}, src.Name, logger)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint for %s: %w", src.Name, err)
	}

	artifact := filepath.Join(cfg.Output.Dir, src.Name+".json")
	resultSink, err := sink.New(artifact, src.Name, source.Document.NaturalKey, logger)
	if err != nil {
		return nil, fmt.Errorf("open sink for %s: %w", src.Name, err)
	}

	endpoints := src.Endpoints
	name := src.Name
	category := src.Category
	return &runner.Runner[source.Document]{
		JobName: name,
		Enumerate: func(context.Context) ([]harvest.Item, error) {
			items := make([]harvest.Item, 0, len(endpoints))
			for _, ep := range endpoints {
				items = append(items, harvest.Item{Key: ep})
			}
			return items, nil
		},
		Process: func(ctx context.Context, item harvest.Item) ([]source.Document, int64, error) {
			body, err := client.Get(ctx, item.Key)
			if err != nil {
				return nil, 0, err
			}
			docs, err := source.MapDocuments(name, category, item.Key, body, time.Now().UTC())
			if err != nil {
				return nil, 0, fmt.Errorf("map documents: %w", err)
			}
			return docs, int64(len(body)), nil
		},
		Category: func(d source.Document) string {
			return d.Category
		},
		Checkpoint: store,
		Sink:       resultSink,
		Limiter:    limiter,
		Retry:      policy,
		Workers:    cfg.Harvest.Workers,
		Params:     map[string]string{"category": category},
		Progress:   hub,
		Logger:     logger,
	}, nil
}
