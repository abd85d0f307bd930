package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/pwproxy/blob"
	"github.com/pithecene-io/pwproxy/child"
	"github.com/pithecene-io/pwproxy/config"
	"github.com/pithecene-io/pwproxy/dispatch"
	"github.com/pithecene-io/pwproxy/intercept"
	"github.com/pithecene-io/pwproxy/log"
	"github.com/pithecene-io/pwproxy/metrics"
	"github.com/pithecene-io/pwproxy/notify"
	"github.com/pithecene-io/pwproxy/notify/redis"
	"github.com/pithecene-io/pwproxy/notify/webhook"
	"github.com/pithecene-io/pwproxy/pool"
	"github.com/pithecene-io/pwproxy/snapcache"
	"github.com/pithecene-io/pwproxy/types"
)

// Lifecycle notifier endpoints, read from the environment.
const (
	envNotifyRedisURL   = "PW_MCP_PROXY_NOTIFY_REDIS_URL"
	envNotifyWebhookURL = "PW_MCP_PROXY_NOTIFY_WEBHOOK_URL"
)

// ServeCommand returns the serve command: start the fleet and run until
// interrupted.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Start the browser fleet and serve until interrupted",
		Flags:  []cli.Flag{ConfigFlag},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	logger := log.NewLogger()

	tree, err := config.Load(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if err := config.Validate(tree); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector()

	store, err := buildBlobStore(ctx, tree, logger)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	notifier, err := buildNotifier(logger)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if notifier != nil {
		defer notifier.Close()
	}

	registry, err := pool.NewRegistry(pool.RegistryConfig{
		Tree:     tree,
		Factory:  runnerFactory(tree.Runtime, logger),
		Logger:   logger,
		Metrics:  collector,
		Notifier: notifier,
	})
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	logger.Info("starting browser fleet", map[string]any{
		"version": types.Version,
		"pools":   len(tree.Pools),
	})
	registry.InitAll(ctx)
	registry.RunHealthLoops(ctx)

	cache := snapcache.New()
	go store.RunSweeper(ctx, tree.Blob.SweepInterval())
	go cache.RunEvictor(ctx, tree.Runtime.SnapshotTTL.Duration)

	// The embedding MCP server drives this dispatcher; serve builds it
	// so the full wiring is validated end to end.
	dispatcher := dispatch.New(dispatch.Config{
		Registry:    registry,
		Interceptor: buildInterceptor(store, tree, logger, collector),
		Cache:       cache,
		Processor:   dispatch.IdentityProcessor{},
		CallTimeout: tree.Runtime.CallTimeout.Duration,
		SnapshotTTL: tree.Runtime.SnapshotTTL.Duration,
		Metrics:     collector,
		Logger:      logger,
	})
	if status, err := dispatcher.PoolStatus(""); err == nil {
		logger.Info("dispatch ready", map[string]any{
			"pools":             status.Summary.TotalPools,
			"healthy_instances": status.Summary.HealthyInstances,
			"call_timeout":      tree.Runtime.CallTimeout.Duration.String(),
		})
	}

	<-ctx.Done()
	logger.Info("shutdown signal received", nil)
	registry.ShutdownAll(tree.Runtime.StopGrace.Duration)

	snap := collector.Snapshot()
	logger.Info("fleet stopped", map[string]any{
		"tool_calls":    snap.ToolCalls,
		"child_crashes": snap.ChildCrashes,
		"blob_puts":     snap.BlobPuts,
	})
	return nil
}

func runnerFactory(rt config.RuntimeSettings, logger *log.Logger) pool.RunnerFactory {
	return func(spec config.InstanceSpec) pool.Runner {
		return child.New(child.Config{
			Spec:           spec,
			CallTimeout:    rt.CallTimeout.Duration,
			StartupTimeout: rt.StartupTimeout.Duration,
			Logger:         logger,
		})
	}
}

func buildBlobStore(ctx context.Context, tree *config.Tree, logger *log.Logger) (*blob.Store, error) {
	var opts []blob.Option
	if tree.Blob.S3Bucket != "" {
		archiver, err := blob.NewS3Archiver(ctx, blob.S3Config{
			Bucket: tree.Blob.S3Bucket,
			Prefix: tree.Blob.S3Prefix,
			Region: tree.Blob.S3Region,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, blob.WithArchiver(archiver))
		logger.Info("blob S3 mirroring enabled", map[string]any{
			"bucket": tree.Blob.S3Bucket,
		})
	}
	return blob.NewStore(tree.Blob.StorageRoot, tree.Blob.MaxBytes(), tree.Blob.TTL(), logger, opts...)
}

func buildInterceptor(store *blob.Store, tree *config.Tree, logger *log.Logger, collector *metrics.Collector) *intercept.Interceptor {
	return intercept.New(store, tree.Blob.ThresholdBytes(), logger, collector)
}

func buildNotifier(logger *log.Logger) (notify.Notifier, error) {
	if url := os.Getenv(envNotifyRedisURL); url != "" {
		logger.Info("lifecycle notifier: redis", map[string]any{"url": url})
		return redis.New(redis.Config{URL: url})
	}
	if url := os.Getenv(envNotifyWebhookURL); url != "" {
		logger.Info("lifecycle notifier: webhook", map[string]any{"url": url})
		return webhook.New(webhook.Config{URL: url})
	}
	return nil, nil
}
