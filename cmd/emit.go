package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/kalbasit/buildcache/pkg/archive"
	"github.com/kalbasit/buildcache/pkg/artifactcache"
	"github.com/kalbasit/buildcache/pkg/balancer"
	"github.com/kalbasit/buildcache/pkg/config"
	"github.com/kalbasit/buildcache/pkg/database"
	"github.com/kalbasit/buildcache/pkg/emitter"
	"github.com/kalbasit/buildcache/pkg/helper"
	"github.com/kalbasit/buildcache/pkg/kvindex"
	"github.com/kalbasit/buildcache/pkg/lock"
	"github.com/kalbasit/buildcache/pkg/lock/local"
	"github.com/kalbasit/buildcache/pkg/lock/redis"
	"github.com/kalbasit/buildcache/pkg/statspublisher"
)

// ErrNoRemotesConfigured is returned when --only-failed is given without
// any --remote entry; the pipeline has nothing to fail over from.
var ErrNoRemotesConfigured = errors.New("--only-failed requires at least one --remote")

func emitCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:   "emit",
		Usage:  "run the local emitter daemon a compiler wrapper talks to",
		Action: emitAction(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "cache-root",
				Usage:    "The cache root directory ($ROOT)",
				Sources:  flagSources("emit.cache-root", "EMIT_CACHE_ROOT"),
				Required: true,
			},
			&cli.StringFlag{
				Name:     "hostname",
				Usage:    "This emitter's hostname, used to tag published stats events",
				Sources:  flagSources("emit.hostname", "EMIT_HOSTNAME"),
				Required: true,
			},
			&cli.StringFlag{
				Name:     "listen",
				Usage:    "Unix socket path the compiler wrapper connects to",
				Sources:  flagSources("emit.listen", "EMIT_LISTEN"),
				Required: true,
			},
			&cli.StringSliceFlag{
				Name: "remote",
				Usage: "A remote absorber as host:port[,threads[,shard]]; " +
					"repeat for multiple remotes",
				Sources: flagSources("emit.remote", "EMIT_REMOTE"),
			},
			&cli.StringFlag{
				Name:    "cache-max-size",
				Usage:   "Eviction threshold, e.g. 5K, 10G, 1T. Unset disables eviction",
				Sources: flagSources("emit.cache-max-size", "EMIT_CACHE_MAX_SIZE"),
				Validator: func(s string) error {
					if s == "" {
						return nil
					}

					_, err := helper.ParseSize(s)

					return err
				},
			},
			&cli.BoolFlag{
				Name:    "cache-root-shared",
				Usage:   "Whether cache-root is a shared/network filesystem across multiple emitters",
				Sources: flagSources("emit.cache-root-shared", "EMIT_CACHE_ROOT_SHARED"),
			},
			&cli.StringSliceFlag{
				Name:    "redis-addr",
				Usage:   "Redis address(es) backing the distributed lock, required when --cache-root-shared is set",
				Sources: flagSources("emit.redis-addr", "EMIT_REDIS_ADDR"),
			},
			&cli.StringFlag{
				Name:    "archive-s3-endpoint",
				Usage:   "S3-compatible endpoint for the cold-storage archive tier; unset disables it",
				Sources: flagSources("emit.archive.s3-endpoint", "EMIT_ARCHIVE_S3_ENDPOINT"),
			},
			&cli.StringFlag{
				Name:    "archive-s3-bucket",
				Usage:   "S3 bucket for the cold-storage archive tier",
				Sources: flagSources("emit.archive.s3-bucket", "EMIT_ARCHIVE_S3_BUCKET"),
			},
			&cli.StringFlag{
				Name:    "archive-s3-access-key-id",
				Sources: flagSources("emit.archive.s3-access-key-id", "EMIT_ARCHIVE_S3_ACCESS_KEY_ID"),
			},
			&cli.StringFlag{
				Name:    "archive-s3-secret-access-key",
				Sources: flagSources("emit.archive.s3-secret-access-key", "EMIT_ARCHIVE_S3_SECRET_ACCESS_KEY"),
			},
			&cli.BoolFlag{
				Name:    "archive-s3-use-ssl",
				Sources: flagSources("emit.archive.s3-use-ssl", "EMIT_ARCHIVE_S3_USE_SSL"),
				Value:   true,
			},
			&cli.BoolFlag{
				Name:    "only-failed",
				Usage:   "Only route failed remote dispatches to the local fallback, never cache misses directly",
				Sources: flagSources("emit.only-failed", "EMIT_ONLY_FAILED"),
			},
			&cli.IntFlag{
				Name:    "remote-workers",
				Usage:   "Number of remote-dispatch goroutines",
				Sources: flagSources("emit.remote-workers", "EMIT_REMOTE_WORKERS"),
				Value:   4,
			},
			&cli.IntFlag{
				Name:    "local-workers",
				Usage:   "Number of local-fallback-compile goroutines",
				Sources: flagSources("emit.local-workers", "EMIT_LOCAL_WORKERS"),
				Value:   4,
			},
			&cli.IntFlag{
				Name:    "queue-capacity",
				Usage:   "Capacity of each internal task queue before Ingress rejects new requests",
				Sources: flagSources("emit.queue-capacity", "EMIT_QUEUE_CAPACITY"),
				Value:   256,
			},
			&cli.BoolFlag{
				Name:    "snappy",
				Usage:   "Compress stored object bytes with the s2/snappy codec",
				Sources: flagSources("emit.snappy", "EMIT_SNAPPY"),
				Value:   true,
			},
			&cli.StringFlag{
				Name:    "eviction-schedule",
				Usage:   "Cron spec for the periodic background LRU sweep; unset disables it",
				Sources: flagSources("emit.eviction-schedule", "EMIT_EVICTION_SCHEDULE"),
			},
			&cli.StringFlag{
				Name:    "kvindex-url",
				Usage:   "Database URL backing the direct-cache key/value index",
				Sources: flagSources("emit.kvindex-url", "EMIT_KVINDEX_URL"),
				Value:   "sqlite://emit.db",
			},
			&cli.StringFlag{
				Name:    "compiler-version",
				Sources: flagSources("emit.compiler-version", "EMIT_COMPILER_VERSION"),
			},
			&cli.StringFlag{
				Name:    "compiler-full-version",
				Sources: flagSources("emit.compiler-full-version", "EMIT_COMPILER_FULL_VERSION"),
			},
			&cli.StringFlag{
				Name:    "stats-endpoint",
				Usage:   "HTTP endpoint events are POSTed to; unset disables stats publishing",
				Sources: flagSources("emit.stats-endpoint", "EMIT_STATS_ENDPOINT"),
			},
			&cli.DurationFlag{
				Name:    "dial-timeout",
				Sources: flagSources("emit.dial-timeout", "EMIT_DIAL_TIMEOUT"),
				Value:   5 * time.Second,
			},
			&cli.DurationFlag{
				Name:    "read-timeout",
				Sources: flagSources("emit.read-timeout", "EMIT_READ_TIMEOUT"),
				Value:   30 * time.Second,
			},
			&cli.DurationFlag{
				Name:    "write-timeout",
				Sources: flagSources("emit.write-timeout", "EMIT_WRITE_TIMEOUT"),
				Value:   30 * time.Second,
			},
			&cli.IntFlag{
				Name:    "breaker-threshold",
				Usage:   "Consecutive remote failures before a remote's circuit breaker opens",
				Sources: flagSources("emit.breaker-threshold", "EMIT_BREAKER_THRESHOLD"),
				Value:   5,
			},
			&cli.DurationFlag{
				Name:    "breaker-open-timeout",
				Sources: flagSources("emit.breaker-open-timeout", "EMIT_BREAKER_OPEN_TIMEOUT"),
				Value:   30 * time.Second,
			},
		},
	}
}

func emitAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "emit").Logger()
		ctx = logger.WithContext(ctx)

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g, ctx := errgroup.WithContext(ctx)

		defer func() {
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("error returned from g.Wait()")
			}
		}()

		g.Go(func() error {
			return autoMaxProcs(ctx, 30*time.Second, logger)
		})

		if cmd.Bool("only-failed") && len(cmd.StringSlice("remote")) == 0 {
			return ErrNoRemotesConfigured
		}

		db, err := database.Open(ctx, cmd.String("kvindex-url"), nil)
		if err != nil {
			return fmt.Errorf("error opening the kvindex database: %w", err)
		}

		defer db.Close() //nolint:errcheck

		idx := kvindex.New(db)

		locker, err := buildRWLocker(ctx, cmd)
		if err != nil {
			return err
		}

		clusterUUID, err := ensureClusterUUID(ctx, db, locker)
		if err != nil {
			return fmt.Errorf("error establishing the cluster identity: %w", err)
		}

		logger.Info().Str("cluster_uuid", clusterUUID).Msg("cluster identity established")

		var archiver *archive.Archiver

		if s3Endpoint := cmd.String("archive-s3-endpoint"); s3Endpoint != "" {
			archiver, err = archive.New(ctx, archive.Config{
				Bucket:          cmd.String("archive-s3-bucket"),
				Endpoint:        s3Endpoint,
				AccessKeyID:     cmd.String("archive-s3-access-key-id"),
				SecretAccessKey: cmd.String("archive-s3-secret-access-key"),
				UseSSL:          cmd.Bool("archive-s3-use-ssl"),
				ForcePathStyle:  true,
			})
			if err != nil {
				return fmt.Errorf("error creating the archive tier: %w", err)
			}
		}

		var maxSize uint64

		if s := cmd.String("cache-max-size"); s != "" {
			maxSize, err = helper.ParseSize(s)
			if err != nil {
				return fmt.Errorf("error parsing --cache-max-size: %w", err)
			}
		}

		cache, err := artifactcache.Open(ctx, artifactcache.Config{
			Root:             cmd.String("cache-root"),
			MaxSize:          maxSize,
			Snappy:           cmd.Bool("snappy"),
			KVIndex:          idx,
			Locker:           locker,
			Archive:          archiver,
			EvictionSchedule: cmd.String("eviction-schedule"),
		})
		if err != nil {
			return fmt.Errorf("error opening the cache: %w", err)
		}

		bal, err := buildBalancer(cmd)
		if err != nil {
			return err
		}

		var stats *statspublisher.Client

		if endpoint := cmd.String("stats-endpoint"); endpoint != "" {
			stats = statspublisher.New(endpoint, cmd.String("hostname"))
		}

		pipeline, err := emitter.New(emitter.Config{
			Cache:               cache,
			CompilerVersion:     cmd.String("compiler-version"),
			CompilerFullVersion: cmd.String("compiler-full-version"),
			Balancer:            bal,
			RemoteWorkers:       int(cmd.Int("remote-workers")),
			LocalWorkers:        int(cmd.Int("local-workers")),
			OnlyFailed:          cmd.Bool("only-failed"),
			Stats:               stats,
			QueueCapacity:       int(cmd.Int("queue-capacity")),
			DialTimeout:         cmd.Duration("dial-timeout"),
			ReadTimeout:         cmd.Duration("read-timeout"),
			WriteTimeout:        cmd.Duration("write-timeout"),
		})
		if err != nil {
			return fmt.Errorf("error building the emitter pipeline: %w", err)
		}

		pipeline.Start(ctx)
		defer pipeline.Shutdown()

		ln, err := listenUnix(strings.TrimPrefix(cmd.String("listen"), "unix://"))
		if err != nil {
			return err
		}

		logger.Info().
			Str("listen", cmd.String("listen")).
			Str("cache_root", cmd.String("cache-root")).
			Int("remotes", len(cmd.StringSlice("remote"))).
			Msg("emitter started")

		g.Go(func() error {
			return pipeline.Serve(ctx, ln)
		})

		g.Go(func() error {
			return serveAdmin(ctx, cmd, "bcached-emit", nil)
		})

		<-ctx.Done()

		return nil
	}
}

// buildRWLocker returns a local, in-process RWLocker unless --cache-root-shared
// says the cache root is a shared filesystem, in which case it builds a
// Redis-backed distributed one from --redis-addr.
func buildRWLocker(ctx context.Context, cmd *cli.Command) (lock.RWLocker, error) {
	if !cmd.Bool("cache-root-shared") {
		return local.NewRWLocker(), nil
	}

	addrs := cmd.StringSlice("redis-addr")
	if len(addrs) == 0 {
		return nil, fmt.Errorf("--redis-addr is required when --cache-root-shared is set")
	}

	return redis.NewRWLocker(
		ctx,
		redis.Config{Addrs: addrs},
		redis.RetryConfig{MaxAttempts: 3, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second, Jitter: true},
		false,
	)
}

// ensureClusterUUID reads the fleet-wide cluster identity from db, racing
// harmlessly with other emitters sharing it: on a concurrent first SetClusterUUID,
// the loser simply re-reads the winner's value.
func ensureClusterUUID(ctx context.Context, db database.Querier, locker lock.RWLocker) (string, error) {
	cfg := config.New(db, locker)

	id, err := cfg.GetClusterUUID(ctx)
	if err == nil {
		return id, nil
	}

	if !errors.Is(err, config.ErrConfigNotFound) {
		return "", err
	}

	id = uuid.NewString()
	if err := cfg.SetClusterUUID(ctx, id); err != nil {
		return "", err
	}

	return cfg.GetClusterUUID(ctx)
}

// buildBalancer parses --remote entries (host:port[,threads[,shard]]) into a
// Balancer, or returns nil when none were given.
func buildBalancer(cmd *cli.Command) (*balancer.Balancer, error) {
	specs := cmd.StringSlice("remote")
	if len(specs) == 0 {
		return nil, nil //nolint:nilnil
	}

	cfgs := make([]balancer.RemoteConfig, 0, len(specs))

	for _, spec := range specs {
		parts := strings.Split(spec, ",")

		rc := balancer.RemoteConfig{Address: parts[0], Threads: 8}

		if len(parts) > 1 {
			threads, err := strconv.Atoi(strings.TrimSpace(parts[1]))
			if err != nil {
				return nil, fmt.Errorf("error parsing --remote=%q threads: %w", spec, err)
			}

			rc.Threads = threads
		}

		if len(parts) > 2 {
			shard, err := strconv.ParseUint(strings.TrimSpace(parts[2]), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("error parsing --remote=%q shard: %w", spec, err)
			}

			rc.Shard = shard
			rc.HasShard = true
		}

		cfgs = append(cfgs, rc)
	}

	return balancer.New(cfgs, int(cmd.Int("breaker-threshold")), cmd.Duration("breaker-open-timeout")), nil
}

// listenUnix removes a stale socket file left over from an unclean shutdown
// and binds a fresh one at path.
func listenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error removing stale socket %q: %w", path, err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("error listening on %q: %w", path, err)
	}

	return ln, nil
}
