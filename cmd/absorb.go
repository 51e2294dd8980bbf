package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/kalbasit/buildcache/pkg/absorber"
	"github.com/kalbasit/buildcache/pkg/artifactcache"
	"github.com/kalbasit/buildcache/pkg/compiler"
	"github.com/kalbasit/buildcache/pkg/database"
	"github.com/kalbasit/buildcache/pkg/helper"
	"github.com/kalbasit/buildcache/pkg/kvindex"
	"github.com/kalbasit/buildcache/pkg/lock/local"
)

// ErrInvalidCompilerFlag is returned for a --compiler entry not in the
// required version=path form.
var ErrInvalidCompilerFlag = errors.New("--compiler must be version=path")

// ErrInvalidPluginFlag is returned for a --plugin entry not in the
// required name=path form.
var ErrInvalidPluginFlag = errors.New("--plugin must be name=path")

func absorbCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:   "absorb",
		Usage:  "run the remote worker daemon that accepts dispatched compiles",
		Action: absorbAction(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "listen",
				Usage:    "Unix socket path emitters dial, e.g. unix:///run/bcached/absorb.sock",
				Sources:  flagSources("absorb.listen", "ABSORB_LISTEN"),
				Required: true,
			},
			&cli.StringFlag{
				Name:    "cache-root",
				Usage:   "Optional cache root this absorber consults/populates before compiling",
				Sources: flagSources("absorb.cache-root", "ABSORB_CACHE_ROOT"),
			},
			&cli.StringFlag{
				Name:    "kvindex-url",
				Usage:   "Database URL backing the absorber's own direct-cache key/value index",
				Sources: flagSources("absorb.kvindex-url", "ABSORB_KVINDEX_URL"),
				Value:   "sqlite://absorb.db",
			},
			&cli.StringSliceFlag{
				Name:     "compiler",
				Usage:    "A served compiler version as version=path; repeat for multiple versions",
				Sources:  flagSources("absorb.compiler", "ABSORB_COMPILER"),
				Required: true,
			},
			&cli.StringSliceFlag{
				Name:    "plugin",
				Usage:   "A servable compiler plugin as name=path; repeat for multiple plugins",
				Sources: flagSources("absorb.plugin", "ABSORB_PLUGIN"),
			},
			&cli.BoolFlag{
				Name:    "snappy",
				Sources: flagSources("absorb.snappy", "ABSORB_SNAPPY"),
				Value:   true,
			},
			&cli.StringFlag{
				Name:    "cache-max-size",
				Sources: flagSources("absorb.cache-max-size", "ABSORB_CACHE_MAX_SIZE"),
			},
		},
	}
}

func absorbAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "absorb").Logger()
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

		compilerPaths, err := parseKVFlags(cmd.StringSlice("compiler"), ErrInvalidCompilerFlag)
		if err != nil {
			return err
		}

		plugins, err := parseKVFlags(cmd.StringSlice("plugin"), ErrInvalidPluginFlag)
		if err != nil {
			return err
		}

		var cache *artifactcache.Cache

		if root := cmd.String("cache-root"); root != "" {
			db, err := database.Open(ctx, cmd.String("kvindex-url"), nil)
			if err != nil {
				return fmt.Errorf("error opening the kvindex database: %w", err)
			}

			defer db.Close() //nolint:errcheck

			var maxSize uint64

			if s := cmd.String("cache-max-size"); s != "" {
				maxSize, err = helper.ParseSize(s)
				if err != nil {
					return fmt.Errorf("error parsing --cache-max-size: %w", err)
				}
			}

			cache, err = artifactcache.Open(ctx, artifactcache.Config{
				Root:    root,
				MaxSize: maxSize,
				Snappy:  cmd.Bool("snappy"),
				KVIndex: kvindex.New(db),
				Locker:  local.NewRWLocker(),
			})
			if err != nil {
				return fmt.Errorf("error opening the cache: %w", err)
			}
		}

		a := absorber.New(absorber.Config{
			Cache:         cache,
			CompilerPaths: compilerPaths,
			Plugins:       plugins,
			Runner:        compiler.NewExecRunner(),
		})

		ln, err := listenUnix(strings.TrimPrefix(cmd.String("listen"), "unix://"))
		if err != nil {
			return err
		}

		logger.Info().
			Str("listen", cmd.String("listen")).
			Int("compilers", len(compilerPaths)).
			Int("plugins", len(plugins)).
			Msg("absorber started")

		g.Go(func() error {
			return a.Serve(ctx, ln)
		})

		g.Go(func() error {
			return serveAdmin(ctx, cmd, "bcached-absorb", nil)
		})

		<-ctx.Done()

		return nil
	}
}

// parseKVFlags parses a list of "key=value" flag entries into a map,
// returning invalidErr wrapped with the offending entry on malformed input.
func parseKVFlags(entries []string, invalidErr error) (map[string]string, error) {
	out := make(map[string]string, len(entries))

	for _, e := range entries {
		k, v, ok := strings.Cut(e, "=")
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("%w: got %q", invalidErr, e)
		}

		out[k] = v
	}

	return out, nil
}
