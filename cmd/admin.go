package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/kalbasit/buildcache/pkg/prometheus"
	"github.com/kalbasit/buildcache/pkg/server"
)

// serveAdmin builds the admin HTTP surface (health/readiness, and /metrics
// when --prometheus-enabled) and runs it until ctx is canceled. ready, when
// non-nil, backs /readyz. It blocks until the listener stops; callers
// typically run it in an errgroup goroutine.
func serveAdmin(ctx context.Context, cmd *cli.Command, serviceName string, ready server.ReadyFunc) error {
	logger := zerolog.Ctx(ctx).With().Str("surface", "admin").Logger()

	srv := server.New(logger, serviceName)
	if ready != nil {
		srv.SetReadyFunc(ready)
	}

	if cmd.Root().Bool("prometheus-enabled") {
		gatherer, shutdown, err := prometheus.SetupPrometheusMetrics(ctx, serviceName, Version)
		if err != nil {
			return fmt.Errorf("error setting up Prometheus metrics: %w", err)
		}

		defer func() {
			if err := shutdown(ctx); err != nil {
				logger.Error().Err(err).Msg("error shutting down Prometheus metrics")
			}
		}()

		srv.SetGatherer(gatherer)
	}

	httpSrv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              cmd.Root().String("admin-addr"),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("admin_addr", httpSrv.Addr).Msg("admin HTTP surface started")

	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("error running the admin HTTP surface: %w", err)
	}

	return nil
}
