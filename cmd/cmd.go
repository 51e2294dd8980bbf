package cmd

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli-altsrc/v3/json"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli-altsrc/v3/yaml"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	altsrc "github.com/urfave/cli-altsrc/v3"

	"github.com/kalbasit/buildcache/pkg/otellogging"
	"github.com/kalbasit/buildcache/pkg/otelzerolog"
)

// Version defines the version of the binary, and is meant to be set with ldflags at build time.
//
//nolint:gochecknoglobals
var Version = "dev"

type flagSourcesFn func(configFileKey, envVar string) cli.ValueSourceChain

// New builds the bcached root command: the "emit" (local daemon) and
// "absorb" (remote worker daemon) subcommands of spec.md §6/§7, SPEC_FULL.md
// §5.
func New() *cli.Command {
	var (
		otelShutdown func(context.Context) error
		configPath   string
	)

	flagSources := func(configFileKey, envVar string) cli.ValueSourceChain {
		return cli.NewValueSourceChain(
			toml.TOML(configFileKey, altsrc.NewStringPtrSourcer(&configPath)),
			yaml.YAML(configFileKey, altsrc.NewStringPtrSourcer(&configPath)),
			json.JSON(configFileKey, altsrc.NewStringPtrSourcer(&configPath)),
			cli.EnvVar(envVar),
		)
	}

	return &cli.Command{
		Name:    "bcached",
		Usage:   "distributed compilation accelerator daemon",
		Version: Version,
		After: func(ctx context.Context, _ *cli.Command) error {
			if otelShutdown != nil {
				return otelShutdown(ctx)
			}

			return nil
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			ctx, err := setupLogger(ctx, cmd)
			if err != nil {
				return ctx, err
			}

			res, err := newResource(ctx, cmd)
			if err != nil {
				return ctx, err
			}

			otelShutdown, err = setupOTelSDK(ctx, cmd, res)
			if err != nil {
				return ctx, err
			}

			return ctx, nil
		},
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "otel-enabled",
				Usage:   "Enable Open-Telemetry logs, metrics and tracing.",
				Sources: flagSources("opentelemetry.enabled", "OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Set the log level",
				Sources: flagSources("log.level", "LOG_LEVEL"),
				Value:   "info",
				Validator: func(lvl string) error {
					_, err := zerolog.ParseLevel(lvl)

					return err
				},
			},
			&cli.StringFlag{
				Name: "otel-grpc-url",
				Usage: "Configure OpenTelemetry gRPC URL; Missing or https " +
					"scheme enable secure gRPC, insecure otherwize. Omit to emit Telemetry to stdout.",
				Sources: flagSources("opentelemetry.grpc-url", "OTEL_GRPC_URL"),
				Value:   "",
				Validator: func(colURL string) error {
					_, err := url.Parse(colURL)

					return err
				},
			},
			&cli.StringFlag{
				Name:        "config",
				Usage:       "Path to the configuration file (toml, yaml, json)",
				Sources:     cli.EnvVars("BCACHED_CONFIG_FILE"),
				Value:       getDefaultConfigPath(),
				Destination: &configPath,
			},
			&cli.BoolFlag{
				Name:    "prometheus-enabled",
				Usage:   "Enable Prometheus metrics endpoint at /metrics",
				Sources: flagSources("prometheus.enabled", "PROMETHEUS_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "admin-addr",
				Usage:   "Address for the admin HTTP surface (health/metrics)",
				Sources: flagSources("admin.addr", "ADMIN_ADDR"),
				Value:   ":9090",
			},
		},
		Commands: []*cli.Command{
			emitCommand(flagSources),
			absorbCommand(flagSources),
		},
	}
}

// setupLogger wires a zerolog.Logger into ctx: JSON to stdout by default, a
// ConsoleWriter when stdout is a terminal, and, when --otel-grpc-url is set,
// both an OTel log writer (forwards full records) and an OTel metrics
// writer (counts log entries, for a log-volume signal independent of the
// collector's own log pipeline being up).
func setupLogger(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	logLvl := cmd.String("log-level")

	lvl, err := zerolog.ParseLevel(logLvl)
	if err != nil {
		return ctx, fmt.Errorf("error parsing the log-level %q: %w", logLvl, err)
	}

	var output io.Writer = os.Stdout

	if term.IsTerminal(int(os.Stdout.Fd())) {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	colURL := cmd.String("otel-grpc-url")
	if colURL != "" {
		logWriter, err := otelzerolog.NewOtelWriter(ctx, colURL, cmd.Root().Name)
		if err != nil {
			return ctx, err
		}

		metricsWriter, err := otellogging.NewOtelWriter(ctx, colURL, cmd.Root().Name)
		if err != nil {
			return ctx, err
		}

		output = zerolog.MultiLevelWriter(output, logWriter, metricsWriter)
	}

	ctx = zerolog.New(output).
		Level(lvl).
		With().
		Timestamp().
		Logger().
		WithContext(ctx)

	zerolog.Ctx(ctx).
		Info().
		Str("otel_grpc_url", colURL).
		Str("log_level", lvl.String()).
		Msg("logger created")

	return ctx, nil
}

// getDefaultConfigPath returns the default path to the config file.
func getDefaultConfigPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		panic(fmt.Sprintf("unable to determine user config directory: %v", err))
	}

	return filepath.Join(configDir, "bcached", "config.yaml")
}
