// Command cell-sts runs the security token service that sits beside every
// sidecar proxy in a cell. It answers Envoy ext_authz checks on two gRPC
// listeners (inbound and outbound), publishes the cell's signing key as a
// JWKS document and serves health, metrics, the token endpoint and the
// decision audit on an admin port.
//
// Configuration comes from CELL_STS_* environment variables layered over an
// optional YAML or JSON file:
//
//	CELL_STS_CELL_NAME=cellb cell-sts --config /etc/cell-sts/config.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/StricklySoft/cell-sts/internal/telemetry"
	"github.com/StricklySoft/cell-sts/pkg/config"
	"github.com/StricklySoft/cell-sts/pkg/sts"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	envPrefix       = "CELL_STS"
	shutdownTimeout = 15 * time.Second
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "cell-sts: %v\n", err)
			os.Exit(1)
		}
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	flags := pflag.NewFlagSet("cell-sts", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.StringP("config", "c", "", "path to a YAML or JSON configuration file")
	checkOnly := flags.Bool("check-config", false, "validate the configuration and exit")
	showVersion := flags.Bool("version", false, "print the version and exit")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Fprintf(stdout, "cell-sts %s\n", version)
		return nil
	}

	cfg, err := loadConfig(*configPath, os.LookupEnv)
	if err != nil {
		return err
	}
	if *checkOnly {
		fmt.Fprintf(stdout, "configuration for cell %q is valid\n", cfg.CellName)
		return nil
	}

	level, err := telemetry.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := telemetry.NewLogger(stdout, level).With("cell", cfg.CellName)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, "cell-sts", version, logger)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("telemetry: shutdown failed", "error", err)
		}
	}()

	proc, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := proc.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("cell-sts: shutdown requested")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return proc.Stop(stopCtx)
}

// loadConfig applies defaults, then the file at path (if any), then
// CELL_STS_* variables read through lookup.
func loadConfig(path string, lookup config.LookupFunc) (*sts.CellConfig, error) {
	loader := config.New().WithEnvPrefix(envPrefix).WithLookup(lookup)
	if path != "" {
		loader = loader.WithFile(path)
	}
	var cfg sts.CellConfig
	if err := loader.Load(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
