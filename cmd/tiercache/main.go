// Command tiercache inspects and maintains a tiered cache from the shell and
// can run the maintenance scheduler and metrics endpoint as a service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/auditorhelper/tiercache/internal/cache"
	"github.com/auditorhelper/tiercache/internal/config"
	"github.com/auditorhelper/tiercache/pkg/health"
	"github.com/auditorhelper/tiercache/pkg/utils"
)

const (
	program     = "tiercache"
	progversion = "0.3.0"
)

// exit codes
const (
	exitOK    = 0
	exitMiss  = 1
	exitError = 2
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// env is what a command runs against
type env struct {
	cfg    *config.Configuration
	cache  *cache.MultiLevelCache
	logger *zap.Logger
	stdout io.Writer
	stderr io.Writer
}

func run(ctx context.Context, arguments []string, stdout, stderr io.Writer) int {
	cfg, gf, err := loadConfiguration(arguments, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		// the logger depends on the configuration that just failed to load
		fmt.Fprintln(stderr, "could not load tiercache configuration:", err)
		return exitError
	}
	if gf.version {
		fmt.Fprintln(stdout, progversion)
		return exitOK
	}

	cmd, ok := lookupCommand(gf.command)
	if !ok {
		if gf.command != "" {
			fmt.Fprintf(stderr, "unknown command %q\n\n", gf.command)
		}
		printUsage(stderr, flag.NewFlagSet(program, flag.ContinueOnError))
		return exitError
	}

	logger, closer, err := utils.NewLogger(cfg.LogConfig())
	if err != nil {
		fmt.Fprintln(stderr, "could not create logger:", err)
		return exitError
	}
	defer closer.Close()
	defer func() { _ = logger.Sync() }()

	tracker := health.NewTracker(cfg.TrackerConfig())
	c := cache.NewMultiLevelCache(cfg.MultiLevelConfig(),
		cache.WithLogger(logger),
		cache.WithHealthTracker(tracker))
	defer c.Close()

	if err := c.L2InitError(); err != nil {
		fmt.Fprintln(stderr, "warning: persistent tier unavailable, using memory only:", err)
	}

	e := &env{cfg: cfg, cache: c, logger: logger, stdout: stdout, stderr: stderr}
	return cmd.run(ctx, e, gf.args)
}
