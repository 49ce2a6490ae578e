package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/auditorhelper/tiercache/internal/maintenance"
	"github.com/auditorhelper/tiercache/internal/metrics"
	"github.com/auditorhelper/tiercache/pkg/types"
	"github.com/auditorhelper/tiercache/pkg/utils"
)

type command struct {
	name  string
	usage string
	help  string
	run   func(ctx context.Context, e *env, args []string) int
}

var commands []command

func init() {
	commands = []command{
		{"stats", "stats [-json]", "Print cache statistics", runStats},
		{"get", "get <key>", "Print a value; exits 1 on a miss", runGet},
		{"set", "set [-ttl d] [-category c] <key> <value>", "Store a value in both tiers", runSet},
		{"delete", "delete <key>", "Remove a key from both tiers", runDelete},
		{"clear", "clear", "Remove every entry", runClear},
		{"cleanup", "cleanup", "Remove expired entries now", runCleanup},
		{"keys", "keys [pattern]", "List keys across tiers, optionally filtered by a glob", runKeys},
		{"serve", "serve", "Run maintenance and the metrics endpoint until interrupted", runServe},
	}
}

func lookupCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func runStats(ctx context.Context, e *env, args []string) int {
	f := flag.NewFlagSet("stats", flag.ContinueOnError)
	f.SetOutput(e.stderr)
	asJSON := f.Bool("json", false, "Print statistics as JSON")
	if err := f.Parse(args); err != nil {
		return exitError
	}

	s := e.cache.Stats()
	if *asJSON {
		enc := json.NewEncoder(e.stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(s); err != nil {
			fmt.Fprintln(e.stderr, "encode stats:", err)
			return exitError
		}
		return exitOK
	}

	fmt.Fprint(e.stdout, e.cache.Report())
	fmt.Fprintf(e.stdout, "\nL2: %s (enabled=%v), combined memory %s, promotions %d\n",
		s.L2State, s.L2Enabled, utils.FormatBytes(s.CombinedMemoryUsage), s.Promotions)
	if info, err := e.cache.PersistentInfo(ctx); err == nil {
		for _, cat := range info.Categories {
			fmt.Fprintf(e.stdout, "  category %-16s %6d entries %10s\n",
				cat.Category, cat.Entries, utils.FormatBytes(cat.SizeBytes))
		}
	}
	return exitOK
}

func runGet(ctx context.Context, e *env, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(e.stderr, "usage: get <key>")
		return exitError
	}
	value, ok := e.cache.Get(ctx, args[0])
	if !ok {
		fmt.Fprintf(e.stderr, "%s: not found\n", args[0])
		return exitMiss
	}
	fmt.Fprintln(e.stdout, string(value))
	return exitOK
}

func runSet(ctx context.Context, e *env, args []string) int {
	f := flag.NewFlagSet("set", flag.ContinueOnError)
	f.SetOutput(e.stderr)
	ttl := f.Duration("ttl", types.DefaultTTL, "Time to live; 0 never expires, unset uses the tier default")
	category := f.String("category", "", "Category recorded with the entry")
	if err := f.Parse(args); err != nil {
		return exitError
	}
	if f.NArg() != 2 {
		fmt.Fprintln(e.stderr, "usage: set [-ttl d] [-category c] <key> <value>")
		return exitError
	}

	if !e.cache.SetWithCategory(ctx, f.Arg(0), []byte(f.Arg(1)), *ttl, *category) {
		fmt.Fprintln(e.stderr, "set failed")
		return exitError
	}
	return exitOK
}

func runDelete(ctx context.Context, e *env, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(e.stderr, "usage: delete <key>")
		return exitError
	}
	if !e.cache.Delete(ctx, args[0]) {
		fmt.Fprintf(e.stderr, "%s: not found\n", args[0])
		return exitMiss
	}
	return exitOK
}

func runClear(ctx context.Context, e *env, args []string) int {
	if !e.cache.Clear(ctx) {
		fmt.Fprintln(e.stderr, "clear failed")
		return exitError
	}
	return exitOK
}

func runCleanup(ctx context.Context, e *env, args []string) int {
	removed := e.cache.CleanupExpired(ctx)
	fmt.Fprintf(e.stdout, "removed %d expired entries\n", removed)
	return exitOK
}

func runKeys(ctx context.Context, e *env, args []string) int {
	var keys []string
	switch len(args) {
	case 0:
		keys = e.cache.Keys(ctx)
	case 1:
		var err error
		if keys, err = e.cache.KeysMatching(ctx, args[0]); err != nil {
			fmt.Fprintln(e.stderr, err)
			return exitError
		}
	default:
		fmt.Fprintln(e.stderr, "usage: keys [pattern]")
		return exitError
	}
	for _, k := range keys {
		fmt.Fprintln(e.stdout, k)
	}
	return exitOK
}

func runServe(ctx context.Context, e *env, args []string) int {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if e.cfg.Maintenance.Enabled {
		scheduler, err := maintenance.NewScheduler(e.cache, maintenance.Config{
			CleanupSchedule: e.cfg.Maintenance.CleanupSchedule,
			HealthSchedule:  e.cfg.Maintenance.HealthSchedule,
		}, e.logger)
		if err != nil {
			fmt.Fprintln(e.stderr, "maintenance:", err)
			return exitError
		}
		scheduler.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := scheduler.Stop(shutdownCtx); err != nil {
				e.logger.Warn("maintenance did not stop cleanly", zap.Error(err))
			}
		}()
	}

	collector, err := metrics.NewCollector(e.cfg.MetricsConfig(), e.cache)
	if err != nil {
		fmt.Fprintln(e.stderr, "metrics:", err)
		return exitError
	}
	collector.WithHealthTracker(e.cache.HealthTracker()).WithLogger(e.logger)
	if err := collector.Start(ctx); err != nil {
		fmt.Fprintln(e.stderr, "metrics:", err)
		return exitError
	}

	e.logger.Info("tiercache serving",
		zap.Bool("maintenance", e.cfg.Maintenance.Enabled),
		zap.Bool("metrics", e.cfg.Monitoring.Metrics.Enabled))
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := collector.Stop(shutdownCtx); err != nil {
		e.logger.Warn("metrics server did not stop cleanly", zap.Error(err))
	}
	e.logger.Info("tiercache stopped")
	return exitOK
}
