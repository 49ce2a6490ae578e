package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/auditorhelper/tiercache/internal/config"
)

const (
	cfConfig   = "config"
	cfLogLevel = "log-level"
	cfL2Path   = "l2-path"
	cfNoL2     = "no-l2"
	cfVersion  = "version"
)

type globalFlags struct {
	configPath string
	version    bool
	command    string
	args       []string
}

// loadConfiguration reads the config path from the global flags, loads the
// file and environment, then applies flag overrides.
func loadConfiguration(arguments []string, stderr io.Writer) (*config.Configuration, *globalFlags, error) {
	cfg := config.NewDefault()
	gf := &globalFlags{}

	var (
		logLevel string
		l2Path   string
		noL2     bool
	)
	f := flag.NewFlagSet(program, flag.ContinueOnError)
	f.SetOutput(stderr)
	f.Usage = func() { printUsage(stderr, f) }
	f.StringVar(&gf.configPath, cfConfig, "", "Path to a YAML config file")
	f.StringVar(&logLevel, cfLogLevel, "", "Level of logging to use (debug, info, warn, error)")
	f.StringVar(&l2Path, cfL2Path, "", "Path to the persistent cache database")
	f.BoolVar(&noL2, cfNoL2, false, "Run with the memory tier only")
	f.BoolVar(&gf.version, cfVersion, false, "Print the version and exit")
	if err := f.Parse(arguments); err != nil {
		return nil, nil, err
	}

	if gf.configPath != "" {
		if err := cfg.LoadFromFile(gf.configPath); err != nil {
			return nil, nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, nil, err
	}

	if logLevel != "" {
		cfg.Global.LogLevel = logLevel
	}
	if l2Path != "" {
		cfg.Cache.L2.Path = l2Path
	}
	if noL2 {
		cfg.Cache.L2.Enabled = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if rest := f.Args(); len(rest) > 0 {
		gf.command, gf.args = rest[0], rest[1:]
	}
	return cfg, gf, nil
}

func printUsage(w io.Writer, f *flag.FlagSet) {
	fmt.Fprintf(w, "Usage: %s [flags] <command> [args]\n\n", program)
	fmt.Fprintln(w, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-28s %s\n", c.usage, c.help)
	}
	fmt.Fprintln(w, "\nFlags:")
	f.PrintDefaults()
}
