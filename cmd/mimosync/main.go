package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/rjboer/mimosync/internal/config"
	"github.com/rjboer/mimosync/internal/logging"
	"github.com/rjboer/mimosync/internal/orchestrator"
	"github.com/rjboer/mimosync/internal/proxy"
	"github.com/rjboer/mimosync/internal/telemetry"
)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// globals are the persistent flags shared by every subcommand.
type globals struct {
	configPath string
	units      []string
	logLevel   string
	threshold  float64
	attempts   int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mimosync:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "mimosync",
		Short:         "Drive several radio unit servers as one time-aligned array",
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "path to a TOML client config")
	pf.StringArrayVar(&g.units, "unit", nil, "unit as name=host:port, repeatable")
	pf.StringVar(&g.logLevel, "log-level", "", "debug, info, warn or error")
	pf.Float64Var(&g.threshold, "threshold", 0, "sync threshold in seconds")
	pf.IntVar(&g.attempts, "attempts", 0, "sync validation attempts")

	root.AddCommand(
		newSanityCmd(g),
		newClocksCmd(g),
		newDiscoverCmd(),
		newStatusCmd(),
		newDashboardCmd(g),
		newConfigCmd(),
	)
	return root
}

// clientConfig layers defaults, file, environment and the persistent flags
// that were set explicitly.
func (g *globals) clientConfig(fs *pflag.FlagSet, lookup func(string) (string, bool)) (config.ClientConfig, error) {
	cfg, err := config.LoadClient(g.configPath, lookup)
	if err != nil {
		return config.ClientConfig{}, err
	}
	changed := map[string]bool{}
	fs.Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	if changed["log-level"] {
		cfg.Log.Level = g.logLevel
	}
	if changed["threshold"] {
		cfg.Sync.Threshold = g.threshold
	}
	if changed["attempts"] {
		cfg.Sync.Attempts = g.attempts
	}
	if len(g.units) > 0 {
		units, err := parseUnits(g.units)
		if err != nil {
			return config.ClientConfig{}, err
		}
		cfg.Units = units
	}
	return cfg, cfg.Validate()
}

func parseUnits(specs []string) ([]config.UnitEntry, error) {
	out := make([]config.UnitEntry, 0, len(specs))
	for _, s := range specs {
		name, addr, ok := strings.Cut(s, "=")
		if !ok || name == "" || addr == "" {
			return nil, fmt.Errorf("invalid unit %q, want name=host:port", s)
		}
		out = append(out, config.UnitEntry{Name: name, Addr: addr})
	}
	return out, nil
}

// session bundles what most subcommands need.
type session struct {
	cfg  config.ClientConfig
	log  logging.Logger
	orch *orchestrator.Orchestrator
}

func (g *globals) open(cmd *cobra.Command, reporter telemetry.Reporter) (*session, error) {
	cfg, err := g.clientConfig(cmd.Flags(), os.LookupEnv)
	if err != nil {
		return nil, err
	}
	log, err := cfg.Log.Logger()
	if err != nil {
		return nil, err
	}
	logging.SetDefault(log)

	popts := []proxy.Option{proxy.WithLogger(log)}
	if cfg.SSH.Enabled() {
		d, err := cfg.SSH.Dialer()
		if err != nil {
			return nil, err
		}
		popts = append(popts, proxy.WithDialer(d))
	}
	if reporter == nil {
		reporter = telemetry.NewStdoutReporter(log)
	}
	orch := orchestrator.New(cfg.Orchestrator(),
		orchestrator.WithLogger(log),
		orchestrator.WithConnector(orchestrator.ProxyConnector(popts...)),
		orchestrator.WithReporter(reporter),
	)
	return &session{cfg: cfg, log: log, orch: orch}, nil
}

// addConfigured registers the units of the config.
func (s *session) addConfigured(ctx context.Context) error {
	if len(s.cfg.Units) == 0 {
		return fmt.Errorf("no units configured, use --unit or the units table of the config")
	}
	for _, u := range s.cfg.Units {
		if err := s.orch.AddUnit(ctx, u.Name, u.Addr); err != nil {
			return err
		}
	}
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
