package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/rjboer/mimosync/internal/config"
	"github.com/rjboer/mimosync/internal/discovery"
	"github.com/rjboer/mimosync/internal/logging"
	"github.com/rjboer/mimosync/internal/sdr"
	"github.com/rjboer/mimosync/internal/unit"
)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// flagValues holds command-line overrides; only flags the user set apply.
type flagValues struct {
	name       string
	listen     string
	statusAddr string
	advertise  bool
	trials     int
	delay      config.Duration
	clockSkew  float64
	logLevel   string
}

func main() {
	var (
		cfgPath string
		fv      flagValues
	)

	root := &cobra.Command{
		Use:     "unitserver",
		Short:   "Serve one radio unit to a mimosync orchestrator",
		Version: fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		Example: "  unitserver --name unit0 --listen :5555 --advertise\n  unitserver --config /etc/mimosync/unit.toml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags(), cfgPath, fv, os.LookupEnv)
			if err != nil {
				return err
			}
			log, err := cfg.Log.Logger()
			if err != nil {
				return err
			}
			logging.SetDefault(log)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, cfgPath, log)
		},
	}

	fs := root.Flags()
	fs.StringVar(&cfgPath, "config", "", "path to a TOML config file")
	fs.StringVar(&fv.name, "name", "", "unit name reported in status and mDNS")
	fs.StringVar(&fv.listen, "listen", "", "rpc listen address (default :5555)")
	fs.StringVar(&fv.statusAddr, "status-addr", "", "HTTP status listen address, empty disables it")
	fs.BoolVar(&fv.advertise, "advertise", false, "announce the unit over mDNS")
	fs.IntVar(&fv.trials, "trials", 0, "driver call trials before the radio is re-acquired")
	fs.Var(&durationFlag{&fv.delay}, "delay", "sleep between trials (e.g. 2s)")
	fs.Float64Var(&fv.clockSkew, "clock-skew", 0, "simulated clock offset in seconds")
	fs.StringVar(&fv.logLevel, "log-level", "", "debug, info, warn or error")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "unitserver:", err)
		os.Exit(1)
	}
}

// durationFlag adapts config.Duration to pflag.Value.
type durationFlag struct{ d *config.Duration }

func (f *durationFlag) String() string {
	if f.d == nil {
		return "0s"
	}
	return f.d.Std().String()
}

func (f *durationFlag) Set(s string) error { return f.d.UnmarshalText([]byte(s)) }
func (f *durationFlag) Type() string       { return "duration" }

// loadConfig layers defaults, file and environment, then the flags that were
// set explicitly.
func loadConfig(fs *pflag.FlagSet, path string, fv flagValues, lookup func(string) (string, bool)) (config.ServerConfig, error) {
	cfg, err := config.LoadServer(path, lookup)
	if err != nil {
		return config.ServerConfig{}, err
	}
	changed := map[string]bool{}
	fs.Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	if changed["name"] {
		cfg.Name = fv.name
	}
	if changed["listen"] {
		cfg.Listen = fv.listen
	}
	if changed["status-addr"] {
		cfg.StatusAddr = fv.statusAddr
	}
	if changed["advertise"] {
		cfg.Advertise = fv.advertise
	}
	if changed["trials"] {
		cfg.Retry.Trials = fv.trials
	}
	if changed["delay"] {
		cfg.Retry.Delay = fv.delay
	}
	if changed["clock-skew"] {
		cfg.Sim.ClockSkew = fv.clockSkew
	}
	if changed["log-level"] {
		cfg.Log.Level = fv.logLevel
	}
	return cfg, cfg.Validate()
}

func driverFactory(cfg config.ServerConfig) sdr.DriverFactory {
	return sdr.SimFactory(sdr.SimOptions{
		MasterClockRate: cfg.Sim.MasterClockRate,
		ClockSkew:       cfg.Sim.ClockSkew,
		NoiseLevel:      cfg.Sim.NoiseLevel,
		MaxTxSamples:    cfg.Sim.MaxTxSamples,
	})
}

func run(ctx context.Context, cfg config.ServerConfig, cfgPath string, log logging.Logger) error {
	srv, err := unit.NewServer(unit.ServerConfig{
		Name:         cfg.Name,
		Factory:      driverFactory(cfg),
		Policy:       cfg.Policy(),
		LeaseTimeout: cfg.LeaseTimeout.Std(),
		Logger:       log,
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errs := make(chan error, 2)
	running := 1
	go func() { errs <- srv.Serve(ctx, ln) }()

	if cfg.StatusAddr != "" {
		sln, err := net.Listen("tcp", cfg.StatusAddr)
		if err != nil {
			cancel()
			<-errs
			return fmt.Errorf("listen %s: %w", cfg.StatusAddr, err)
		}
		running++
		go func() { errs <- srv.ServeStatus(ctx, sln) }()
	}

	if cfg.Advertise {
		port := ln.Addr().(*net.TCPAddr).Port
		adv, err := discovery.Advertise(cfg.Name, port, map[string]string{
			"unit":    cfg.Name,
			"driver":  cfg.Driver,
			"version": getVersion(),
		})
		if err != nil {
			log.Warn("mdns advertise failed", logging.Err(err))
		} else {
			defer adv.Shutdown()
		}
	}

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		if cfgPath == "" {
			return
		}
		err := config.Watch(ctx, cfgPath, config.DefaultDebounce, log, func() {
			next, err := config.LoadServer(cfgPath, os.LookupEnv)
			if err != nil {
				log.Warn("config reload rejected", logging.Err(err))
				return
			}
			srv.SetPolicy(next.Policy())
		})
		if err != nil {
			log.Warn("config hot reload disabled", logging.Err(err))
		}
	}()

	log.Info("unit server started",
		logging.Field{Key: "addr", Value: ln.Addr().String()},
		logging.Field{Key: "driver", Value: cfg.Driver})

	var first error
	for i := 0; i < running; i++ {
		err := <-errs
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) && first == nil {
			first = err
		}
	}
	<-watchDone
	log.Info("unit server stopped")
	return first
}
