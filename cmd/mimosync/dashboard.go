package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/rjboer/mimosync/internal/logging"
	"github.com/rjboer/mimosync/internal/orchestrator"
	"github.com/rjboer/mimosync/internal/telemetry"
)

type dashboardUnits struct {
	Units        []orchestrator.UnitInfo `json:"units"`
	Synchronized bool                    `json:"synchronized"`
	ConfirmedAt  *time.Time              `json:"confirmedAt,omitempty"`
}

func newDashboardCmd(g *globals) *cobra.Command {
	var (
		interval time.Duration
		reset    bool
		addr     string
	)
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Watch synchronization of the configured units over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			hub := telemetry.NewHub(0)
			s, err := g.open(cmd, hub)
			if err != nil {
				return err
			}
			defer s.orch.Close()
			if _, err := hub.ApplyConfig(telemetry.Config{HistoryLimit: s.cfg.HistoryLimit}); err != nil {
				return err
			}
			if addr == "" {
				addr = s.cfg.WebAddr
			}

			web, err := telemetry.NewWebServer(addr, hub, func() any {
				st := dashboardUnits{Units: s.orch.Units()}
				if at, ok := s.orch.SyncState(); ok {
					st.Synchronized = true
					st.ConfirmedAt = &at
				}
				return st
			}, s.log)
			if err != nil {
				return err
			}
			webErr := make(chan error, 1)
			go func() { webErr <- web.Start(ctx) }()

			if err := s.addConfigured(ctx); err != nil {
				stop()
				<-webErr
				return err
			}
			if reset {
				if _, err := s.orch.Synchronize(ctx); err != nil {
					s.log.Warn("clock reset failed", logging.Err(err))
				}
			}

			monCtx, cancel := context.WithCancel(ctx)
			monDone := make(chan struct{})
			go func() {
				defer close(monDone)
				monitor(monCtx, s.orch, interval)
			}()
			err = <-webErr
			cancel()
			<-monDone
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "time between synchronization checks")
	cmd.Flags().BoolVar(&reset, "reset", false, "reset the clocks on the next pulse first")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, defaults to web_addr of the config")
	return cmd
}

// monitor revalidates synchronization every interval until ctx is done.
func monitor(ctx context.Context, o *orchestrator.Orchestrator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		o.SynchronizationValid(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
