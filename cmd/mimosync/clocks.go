package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rjboer/mimosync/internal/telemetry"
)

func newClocksCmd(g *globals) *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "clocks",
		Short: "Print the FPGA clock of every configured unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			s, err := g.open(cmd, telemetry.Nop{})
			if err != nil {
				return err
			}
			defer s.orch.Close()
			if err := s.addConfigured(ctx); err != nil {
				return err
			}
			if reset {
				if _, err := s.orch.Synchronize(ctx); err != nil {
					return err
				}
			}

			clocks, err := s.orch.ClockTimes(ctx)
			names := make([]string, 0, len(clocks))
			for n := range clocks {
				names = append(names, n)
			}
			sort.Strings(names)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "UNIT\tCLOCK [s]")
			for _, n := range names {
				fmt.Fprintf(tw, "%s\t%.6f\n", n, clocks[n])
			}
			tw.Flush()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synchronized: %v\n", s.orch.SynchronizationValid(ctx))
			return nil
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "reset the clocks on the next pulse first")
	return cmd
}
