package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rjboer/mimosync/internal/sanity"
	"github.com/rjboer/mimosync/internal/telemetry"
)

func newSanityCmd(g *globals) *cobra.Command {
	var align bool
	cmd := &cobra.Command{
		Use:   "sanity ADDR...",
		Short: "Check that the units are reachable and share a clock",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			s, err := g.open(cmd, telemetry.Nop{})
			if err != nil {
				return err
			}
			defer s.orch.Close()

			out := cmd.OutOrStdout()
			rep, err := sanity.CheckSynchronization(ctx, s.orch, args, out)
			if err != nil {
				return err
			}
			if !rep.Valid {
				return fmt.Errorf("synchronization unattained, spread %.6fs", rep.Spread)
			}
			if !align {
				return nil
			}
			arep, err := sanity.CheckAlignment(ctx, s.orch, sanity.DefaultAlignmentOptions(), out)
			if err != nil {
				return err
			}
			if !arep.Aligned {
				return fmt.Errorf("captures are misaligned")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&align, "align", false, "also locate a Zadoff-Chu burst in every capture")
	return cmd
}
