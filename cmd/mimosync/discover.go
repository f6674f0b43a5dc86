package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rjboer/mimosync/internal/discovery"
)

func newDiscoverCmd() *cobra.Command {
	var (
		timeout time.Duration
		asFlags bool
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Browse the local network for unit servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			hosts, err := discovery.Browse(ctx, timeout)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asFlags {
				parts := make([]string, len(hosts))
				for i, h := range hosts {
					parts[i] = fmt.Sprintf("--unit %s=%s", h.Instance, h.Addr())
				}
				fmt.Fprintln(out, strings.Join(parts, " "))
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "INSTANCE\tADDRESS\tHOST\tTXT")
			for _, h := range hosts {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", h.Instance, h.Addr(), h.Hostname, strings.Join(h.TXT, ","))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "how long to listen for announcements")
	cmd.Flags().BoolVar(&asFlags, "flags", false, "print the result as --unit flags")
	return cmd
}
