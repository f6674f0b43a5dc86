package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rjboer/mimosync/internal/unit"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status URL",
		Short: "Query the HTTP status endpoint of a unit server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base := args[0]
			if !strings.Contains(base, "://") {
				base = "http://" + base
			}
			c := unit.NewStatusClient(base)
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(st); err != nil {
				return fmt.Errorf("encode status: %w", err)
			}
			return nil
		},
	}
}
