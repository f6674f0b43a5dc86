package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rjboer/mimosync/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Generate sample configuration files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "client PATH",
		Short: "Write a client config with default values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultClient()
			cfg.Units = []config.UnitEntry{{Name: "unit0", Addr: "192.168.10.10:5555"}, {Name: "unit1", Addr: "192.168.10.11:5555"}}
			return write(cmd, args[0], cfg)
		},
	}, &cobra.Command{
		Use:   "server PATH",
		Short: "Write a unit server config with default values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return write(cmd, args[0], config.DefaultServer())
		},
	})
	return cmd
}

func write(cmd *cobra.Command, path string, cfg any) error {
	if err := config.WriteFile(path, cfg); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}
