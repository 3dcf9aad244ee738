package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/checkoutd/internal/version"
)

const moduleName = "pkt.systems/checkoutd"

func newVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the checkoutd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", moduleName, version.Current())
			return err
		},
	}
	return cmd
}
