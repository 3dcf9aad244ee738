package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	checkoutclient "pkt.systems/checkoutd/client"
)

func newSweepCommand(root *viper.Viper) *cobra.Command {
	var server string
	var adminKey string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Ask a running server to expire overdue sessions",
		Example: `
  checkoutd sweep --server http://127.0.0.1:9441 --admin-key "$CHECKOUTD_ADMIN_KEY"
  checkoutd sweep --server unix:///run/checkoutd.sock
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if _, err := loadConfigFile(root); err != nil {
				return err
			}
			if strings.TrimSpace(adminKey) == "" {
				adminKey = root.GetString("admin-key")
			}
			if strings.TrimSpace(adminKey) == "" {
				return fmt.Errorf("--admin-key (or CHECKOUTD_ADMIN_KEY) is required")
			}
			cli, err := checkoutclient.New(server, checkoutclient.WithHTTPTimeout(timeout))
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			expired, err := cli.Sweep(ctx, adminKey)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "expired %d session(s)\n", expired)
			return err
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://127.0.0.1:9441", "server URL (http://, https:// or unix:///path)")
	cmd.Flags().StringVar(&adminKey, "admin-key", "", "admin key configured on the server")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	return cmd
}
