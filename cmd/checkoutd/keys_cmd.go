package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"pkt.systems/checkoutd"
	"pkt.systems/checkoutd/internal/cryptoutil"
	"pkt.systems/checkoutd/internal/token"
)

const (
	defaultTokenKeyFile   = "token.key"
	defaultStorageKeyFile = "storage-keys.pem"
)

func newKeysCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Generate token signing and storage encryption keys",
	}
	cmd.AddCommand(newKeysGenCommand())
	return cmd
}

func newKeysGenCommand() *cobra.Command {
	var dir string
	var force bool
	var tokenOnly bool
	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Write a token signing key and a storage key bundle into the config directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				resolved, err := checkoutd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				dir = resolved
			}
			outDir, err := expandPath(dir)
			if err != nil {
				return err
			}

			key, err := token.GenerateKey()
			if err != nil {
				return err
			}
			tokenPath := filepath.Join(outDir, defaultTokenKeyFile)
			if err := writeNewFile(tokenPath, []byte(key+"\n"), force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote token signing key to %s\n", tokenPath)
			if tokenOnly {
				return nil
			}

			bundle, _, err := cryptoutil.GenerateBundle()
			if err != nil {
				return err
			}
			bundlePath := filepath.Join(outDir, defaultStorageKeyFile)
			if err := writeNewFile(bundlePath, bundle, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote storage key bundle to %s\n", bundlePath)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "output directory (defaults to $HOME/.checkoutd or $CHECKOUTD_CONFIG_DIR)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing key files")
	cmd.Flags().BoolVar(&tokenOnly, "token-only", false, "only generate the token signing key")
	return cmd
}
