// syncnode runs one replication node: discovery, change capture, the offline
// queue, initial loads and the peer HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "syncnode",
		Short: "Replication node for intermittently connected databases",
		Long: `syncnode keeps a set of core tables replicated between nodes on the
same network. Nodes find each other by multicast, prove they share the
registration key and exchange changes over authenticated HTTP.

Configuration is read from the YAML file given by --config (or
SYNC_CONFIG_PATH) and overridden by environment variables.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				return os.Setenv("SYNC_CONFIG_PATH", configPath)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newSchemaCmd())
	rootCmd.AddCommand(newSnapshotCmd())
	rootCmd.AddCommand(newPairingCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
