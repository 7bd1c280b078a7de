package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jwalitptl/chairqueue/internal/config"
)

var (
	configPath string
	cfg        *config.Config

	rootCmd = &cobra.Command{
		Use:   "chairqueue",
		Short: "Live chair queue for a multi-room clinic",
		Long: `chairqueue keeps a local snapshot of the clinic's patient queue in
step with the shared row store and serves it to the operator UI.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: chairqueue.yaml in ., ./config or /etc/chairqueue)")
	rootCmd.AddCommand(serveCmd, migrateCmd, tabsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
