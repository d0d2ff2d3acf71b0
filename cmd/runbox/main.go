package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/config"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "runbox",
	Short: "runbox - run untrusted code in throwaway containers",
	Long: `runbox runs code snippets in short-lived, resource-limited containers and
streams their output to clients over a websocket.

Start the server with "runbox serve", then open the browser client or use
"runbox run" from a terminal.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./runbox.yaml or ~/.runbox/runbox.yaml)")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
