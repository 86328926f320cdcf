package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/portracker/portracker/internal/config"
	"github.com/portracker/portracker/internal/logging"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "portracker",
	Short: "Discover and attribute listening ports across processes, containers, and platforms",
	Long: `portracker discovers every TCP (and optionally UDP) endpoint
listening on a host and attributes each one to its owning process,
container, or platform application.

It merges the kernel's socket tables, the container engine's declared
port bindings, and an optional platform control-plane query into a
single reconciled port inventory, served over a read-only HTTP API.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ./portracker.yaml or /etc/portracker/portracker.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	logger = logging.New(logging.ParseLevel(cfg.LogLevel), os.Stderr)
}
