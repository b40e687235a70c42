package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/metalagman/netdiag/internal/logging"
)

// Process exit codes for the diagnose command.
const (
	exitResolved    = 0
	exitFailed      = 1
	exitAborted     = 2
	exitConfigError = 3
)

var (
	cfgFile  string
	debug    bool
	exitCode int
	rootCmd  = &cobra.Command{
		Use:   "netdiag",
		Short: "netdiag is an automated network-fault diagnosis pipeline",
	}
)

// Execute runs the root command and returns the process exit code.
func Execute() int {
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", filepath.Join(".netdiag", "config.json"), "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("bind config flag: %w", err))
		return exitConfigError
	}
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		logging.Init(debug)
	}
	rootCmd.AddCommand(diagnoseCmd())
	rootCmd.AddCommand(casesCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		if exitCode == exitResolved {
			exitCode = exitFailed
		}
	}
	return exitCode
}
