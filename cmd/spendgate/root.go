package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mercator-hq/spendgate/pkg/cli"
	"mercator-hq/spendgate/pkg/config"
)

var (
	// Global flags
	cfgFile string
	output  string
)

var rootCmd = &cobra.Command{
	Use:   "spendgate",
	Short: "Spendgate - per-tenant spend admission control",
	Long: `Spendgate tracks each tenant's spend against a budget and decides whether
new work is admitted.

It provides:
  - Signed spend event ingestion with idempotent, order-tolerant updates
  - Admission checks with normal, warning and blocked bands
  - Threshold notifications over log, webhook and email channels
  - Scheduled budget period resets
  - Time-boxed budget overrides with an audit trail`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits with a code derived from the
// error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.ExitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "text", "output format: text, json")
}

// loadConfig loads the configuration named by --config with SPENDGATE_*
// overrides and publishes it process-wide.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return nil, cli.NewConfigError(cfgFile, err.Error())
	}
	config.Set(cfg)
	return cfg, nil
}

func formatter() cli.Formatter {
	return cli.NewFormatter(cli.OutputFormat(output))
}
