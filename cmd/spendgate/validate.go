package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mercator-hq/spendgate/pkg/budget/tenants"
	"mercator-hq/spendgate/pkg/cli"
)

var validateFlags struct {
	tenantsFile string
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and tenant files",
	Long: `Load the configuration file with SPENDGATE_* overrides applied and check
every field. A tenant seed file can be validated alongside it.

Examples:
  # Validate the default config.yaml
  spendgate validate

  # Validate a config and a tenant seed file
  spendgate validate --config prod.yaml --tenants tenants.yaml`,
	RunE: validateConfig,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVar(&validateFlags.tenantsFile, "tenants", "", "tenant seed file to validate (defaults to tenants.file from config)")
}

func validateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Configuration valid (%s)\n", cfgFile)

	path := validateFlags.tenantsFile
	if path == "" {
		path = cfg.Tenants.File
	}
	if path == "" {
		return nil
	}

	cfgs, err := tenants.LoadFile(path)
	if err != nil {
		return cli.NewConfigError("tenants.file", err.Error())
	}
	fmt.Fprintf(out, "✓ Tenant file valid (%d tenants)\n", len(cfgs))
	return nil
}
