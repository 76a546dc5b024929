package main

import (
	"fmt"

	"github.com/official-monty/montytest/pkg/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging config files, environment
overrides and defaults. Secrets are redacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFiles...)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		out, err := yaml.Marshal(cfg.Redacted())
		if err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}

		_, err = cmd.OutOrStdout().Write(out)

		return err
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
