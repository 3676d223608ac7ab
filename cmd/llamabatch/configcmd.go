package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/llamabatch/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage llamabatch configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, info := range config.ShowAll(cfg) {
			value := info.Value
			if value == "" {
				value = "(unset)"
			}
			printStatus(info.Key, "%s", value)
		}
		fmt.Println()
		fmt.Println("Secrets (hub.token, server.token) are set via environment only:")
		fmt.Println("  LLAMABATCH_HUB_TOKEN (or HF_TOKEN), LLAMABATCH_SERVER_TOKEN")
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			if strings.Contains(err.Error(), "unknown config key") {
				return fmt.Errorf("%w\nvalid keys: %s", err, strings.Join(config.ValidKeys(), ", "))
			}
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}
