package main

import (
	"fmt"
	"os"

	"github.com/ashureev/euaiact-search/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func init() {
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML, credentials masked",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		client, err := config.LoadClient(cfgPath)
		if err != nil {
			return fmt.Errorf("load client configuration: %w", err)
		}

		out := struct {
			config.Config `yaml:",inline"`
			Client        *config.ClientConfig `yaml:"client"`
		}{Config: cfg.Redacted(), Client: client}

		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("encode configuration: %w", err)
		}
		return enc.Close()
	},
}
