package config

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chatmesh/chatmesh/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the chatmesh configuration file.

Checks for syntax errors, missing required fields, duplicate replica names
and colliding endpoints in the cluster table.

Examples:
  # Validate default config
  chatmeshd config validate

  # Validate specific config file
  chatmeshd config validate --config /etc/chatmesh/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	displayPath := configPath
	if displayPath == "" {
		displayPath = config.GetDefaultConfigPath()
	}

	var warnings []string
	if cfg.Replica == "" {
		warnings = append(warnings, "no replica name set - the daemon needs --replica")
	}
	if len(cfg.Seed) == 0 {
		warnings = append(warnings, "no seed accounts configured - a fresh cluster starts empty")
	}

	fmt.Printf("Configuration file: %s\n", displayPath)
	fmt.Println("Validation: OK")

	if len(warnings) > 0 {
		fmt.Println("\nWarnings:")
		for _, w := range warnings {
			fmt.Printf("  - %s\n", w)
		}
	}

	fmt.Printf("\nConfiguration summary:\n")
	fmt.Printf("  Replica:       %s\n", cfg.Replica)
	fmt.Printf("  Cluster size:  %d\n", len(cfg.Cluster))
	fmt.Printf("  Data dir:      %s\n", cfg.Storage.DataDir)
	fmt.Printf("  Log level:     %s\n", cfg.Logging.Level)

	return nil
}
