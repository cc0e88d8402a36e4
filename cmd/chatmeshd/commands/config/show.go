package config

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/chatmesh/chatmesh/internal/cli/output"
	"github.com/chatmesh/chatmesh/pkg/config"
)

var showOutput string

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current configuration",
	Long: `Display the effective chatmesh configuration after defaults and
environment overrides.

Examples:
  # Show default config as YAML
  chatmeshd config show

  # Show as JSON
  chatmeshd config show --output json

  # Show specific config file
  chatmeshd config show --config /etc/chatmesh/config.yaml`,
	RunE: runConfigShow,
}

func init() {
	showCmd.Flags().StringVarP(&showOutput, "output", "o", "yaml", "Output format (yaml|json)")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	format, err := output.ParseFormat(showOutput)
	if err != nil {
		return err
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(os.Stdout, cfg)
	default:
		return output.PrintYAML(os.Stdout, cfg)
	}
}
