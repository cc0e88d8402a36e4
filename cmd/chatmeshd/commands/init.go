package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chatmesh/chatmesh/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Write a sample configuration file with the canonical three-replica
localhost cluster.

Examples:
  # Write to the default location
  chatmeshd init

  # Write to a custom path, overwriting if present
  chatmeshd init --config /etc/chatmesh/config.yaml --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := GetConfigFile()
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
	}

	if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", path)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the cluster table to match your deployment")
	fmt.Println("  2. Start each replica: chatmeshd start --replica <name>")
	return nil
}
