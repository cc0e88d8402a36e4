// Package commands implements the chatmesh client shell and its
// subcommands.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

// rootCmd starts the interactive shell when called without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "chatmesh",
	Short: "chatmesh - Replicated chat client shell",
	Long: `chatmesh is the interactive client for a chatmesh cluster. It finds
the current primary from the cluster table in the configuration, follows
failovers transparently, and receives real-time notifications while logged
in.

Run without arguments to enter the shell, or use a subcommand.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runShell,
}

// Execute runs the root command. Called once by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/chatmesh/config.yaml)")

	rootCmd.AddCommand(shellCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(completionCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}
