// Package commands implements the wachat CLI using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wachat",
		Short: "WaChat - AI chatbot for WhatsApp",
		Long: `WaChat answers WhatsApp messages with a generative model, keeping a
short per-chat history and a configurable persona. Owners and admins
control it with chat commands (.chat on, .chatall off, .botrole ...).

Examples:
  wachat setup
  wachat serve
  wachat chat --as 15550001234
  wachat history show user_15550001234`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newSetupCmd(),
		newConfigCmd(),
		newHistoryCmd(),
		newStatusCmd(),
		newLogoutCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
