package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/wachat/pkg/wachat/config"
)

// newConfigCmd creates the `wachat config` command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration and manage the API key",
		Long: `Inspect the effective configuration and manage the API key kept in
the OS keyring.

Examples:
  wachat config show
  wachat config set-key
  wachat config delete-key`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigSetKeyCmd(),
		newConfigDeleteKeyCmd(),
	)
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (secrets masked)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if path == "" {
				path = "(defaults, no file found)"
			}

			shown := *cfg
			shown.LLM.APIKey = config.MaskSecret(cfg.LLM.APIKey)
			if key := config.KeyringAPIKey(); key != "" {
				shown.LLM.APIKey = config.MaskSecret(key) + " (keyring)"
			}
			shown.Gateway.Token = config.MaskSecret(cfg.Gateway.Token)
			if shown.Database.PostgreSQL.DSN != "" {
				shown.Database.PostgreSQL.DSN = config.MaskSecret(shown.Database.PostgreSQL.DSN)
			}
			if shown.Database.PostgreSQL.Password != "" {
				shown.Database.PostgreSQL.Password = config.MaskSecret(shown.Database.PostgreSQL.Password)
			}

			data, err := yaml.Marshal(&shown)
			if err != nil {
				return fmt.Errorf("marshaling config: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# source: %s\n", path)
			_, err = out.Write(data)
			return err
		},
	}
}

func newConfigSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key",
		Short: "Store the Gemini API key in the OS keyring",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !config.KeyringAvailable() {
				return fmt.Errorf("OS keyring not available; set GEMINI_API_KEY instead")
			}
			key, err := config.ReadPassword("API key (hidden input): ")
			if err != nil {
				return err
			}
			if key == "" {
				return fmt.Errorf("empty key, nothing stored")
			}
			if err := config.StoreAPIKey(key); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "API key stored in the OS keyring.")
			return nil
		},
	}
}

func newConfigDeleteKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-key",
		Short: "Remove the API key from the OS keyring",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.DeleteAPIKey(); err != nil {
				return fmt.Errorf("deleting key: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "API key removed from the OS keyring.")
			return nil
		},
	}
}
