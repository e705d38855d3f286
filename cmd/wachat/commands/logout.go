package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/wachat/pkg/wachat/channels/whatsapp"
)

// newLogoutCmd creates the `wachat logout` command that unlinks the
// WhatsApp device so the next serve asks for a new QR code.
func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Unlink the WhatsApp device and delete the stored session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cmd, cfg, os.Stderr)

			wa := whatsapp.New(cfg.Channels.WhatsApp, logger)
			if err := wa.Connect(cmd.Context()); err != nil {
				return err
			}
			defer wa.Disconnect()

			if wa.NeedsQR() {
				fmt.Fprintln(cmd.OutOrStdout(), "No linked WhatsApp device.")
				return nil
			}
			if err := wa.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "WhatsApp device unlinked.")
			return nil
		},
	}
}
