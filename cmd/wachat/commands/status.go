package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the `wachat status` command.
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show enablement settings and stored conversations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				st := rt.engine.Status(ctx)
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(st)
				}

				global := "DISABLED"
				if st.Settings.GlobalEnabled {
					global = "ENABLED"
				}
				fmt.Fprintf(out, "Global chat:       %s\n", global)
				fmt.Fprintf(out, "User overrides:    %d (%d enabled)\n", st.Settings.Users, st.Settings.EnabledUsers)
				fmt.Fprintf(out, "Group overrides:   %d (%d enabled)\n", st.Settings.Groups, st.Settings.EnabledGroups)
				fmt.Fprintf(out, "Conversations:     %d\n", st.Conversations)
				fmt.Fprintf(out, "History size:      %d turns\n", st.MaxHistory)
				fmt.Fprintf(out, "Backend:           %s\n", rt.cfg.Database.Backend)
				fmt.Fprintf(out, "Model:             %s\n", rt.cfg.LLM.Model)
				fmt.Fprintf(out, "\nDefault role:\n%s\n", st.DefaultRole)
				return nil
			})
		},
	}
	cmd.Flags().Bool("json", false, "print JSON")
	return cmd
}
