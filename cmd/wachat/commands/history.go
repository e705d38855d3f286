package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/wachat/pkg/wachat/chat"
)

// newHistoryCmd creates the `wachat history` command group.
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and delete conversation histories",
		Long: `Inspect and delete stored conversations. A conversation is named by
its id (user_15550001234, group_120363...@g.us), a phone number or a
group address.

Examples:
  wachat history show 15550001234
  wachat history clear group_120363000000000000@g.us
  wachat history clear all
  wachat history prune --older-than 30d`,
	}

	cmd.AddCommand(
		newHistoryShowCmd(),
		newHistoryClearCmd(),
		newHistoryPruneCmd(),
	)
	return cmd
}

func newHistoryShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print the turns of one conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				id, err := conversationID(args[0])
				if err != nil {
					return err
				}
				turns := rt.engine.Conversations().History(ctx, id)
				out := cmd.OutOrStdout()
				if len(turns) == 0 {
					fmt.Fprintf(out, "No history for %s\n", id)
					return nil
				}
				fmt.Fprintf(out, "%s (%d turns)\n\n", id, len(turns))
				for _, t := range turns {
					ts := t.Time().Format(time.RFC3339)
					fmt.Fprintf(out, "[%s] User: %s\n[%s] Assistant: %s\n\n", ts, t.User, ts, t.Assistant)
				}
				return nil
			})
		},
	}
}

func newHistoryClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <id|all>",
		Short: "Delete one conversation or all of them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				conv := rt.engine.Conversations()
				if strings.EqualFold(args[0], "all") {
					n, err := conv.ClearAll(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d conversations\n", n)
					return nil
				}

				id, err := conversationID(args[0])
				if err != nil {
					return err
				}
				n, err := conv.Clear(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted history for %s (%d records)\n", id, n)
				return nil
			})
		},
	}
}

func newHistoryPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete conversations idle for longer than a duration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, _ := cmd.Flags().GetString("older-than")
			age, err := parseRetention(raw)
			if err != nil {
				return err
			}
			if age <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				n, err := rt.engine.Conversations().PruneOlderThan(ctx, time.Now().Add(-age))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d conversations idle for more than %s\n", n, raw)
				return nil
			})
		},
	}
	cmd.Flags().String("older-than", "30d", "idle age, e.g. 72h or 30d")
	return cmd
}

// withRuntime loads the config, opens the store and runs fn.
func withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *runtime) error) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg, os.Stderr)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rt, err := openRuntime(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

// conversationID accepts a conversation id, a phone number or a group
// address.
func conversationID(arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	switch {
	case strings.HasPrefix(arg, chat.ScopeIndividual.String()+"_"),
		strings.HasPrefix(arg, chat.ScopeGroup.String()+"_"):
		return arg, nil
	case chat.IsGroupAddress(arg):
		return chat.Group(arg).ConversationID(), nil
	}
	s := chat.Individual(arg)
	if !s.Valid() {
		return "", fmt.Errorf("%q is not a conversation id, phone number or group address", arg)
	}
	return s.ConversationID(), nil
}

// parseRetention parses a Go duration, also accepting whole days ("30d").
func parseRetention(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}
