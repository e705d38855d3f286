package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/jholhewres/wachat/pkg/wachat/channels"
	"github.com/jholhewres/wachat/pkg/wachat/channels/console"
	"github.com/jholhewres/wachat/pkg/wachat/chat"
	"github.com/jholhewres/wachat/pkg/wachat/config"
)

// newChatCmd creates the `wachat chat` command: a local REPL that talks to
// the bot exactly as a WhatsApp contact would, commands included.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the bot from the terminal",
		Long: `Open an interactive session that goes through the same pipeline as
WhatsApp messages: settings, roles, history and chat commands apply.
The session uses the configured database, so toggles and history are
shared with 'wachat serve'.

Examples:
  wachat chat
  wachat chat --as 15550001234
  wachat chat --as 15550001234 --group 120363000000000000@g.us`,
		RunE: runChat,
	}

	cmd.Flags().String("as", "", "phone number to impersonate (default: first owner)")
	cmd.Flags().String("group", "", "group address the messages come from")
	return cmd
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     historyFile(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("opening terminal: %w", err)
	}
	defer rl.Close()

	// Logs go to stderr so they do not interleave with the prompt.
	logger := newLogger(cmd, cfg, os.Stderr)
	config.ResolveAPIKey(cfg, logger)

	sender := chatSender(cmd, cfg)
	group, _ := cmd.Flags().GetString("group")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	con := console.New(console.Config{
		Sender: sender + "@s.whatsapp.net",
		Group:  group,
	}, rl.Stdout(), logger)

	manager := channels.NewManager(logger)
	if err := manager.Register(con); err != nil {
		return err
	}

	rt, err := openRuntime(ctx, cfg, manager, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	assistant := chat.NewAssistant(manager, rt.engine, chat.NewAccess(cfg.Access, logger), logger)
	if err := manager.Start(ctx); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- assistant.Run(ctx) }()

	fmt.Fprintf(rl.Stdout(), "Chatting as +%s. Type %schathelp for commands, Ctrl+D to quit.\n", sender, cfg.Bot.Prefix)

	err = replLoop(rl, con)
	manager.Stop()
	if runErr := <-done; runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return err
}

// replLoop submits every non-empty line until EOF.
func replLoop(rl *readline.Instance, con *console.Console) error {
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		if err := con.Submit(line); err != nil {
			return err
		}
	}
}

// chatSender returns the impersonated number: --as, else the first owner,
// else a fixed local number.
func chatSender(cmd *cobra.Command, cfg *config.Config) string {
	if as, _ := cmd.Flags().GetString("as"); as != "" {
		if n := chat.NormalizeNumber(as); n != "" {
			return n
		}
	}
	for _, owner := range cfg.Access.Owners {
		if n := chat.NormalizeNumber(owner); n != "" {
			return n
		}
	}
	return "10000000000"
}

func historyFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	dir = filepath.Join(dir, "wachat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return ""
	}
	return filepath.Join(dir, "chat_history")
}
