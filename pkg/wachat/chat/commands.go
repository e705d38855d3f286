package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jholhewres/wachat/pkg/wachat/channels"
)

// CommandResult contains the result of a command execution.
type CommandResult struct {
	// Response is the text to send back.
	Response string

	// Handled is true if the message was a command, including denied and
	// unknown ones.
	Handled bool
}

// CommandContext is what a command knows about its caller.
type CommandContext struct {
	Msg *channels.IncomingMessage

	// Chat is the conversation the command was sent in (group or user).
	Chat Sender

	// Participant is the individual who sent the command.
	Participant Sender

	Level AccessLevel
}

// Command is one chat command.
type Command struct {
	Name        string
	Aliases     []string
	Usage       string
	Description string
	Permission  AccessLevel
	Run         func(ctx context.Context, cc *CommandContext, args []string) string
}

// Commands parses and dispatches chat commands, sent as messages starting
// with the configured prefix (default "."):
//
//	chat, c on|off [number]       - toggle for a user, this group or yourself (admin)
//	chatall on|off                - global toggle (owner)
//	groupchat, gc on|off          - toggle this group (admin)
//	chatstatus                    - status report
//	chatdel [number|all]          - delete conversation history (admin)
//	botrole [text]                - show or set the default role (owner)
//	setrole, role <text> [number] - set a personal role
//	resetrole, rr [number]        - reset to the default role
//	chathelp                      - help
type Commands struct {
	prefix string
	engine *Engine
	access *Access
	logger *slog.Logger
	list   []*Command
	byName map[string]*Command
}

// NewCommands registers the chat commands for engine.
func NewCommands(engine *Engine, access *Access, logger *slog.Logger) *Commands {
	if logger == nil {
		logger = slog.Default()
	}
	if access == nil {
		access = NewAccess(AccessConfig{}, logger)
	}
	c := &Commands{
		prefix: engine.Config().Prefix,
		engine: engine,
		access: access,
		logger: logger.With("component", "commands"),
		byName: make(map[string]*Command),
	}
	c.register()
	return c
}

func (c *Commands) register() {
	p := c.prefix
	for _, cmd := range []*Command{
		{Name: "chat", Aliases: []string{"c"}, Permission: AccessAdmin,
			Usage: p + "chat on/off [user_number]", Description: "Toggle chatbot for user/group",
			Run: c.toggleChat},
		{Name: "chatall", Permission: AccessOwner,
			Usage: p + "chatall on/off", Description: "Toggle global chatbot for all users",
			Run: c.toggleGlobal},
		{Name: "groupchat", Aliases: []string{"gc"}, Permission: AccessAdmin,
			Usage: p + "groupchat on/off", Description: "Toggle chatbot for current group",
			Run: c.toggleGroup},
		{Name: "chatstatus", Permission: AccessPublic,
			Usage: p + "chatstatus", Description: "Check chatbot status",
			Run: c.status},
		{Name: "chatdel", Permission: AccessAdmin,
			Usage: p + "chatdel [user_number] OR " + p + "chatdel all", Description: "Delete conversation history",
			Run: c.deleteHistory},
		{Name: "botrole", Permission: AccessOwner,
			Usage: p + "botrole <role_description>", Description: "Set global bot role",
			Run: c.botRole},
		{Name: "setrole", Aliases: []string{"role"}, Permission: AccessPublic,
			Usage: p + "setrole <role_description> [user_number]", Description: "Set bot role for yourself or a specific user",
			Run: c.setRole},
		{Name: "resetrole", Aliases: []string{"rr"}, Permission: AccessPublic,
			Usage: p + "resetrole [user_number]", Description: "Reset to default role",
			Run: c.resetRole},
		{Name: "chathelp", Permission: AccessPublic,
			Usage: p + "chathelp", Description: "Show chatbot help and features",
			Run: c.help},
	} {
		c.list = append(c.list, cmd)
		c.byName[cmd.Name] = cmd
		for _, a := range cmd.Aliases {
			c.byName[a] = cmd
		}
	}
}

// List returns the registered commands.
func (c *Commands) List() []*Command { return c.list }

// IsCommand reports whether content starts with the command prefix.
func (c *Commands) IsCommand(content string) bool {
	return strings.HasPrefix(strings.TrimSpace(content), c.prefix)
}

// Name implements Stage.
func (c *Commands) Name() string { return "commands" }

// Process implements Stage.
func (c *Commands) Process(ctx context.Context, msg *channels.IncomingMessage) (string, bool) {
	res := c.Execute(ctx, msg)
	return res.Response, res.Handled
}

// Execute runs the command in msg. Prefixed messages, media captions
// included, are always handled so they never reach the chat engine;
// unknown commands get no response.
func (c *Commands) Execute(ctx context.Context, msg *channels.IncomingMessage) CommandResult {
	content := strings.TrimSpace(msg.Content)
	if !c.IsCommand(content) {
		return CommandResult{}
	}

	parts := strings.Fields(strings.TrimPrefix(content, c.prefix))
	if len(parts) == 0 {
		return CommandResult{Handled: true}
	}
	name := strings.ToLower(parts[0])
	args := parts[1:]

	cmd, ok := c.byName[name]
	if !ok {
		c.logger.Debug("ignoring unknown command", "command", name)
		return CommandResult{Handled: true}
	}

	cc := &CommandContext{
		Msg:         msg,
		Chat:        SenderOf(msg),
		Participant: ParticipantOf(msg),
		Level:       c.access.Level(msg.From),
	}
	if !cc.Level.Allows(cmd.Permission) {
		c.logger.Info("command denied", "command", cmd.Name, "from", msg.From, "level", cc.Level)
		return CommandResult{Response: fmt.Sprintf("This command requires %s access.", cmd.Permission), Handled: true}
	}

	c.engine.Metrics().Command(cmd.Name)
	c.engine.Metrics().MessageOutcome(OutcomeCommand)
	return CommandResult{Response: cmd.Run(ctx, cc, args), Handled: true}
}

func onOff(args []string) (enabled, ok bool) {
	if len(args) == 0 {
		return false, false
	}
	switch strings.ToLower(args[0]) {
	case "on":
		return true, true
	case "off":
		return false, true
	}
	return false, false
}

func enabledWord(b bool) string {
	if b {
		return "Enabled"
	}
	return "Disabled"
}

func statusWord(b bool) string {
	if b {
		return "ENABLED"
	}
	return "DISABLED"
}

func (c *Commands) toggleChat(ctx context.Context, cc *CommandContext, args []string) string {
	enabled, ok := onOff(args)
	if !ok {
		return c.status(ctx, cc, args)
	}

	settings := c.engine.Settings()
	fail := "Failed to toggle chat settings. Please try again."

	switch {
	case len(args) > 1:
		id := onlyDigits(args[1])
		if id == "" {
			return "Invalid user number format. Please provide a valid phone number."
		}
		if err := settings.SetOverride(ctx, ScopeIndividual, id, enabled); err != nil {
			c.logger.Error("toggle chat failed", "target", id, "error", err)
			return fail
		}
		return fmt.Sprintf("Chat %s for +%s", enabledWord(enabled), id)

	case cc.Chat.Scope == ScopeGroup:
		if err := settings.SetOverride(ctx, ScopeGroup, cc.Chat.ID, enabled); err != nil {
			c.logger.Error("toggle group chat failed", "group", cc.Chat.ID, "error", err)
			return fail
		}
		return "Group Chat " + enabledWord(enabled)

	default:
		if err := settings.SetOverride(ctx, ScopeIndividual, cc.Participant.ID, enabled); err != nil {
			c.logger.Error("toggle chat failed", "target", cc.Participant.ID, "error", err)
			return fail
		}
		return "Chat " + enabledWord(enabled)
	}
}

func (c *Commands) toggleGlobal(ctx context.Context, cc *CommandContext, args []string) string {
	settings := c.engine.Settings()
	enabled, ok := onOff(args)
	if !ok {
		return fmt.Sprintf("Global Chat Status: %s\n\nUsage: %schatall on/off", statusWord(settings.GlobalEnabled()), c.prefix)
	}
	if err := settings.SetGlobal(ctx, enabled); err != nil {
		c.logger.Error("toggle global chat failed", "error", err)
		return "Failed to toggle global chat. Please try again."
	}
	return "Global Chat " + enabledWord(enabled)
}

func (c *Commands) toggleGroup(ctx context.Context, cc *CommandContext, args []string) string {
	if cc.Chat.Scope != ScopeGroup {
		return "This command can only be used in group chats."
	}
	settings := c.engine.Settings()
	enabled, ok := onOff(args)
	if !ok {
		current, _ := settings.Override(ScopeGroup, cc.Chat.ID)
		return fmt.Sprintf("Group Chat Status: %s\n\nUsage: %sgroupchat on/off", statusWord(current), c.prefix)
	}
	if err := settings.SetOverride(ctx, ScopeGroup, cc.Chat.ID, enabled); err != nil {
		c.logger.Error("toggle group chat failed", "group", cc.Chat.ID, "error", err)
		return "Failed to toggle group chat. Please try again."
	}
	return "Group Chat " + enabledWord(enabled)
}

func (c *Commands) status(ctx context.Context, cc *CommandContext, _ []string) string {
	settings := c.engine.Settings()
	st := c.engine.Status(ctx)

	var b strings.Builder
	b.WriteString("ChatBot Status Report\n\n")
	fmt.Fprintf(&b, "Global Chat: %s\n", statusWord(st.Settings.GlobalEnabled))
	if cc.Chat.Scope == ScopeGroup {
		group, _ := settings.Override(ScopeGroup, cc.Chat.ID)
		fmt.Fprintf(&b, "This Group: %s\n", statusWord(group))
	}
	user, ok := settings.Override(ScopeIndividual, cc.Participant.ID)
	if !ok {
		user = st.Settings.GlobalEnabled
	}
	fmt.Fprintf(&b, "Your Chat: %s\n", statusWord(user))

	b.WriteString("\nStatistics:\n")
	fmt.Fprintf(&b, "Active Users: %d\n", st.Settings.EnabledUsers)
	fmt.Fprintf(&b, "Active Groups: %d\n", st.Settings.EnabledGroups)
	if st.Conversations >= 0 {
		fmt.Fprintf(&b, "Active Conversations: %d\n", st.Conversations)
	} else {
		b.WriteString("Active Conversations: unknown\n")
	}

	will := "NO"
	if settings.ShouldRespond(cc.Chat) {
		will = "YES"
	}
	fmt.Fprintf(&b, "\nWill I respond to you? %s", will)
	return b.String()
}

func (c *Commands) deleteHistory(ctx context.Context, cc *CommandContext, args []string) string {
	conv := c.engine.Conversations()
	fail := "Failed to delete chat history. Please try again."

	switch {
	case len(args) > 0 && strings.EqualFold(args[0], "all"):
		n, err := conv.ClearAll(ctx)
		if err != nil {
			c.logger.Error("clear all history failed", "error", err)
			return fail
		}
		return fmt.Sprintf("Deleted chat history for all users (%d records)", n)

	case len(args) > 0 && isAllDigits(args[0]):
		target := Individual(args[0])
		n, err := conv.Clear(ctx, target.ConversationID())
		if err != nil {
			c.logger.Error("clear history failed", "conversation", target.ConversationID(), "error", err)
			return fail
		}
		return fmt.Sprintf("Deleted chat history for +%s (%d records)", target.ID, n)

	default:
		n, err := conv.Clear(ctx, cc.Chat.ConversationID())
		if err != nil {
			c.logger.Error("clear history failed", "conversation", cc.Chat.ConversationID(), "error", err)
			return fail
		}
		return fmt.Sprintf("Chat history deleted (%d records)", n)
	}
}

const roleTooShort = "Role description too short. Please provide a more detailed role description (at least 10 characters)."

func (c *Commands) botRole(ctx context.Context, cc *CommandContext, args []string) string {
	roles := c.engine.Roles()
	if len(args) == 0 {
		return fmt.Sprintf("Current Global Role:\n\n%s\n\nUsage: %sbotrole <new_role_description>", roles.DefaultRole(), c.prefix)
	}
	if err := roles.SetDefaultRole(ctx, strings.Join(args, " ")); err != nil {
		if errors.Is(err, ErrValidation) {
			return roleTooShort
		}
		c.logger.Error("set default role failed", "error", err)
		return "Failed to update global role. Please try again."
	}
	return "Global Bot Role Updated Successfully"
}

func (c *Commands) setRole(ctx context.Context, cc *CommandContext, args []string) string {
	if len(args) == 0 {
		return fmt.Sprintf("Set Personal Role\n\nUsage: %[1]ssetrole <role_description> [user_number]\n\n"+
			"Examples:\n%[1]ssetrole You are a coding assistant\n%[1]ssetrole You are a creative writing helper 1234567890", c.prefix)
	}

	target := cc.Chat
	explicit := false
	if last := args[len(args)-1]; isAllDigits(last) {
		target = Individual(last)
		explicit = true
		args = args[:len(args)-1]
	}

	if err := c.engine.Roles().SetPersonalRole(ctx, target, strings.Join(args, " ")); err != nil {
		if errors.Is(err, ErrValidation) {
			return roleTooShort
		}
		c.logger.Error("set personal role failed", "target", target.TargetID(), "error", err)
		return "Failed to set personal role. Please try again."
	}
	if explicit {
		return "Personal Role Set for +" + target.ID
	}
	return "Personal Role Set Successfully"
}

func (c *Commands) resetRole(ctx context.Context, cc *CommandContext, args []string) string {
	target := cc.Chat
	explicit := false
	if len(args) > 0 && isAllDigits(args[0]) {
		target = Individual(args[0])
		explicit = true
	}

	if err := c.engine.Roles().ResetPersonalRole(ctx, target); err != nil {
		c.logger.Error("reset personal role failed", "target", target.TargetID(), "error", err)
		return "Failed to reset role. Please try again."
	}
	if explicit {
		return "Role Reset for +" + target.ID
	}
	return "Role Reset Successfully"
}

func (c *Commands) help(_ context.Context, _ *CommandContext, _ []string) string {
	p := c.prefix
	var b strings.Builder
	b.WriteString("ChatBot Help & Features\n\n")
	b.WriteString("What I can do:\n")
	b.WriteString("- Have natural conversations\n")
	fmt.Fprintf(&b, "- Remember chat history (%d messages)\n", c.engine.Conversations().MaxTurns())
	b.WriteString("- Process text, images, videos, and audio\n")
	b.WriteString("- Answer questions on any topic\n\n")
	b.WriteString("Commands:\n")
	fmt.Fprintf(&b, "%schat on/off [number] - Toggle for user/group\n", p)
	fmt.Fprintf(&b, "%schatall on/off - Global toggle (owner)\n", p)
	fmt.Fprintf(&b, "%sgroupchat on/off - Group toggle (admin)\n", p)
	fmt.Fprintf(&b, "%schatstatus - Check current status\n", p)
	fmt.Fprintf(&b, "%schatdel [number/all] - Delete chat history\n", p)
	fmt.Fprintf(&b, "%ssetrole <description> [number] - Set custom role\n", p)
	fmt.Fprintf(&b, "%sresetrole [number] - Reset to default role\n", p)
	fmt.Fprintf(&b, "%sbotrole <description> - Set global role (owner)\n", p)
	fmt.Fprintf(&b, "%schathelp - Show this help\n\n", p)
	b.WriteString("Tips:\n")
	b.WriteString("- Just type normally to chat with me\n")
	b.WriteString("- I remember conversation context\n")
	b.WriteString("- Send media (image/video/audio) with text for analysis")
	return b.String()
}
