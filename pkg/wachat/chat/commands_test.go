package chat

import (
	"context"
	"strings"
	"testing"

	"github.com/jholhewres/wachat/pkg/wachat/channels"
	"github.com/jholhewres/wachat/pkg/wachat/database/backends"
)

const (
	ownerNumber = "15550000001"
	adminNumber = "15550000002"
	userNumber  = "15550000003"
)

func newTestCommands(t *testing.T) (*Commands, *Engine) {
	t.Helper()
	e := newTestEngine(t, backends.NewMemoryStore(), &fakeGenerator{reply: "ok"})
	access := NewAccess(AccessConfig{
		Owners: []string{"+" + ownerNumber},
		Admins: []string{adminNumber + "@s.whatsapp.net"},
	}, testLogger())
	return NewCommands(e, access, testLogger()), e
}

func run(t *testing.T, c *Commands, msg *channels.IncomingMessage) string {
	t.Helper()
	res := c.Execute(context.Background(), msg)
	if !res.Handled {
		t.Fatalf("command %q not handled", msg.Content)
	}
	return res.Response
}

func TestCommandParsing(t *testing.T) {
	c, _ := newTestCommands(t)
	ctx := context.Background()

	if res := c.Execute(ctx, textMessage(userNumber, "hello")); res.Handled {
		t.Error("plain text handled as command")
	}
	if res := c.Execute(ctx, textMessage(userNumber, ".unknowncmd x")); !res.Handled || res.Response != "" {
		t.Errorf("unknown command should be swallowed silently: %+v", res)
	}
	if got := run(t, c, textMessage(userNumber, ".CHATHELP")); !strings.Contains(got, "Remember chat history (20 messages)") {
		t.Errorf("help missing history size: %q", got)
	}
	if got := run(t, c, textMessage(userNumber, ".chatall on")); got != "This command requires owner access." {
		t.Errorf("expected owner denial, got %q", got)
	}
	if got := run(t, c, textMessage(userNumber, ".c on")); got != "This command requires admin access." {
		t.Errorf("alias should resolve to chat and be denied: %q", got)
	}
}

func TestToggleCommands(t *testing.T) {
	c, e := newTestCommands(t)
	s := e.Settings()

	if got := run(t, c, textMessage(ownerNumber, ".chatall")); !strings.HasPrefix(got, "Global Chat Status: DISABLED") {
		t.Errorf("unexpected chatall status %q", got)
	}
	if got := run(t, c, textMessage(ownerNumber, ".chatall on")); got != "Global Chat Enabled" || !s.GlobalEnabled() {
		t.Errorf("chatall on: %q", got)
	}

	if got := run(t, c, textMessage(adminNumber, ".chat off 15550001234")); got != "Chat Disabled for +15550001234" {
		t.Errorf("chat off target: %q", got)
	}
	if v, ok := s.Override(ScopeIndividual, "15550001234"); !ok || v {
		t.Errorf("override not set: %v %v", v, ok)
	}
	if got := run(t, c, textMessage(adminNumber, ".chat on abc")); got != "Invalid user number format. Please provide a valid phone number." {
		t.Errorf("invalid number: %q", got)
	}
	if got := run(t, c, textMessage(adminNumber, ".chat off")); got != "Chat Disabled" {
		t.Errorf("chat off self: %q", got)
	}
	if v, ok := s.Override(ScopeIndividual, adminNumber); !ok || v {
		t.Errorf("self override not set: %v %v", v, ok)
	}

	group := "1203@g.us"
	if got := run(t, c, groupMessage(group, adminNumber, ".chat on")); got != "Group Chat Enabled" {
		t.Errorf("chat on in group: %q", got)
	}
	if got := run(t, c, textMessage(adminNumber, ".gc on")); got != "This command can only be used in group chats." {
		t.Errorf("groupchat in DM: %q", got)
	}
	if got := run(t, c, groupMessage(group, adminNumber, ".groupchat")); !strings.HasPrefix(got, "Group Chat Status: ENABLED") {
		t.Errorf("groupchat status: %q", got)
	}
	if got := run(t, c, groupMessage(group, adminNumber, ".gc off")); got != "Group Chat Disabled" {
		t.Errorf("gc off: %q", got)
	}
	if v, _ := s.Override(ScopeGroup, group); v {
		t.Error("group override not disabled")
	}
}

func TestStatusCommand(t *testing.T) {
	c, e := newTestCommands(t)
	ctx := context.Background()
	_ = e.Settings().SetOverride(ctx, ScopeIndividual, userNumber, true)
	e.Handle(ctx, textMessage(userNumber, "hi"))

	got := run(t, c, textMessage(userNumber, ".chatstatus"))
	for _, want := range []string{
		"Global Chat: DISABLED",
		"Your Chat: ENABLED",
		"Active Users: 1",
		"Active Groups: 0",
		"Active Conversations: 1",
		"Will I respond to you? YES",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("status missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "This Group") {
		t.Error("group line shown in a direct chat")
	}

	// An admin toggle without a valid action reports status.
	if got := run(t, c, textMessage(adminNumber, ".chat maybe")); !strings.HasPrefix(got, "ChatBot Status Report") {
		t.Errorf("chat without action: %q", got)
	}
}

func TestDeleteHistoryCommand(t *testing.T) {
	c, e := newTestCommands(t)
	ctx := context.Background()
	conv := e.Conversations()
	_ = conv.Append(ctx, "user_"+adminNumber, "a", "b")
	_ = conv.Append(ctx, "user_15550001234", "a", "b")
	_ = conv.Append(ctx, "user_15550009999", "a", "b")

	if got := run(t, c, textMessage(adminNumber, ".chatdel")); got != "Chat history deleted (1 records)" {
		t.Errorf("chatdel current: %q", got)
	}
	if got := run(t, c, textMessage(adminNumber, ".chatdel 15550001234")); got != "Deleted chat history for +15550001234 (1 records)" {
		t.Errorf("chatdel number: %q", got)
	}
	if got := run(t, c, textMessage(adminNumber, ".chatdel 15550001234")); got != "Deleted chat history for +15550001234 (0 records)" {
		t.Errorf("chatdel missing: %q", got)
	}
	if got := run(t, c, textMessage(adminNumber, ".chatdel all")); got != "Deleted chat history for all users (1 records)" {
		t.Errorf("chatdel all: %q", got)
	}
}

func TestRoleCommands(t *testing.T) {
	c, e := newTestCommands(t)
	ctx := context.Background()
	roles := e.Roles()

	if got := run(t, c, textMessage(ownerNumber, ".botrole")); !strings.HasPrefix(got, "Current Global Role:\n\n"+DefaultRoleText) {
		t.Errorf("botrole show: %q", got)
	}
	if got := run(t, c, textMessage(ownerNumber, ".botrole too short")); got != roleTooShort {
		t.Errorf("botrole short: %q", got)
	}
	if got := run(t, c, textMessage(ownerNumber, ".botrole You are a pirate assistant")); got != "Global Bot Role Updated Successfully" {
		t.Errorf("botrole set: %q", got)
	}
	if roles.DefaultRole() != "You are a pirate assistant" {
		t.Errorf("default role = %q", roles.DefaultRole())
	}

	if got := run(t, c, textMessage(userNumber, ".setrole")); !strings.HasPrefix(got, "Set Personal Role\n\nUsage: .setrole") {
		t.Errorf("setrole usage: %q", got)
	}
	if got := run(t, c, textMessage(userNumber, ".role You are a chef 15550001234")); got != "Personal Role Set for +15550001234" {
		t.Errorf("setrole target: %q", got)
	}
	if got := roles.Resolve(ctx, Individual("15550001234")); got != "You are a chef" {
		t.Errorf("target role = %q", got)
	}
	if got := run(t, c, textMessage(userNumber, ".setrole tiny")); got != roleTooShort {
		t.Errorf("setrole short: %q", got)
	}
	if got := run(t, c, groupMessage("1203@g.us", userNumber, ".setrole You are a group moderator")); got != "Personal Role Set Successfully" {
		t.Errorf("setrole in group: %q", got)
	}
	if got := roles.Resolve(ctx, Group("1203@g.us")); got != "You are a group moderator" {
		t.Errorf("group role = %q", got)
	}

	if got := run(t, c, textMessage(userNumber, ".rr 15550001234")); got != "Role Reset for +15550001234" {
		t.Errorf("resetrole target: %q", got)
	}
	if got := roles.Resolve(ctx, Individual("15550001234")); got != "You are a pirate assistant" {
		t.Errorf("role after reset = %q", got)
	}
	if got := run(t, c, textMessage(userNumber, ".resetrole")); got != "Role Reset Successfully" {
		t.Errorf("resetrole self: %q", got)
	}
}

func TestPipelineOrder(t *testing.T) {
	c, e := newTestCommands(t)
	ctx := context.Background()
	_ = e.Settings().SetGlobal(ctx, true)
	p := DefaultPipeline(c, e)

	reply, stage, ok := p.Run(ctx, textMessage(userNumber, ".chatstatus"))
	if !ok || stage != "commands" || !strings.HasPrefix(reply, "ChatBot Status Report") {
		t.Errorf("command stage: %q %q %v", reply, stage, ok)
	}

	reply, stage, ok = p.Run(ctx, textMessage(userNumber, "hello"))
	if !ok || stage != "chat" || reply != "ok" {
		t.Errorf("chat stage: %q %q %v", reply, stage, ok)
	}

	_ = e.Settings().SetGlobal(ctx, false)
	if _, _, ok := p.Run(ctx, textMessage(userNumber, "hello")); ok {
		t.Error("gated message should not be handled")
	}
}

func TestCaptionCommandSkipsGenerator(t *testing.T) {
	gen := &fakeGenerator{reply: "ok"}
	e := newTestEngine(t, backends.NewMemoryStore(), gen)
	ctx := context.Background()
	_ = e.Settings().SetGlobal(ctx, true)
	c := NewCommands(e, NewAccess(AccessConfig{Owners: []string{ownerNumber}}, testLogger()), testLogger())
	p := DefaultPipeline(c, e)

	for _, typ := range []channels.MessageType{channels.MessageImage, channels.MessageVideo, channels.MessageDocument} {
		msg := textMessage(userNumber, ".chatstatus")
		msg.Type = typ
		msg.Media = &channels.MediaInfo{Type: typ, Caption: msg.Content}

		reply, stage, ok := p.Run(ctx, msg)
		if !ok || stage != "commands" || !strings.HasPrefix(reply, "ChatBot Status Report") {
			t.Errorf("%s caption: %q %q %v", typ, reply, stage, ok)
		}

		msg.Content = ".nosuchcommand"
		if reply, stage, ok := p.Run(ctx, msg); !ok || stage != "commands" || reply != "" {
			t.Errorf("%s unknown caption command: %q %q %v", typ, reply, stage, ok)
		}
	}
	if n := gen.calls(); n != 0 {
		t.Errorf("generator called %d times for prefixed captions", n)
	}
}
