package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zalando/go-keyring"

	"github.com/jholhewres/wachat/pkg/wachat/chat"
	"github.com/jholhewres/wachat/pkg/wachat/database"
)

func TestRootCommand(t *testing.T) {
	root := NewRootCmd("1.2.3")
	if root.Version != "1.2.3" {
		t.Errorf("version = %q", root.Version)
	}
	for _, name := range []string{"serve", "chat", "setup", "config", "history", "status", "logout"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not registered", name)
		}
	}
	for _, flag := range []string{"config", "verbose"} {
		if root.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("persistent flag --%s missing", flag)
		}
	}
}

func TestConversationID(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"user_15550001234", "user_15550001234", false},
		{"group_1203@g.us", "group_1203@g.us", false},
		{"+1 (555) 000-1234", "user_15550001234", false},
		{"15550001234@s.whatsapp.net", "user_15550001234", false},
		{"1203@g.us", "group_1203@g.us", false},
		{"nobody", "", true},
	}
	for _, tt := range tests {
		got, err := conversationID(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("conversationID(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestParseRetention(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30d", 30 * 24 * time.Hour, false},
		{"72h", 72 * time.Hour, false},
		{"90m", 90 * time.Minute, false},
		{"xd", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := parseRetention(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseRetention(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestBuildSetupConfig(t *testing.T) {
	cfg, err := buildSetupConfig(setupAnswers{
		Name:      "  Helper ",
		Owner:     "+1 555 000 0001",
		Model:     "gemini-1.5-pro",
		Backend:   string(database.BackendSQLite),
		Retention: "30d",
		Gateway:   true,
	})
	if err != nil {
		t.Fatalf("buildSetupConfig: %v", err)
	}
	if cfg.Name != "Helper" || cfg.Access.Owners[0] != "15550000001" || cfg.LLM.Model != "gemini-1.5-pro" {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.LLM.APIKey != "${GEMINI_API_KEY}" || cfg.Gateway.Token != "${WACHAT_GATEWAY_TOKEN}" {
		t.Errorf("secrets should be env references: %q %q", cfg.LLM.APIKey, cfg.Gateway.Token)
	}
	if cfg.History.Retention != 30*24*time.Hour || !cfg.Gateway.Enabled {
		t.Errorf("history/gateway = %+v %+v", cfg.History, cfg.Gateway)
	}

	if _, err := buildSetupConfig(setupAnswers{Owner: "123", Backend: "sqlite"}); err == nil {
		t.Error("short owner number accepted")
	}
	if _, err := buildSetupConfig(setupAnswers{Owner: "15550000001", Backend: "postgresql"}); err == nil {
		t.Error("postgres without DSN accepted")
	}
}

// writeConfig writes a config using a SQLite file under dir.
func writeConfig(t *testing.T, dir string) (string, string) {
	t.Helper()
	dbPath := filepath.Join(dir, "wachat.db")
	data := fmt.Sprintf("logging:\n  level: error\ndatabase:\n  backend: sqlite\n  sqlite:\n    path: %s\n", dbPath)
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	return path, dbPath
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	root := NewRootCmd("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		t.Fatalf("wachat %s: %v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

func TestHistoryAndStatusCommands(t *testing.T) {
	dir := t.TempDir()
	cfgPath, dbPath := writeConfig(t, dir)

	// Seed one conversation directly in the store.
	ctx := context.Background()
	store, err := database.Open(database.Config{
		Backend: database.BackendSQLite,
		SQLite:  database.SQLiteConfig{Path: dbPath},
	}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	conv := chat.NewConversations(store, chat.DefaultMaxHistory, nil)
	if err := conv.Append(ctx, "user_15550001234", "hi", "hello there"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	store.Close()

	out := execute(t, "--config", cfgPath, "history", "show", "+1 555 000 1234")
	if !strings.Contains(out, "User: hi") || !strings.Contains(out, "Assistant: hello there") {
		t.Errorf("history show output:\n%s", out)
	}

	out = execute(t, "--config", cfgPath, "status", "--json")
	var st chat.Status
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("status json: %v\n%s", err, out)
	}
	if st.Conversations != 1 || st.MaxHistory != chat.DefaultMaxHistory || st.Settings.GlobalEnabled {
		t.Errorf("unexpected status %+v", st)
	}

	out = execute(t, "--config", cfgPath, "history", "clear", "all")
	if !strings.Contains(out, "Deleted 1 conversations") {
		t.Errorf("history clear output: %q", out)
	}
	out = execute(t, "--config", cfgPath, "history", "show", "user_15550001234")
	if !strings.Contains(out, "No history for user_15550001234") {
		t.Errorf("history after clear: %q", out)
	}
}

func TestConfigShowMasksSecrets(t *testing.T) {
	keyring.MockInit()
	dir := t.TempDir()
	cfgPath, _ := writeConfig(t, dir)
	t.Setenv("GEMINI_API_KEY", "AIzaSyVERYSECRETKEY1234")

	out := execute(t, "--config", cfgPath, "config", "show")
	if strings.Contains(out, "VERYSECRET") {
		t.Errorf("secret leaked:\n%s", out)
	}
	if !strings.Contains(out, "1234") || !strings.Contains(out, "# source: "+cfgPath) {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestGracefulShutdownWaitsForAssistant(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("waits for in-flight messages", func(t *testing.T) {
		done := make(chan error, 1)
		var drained, stopped atomic.Bool
		go func() {
			time.Sleep(50 * time.Millisecond)
			drained.Store(true)
			done <- context.Canceled
		}()

		if !gracefulShutdown(logger, 2*time.Second, done, func() { stopped.Store(true) }) {
			t.Fatal("shutdown timed out")
		}
		if !drained.Load() {
			t.Error("returned before the assistant drained")
		}
		if !stopped.Load() {
			t.Error("stop function not called")
		}
	})

	t.Run("assistant already finished", func(t *testing.T) {
		if !gracefulShutdown(logger, time.Second, nil, func() {}) {
			t.Error("shutdown timed out without an assistant to wait for")
		}
	})

	t.Run("times out", func(t *testing.T) {
		done := make(chan error)
		if gracefulShutdown(logger, 20*time.Millisecond, done) {
			t.Error("expected timeout while the assistant is still running")
		}
	})
}
