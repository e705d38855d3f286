package chat

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/wachat/pkg/wachat/channels"
	"github.com/jholhewres/wachat/pkg/wachat/channels/console"
)

// syncBuffer is a bytes.Buffer safe for concurrent use.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestAssistantOverConsole(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &syncBuffer{}
	con := console.New(console.Config{Sender: ownerNumber + "@s.whatsapp.net"}, out, testLogger())

	mgr := channels.NewManager(testLogger())
	if err := mgr.Register(con); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	gen := &fakeGenerator{reply: "Hi from the bot"}
	e := newTestEngine(t, nil, gen)
	// One worker keeps messages in submission order.
	e.cfg.MaxConcurrent = 1
	a := NewAssistant(mgr, e, NewAccess(AccessConfig{Owners: []string{ownerNumber}}, testLogger()), testLogger())

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// Gated: no reply.
	if err := con.Submit("hello?"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := con.Submit(".chatall on"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, func() bool { return strings.Contains(out.String(), "bot> Global Chat Enabled") })

	if err := con.Submit("hello again"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, func() bool { return strings.Contains(out.String(), "bot> Hi from the bot") })

	if gen.calls() != 1 {
		t.Errorf("expected one generation, got %d", gen.calls())
	}

	mgr.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v after stream closed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("assistant did not stop")
	}
}
