package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/wachat/pkg/wachat/database"
	"github.com/jholhewres/wachat/pkg/wachat/database/backends"
)

func TestAppendKeepsNewest(t *testing.T) {
	ctx := context.Background()
	c := NewConversations(backends.NewMemoryStore(), 0, testLogger())
	if c.MaxTurns() != DefaultMaxHistory {
		t.Fatalf("expected default bound %d, got %d", DefaultMaxHistory, c.MaxTurns())
	}

	const extra = 5
	for i := 0; i < DefaultMaxHistory+extra; i++ {
		if err := c.Append(ctx, "user_1", fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	turns := c.History(ctx, "user_1")
	if len(turns) != DefaultMaxHistory {
		t.Fatalf("expected %d turns, got %d", DefaultMaxHistory, len(turns))
	}
	for i, turn := range turns {
		want := i + extra
		if turn.User != fmt.Sprintf("q%d", want) || turn.Assistant != fmt.Sprintf("a%d", want) {
			t.Errorf("turn %d = %+v, want q%d/a%d", i, turn, want, want)
		}
		if turn.Timestamp == 0 {
			t.Errorf("turn %d has no timestamp", i)
		}
	}
}

func TestHistoryMissingAndFailing(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	c := NewConversations(store, 3, testLogger())

	if h := c.History(ctx, "user_404"); len(h) != 0 {
		t.Errorf("expected empty history, got %v", h)
	}

	if err := c.Append(ctx, "user_1", "hi", "hello"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	store.failReads.Store(true)
	if h := c.History(ctx, "user_1"); len(h) != 0 {
		t.Errorf("expected empty history on read failure, got %v", h)
	}
	if err := c.Append(ctx, "user_1", "again", "reply"); err == nil {
		t.Error("append after failed read must not overwrite the history")
	}
	store.failReads.Store(false)
	if h := c.History(ctx, "user_1"); len(h) != 1 {
		t.Errorf("history changed after failed append: %v", h)
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	store := backends.NewMemoryStore()
	c := NewConversations(store, 5, testLogger())
	roles := NewRoles(store, "", testLogger())

	n, err := c.Clear(ctx, "user_missing")
	if err != nil || n != 0 {
		t.Errorf("clear on missing id: n=%d err=%v", n, err)
	}

	_ = c.Append(ctx, "user_1", "a", "b")
	_ = c.Append(ctx, "group_1@g.us", "a", "b")
	if err := roles.SetPersonalRole(ctx, Individual("1"), "You are a kept persona."); err != nil {
		t.Fatalf("SetPersonalRole: %v", err)
	}
	settings := NewSettings(store, testLogger())
	_ = settings.SetOverride(ctx, ScopeIndividual, "1", true)

	n, err = c.Clear(ctx, "user_1")
	if err != nil || n != 1 {
		t.Errorf("clear existing: n=%d err=%v", n, err)
	}

	_ = c.Append(ctx, "user_2", "a", "b")
	n, err = c.ClearAll(ctx)
	if err != nil || n != 2 {
		t.Errorf("clear all: n=%d err=%v", n, err)
	}
	if cnt, _ := c.Count(ctx); cnt != 0 {
		t.Errorf("expected no conversations, got %d", cnt)
	}

	if got := roles.Resolve(ctx, Individual("1")); got != "You are a kept persona." {
		t.Errorf("clear all removed a role record: %q", got)
	}
	if cnt, _ := store.Count(ctx, database.Filter{Type: database.TypeUserSettings}); cnt != 1 {
		t.Errorf("clear all removed settings records: %d left", cnt)
	}
}

func TestConcurrentAppendsLoseNothing(t *testing.T) {
	ctx := context.Background()
	c := NewConversations(backends.NewMemoryStore(), 100, testLogger())

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := c.Append(ctx, "user_1", fmt.Sprintf("q%d", i), "a"); err != nil {
				t.Errorf("Append: %v", err)
			}
		}(i)
	}
	wg.Wait()

	turns := c.History(ctx, "user_1")
	if len(turns) != workers {
		t.Fatalf("expected %d turns, got %d", workers, len(turns))
	}
	seen := make(map[string]bool)
	for _, turn := range turns {
		seen[turn.User] = true
	}
	if len(seen) != workers {
		t.Errorf("duplicate or lost turns: %v", seen)
	}
	if len(c.locks.locks) != 0 {
		t.Errorf("keyed locks leaked: %d", len(c.locks.locks))
	}
}

func TestPruneOlderThan(t *testing.T) {
	ctx := context.Background()
	c := NewConversations(backends.NewMemoryStore(), 5, testLogger())
	_ = c.Append(ctx, "user_1", "a", "b")
	_ = c.Append(ctx, "user_2", "a", "b")

	n, err := c.PruneOlderThan(ctx, time.Now().Add(-time.Hour))
	if err != nil || n != 0 {
		t.Errorf("prune with past cutoff: n=%d err=%v", n, err)
	}
	n, err = c.PruneOlderThan(ctx, time.Now().Add(time.Minute))
	if err != nil || n != 2 {
		t.Errorf("prune with future cutoff: n=%d err=%v", n, err)
	}
}
