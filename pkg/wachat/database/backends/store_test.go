package backends

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jholhewres/wachat/pkg/wachat/database"
)

// storeFactories lists the backends exercised by the shared suite.
func storeFactories(t *testing.T) map[string]func() database.Store {
	return map[string]func() database.Store{
		"memory": func() database.Store { return NewMemoryStore() },
		"sqlite": func() database.Store {
			s, err := OpenSQLite(database.SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")}, nil)
			if err != nil {
				t.Fatalf("OpenSQLite: %v", err)
			}
			return s
		},
	}
}

func TestStoreContract(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			runStoreSuite(t, open)
		})
	}
}

func runStoreSuite(t *testing.T, open func() database.Store) {
	ctx := context.Background()

	t.Run("find one on empty store", func(t *testing.T) {
		s := open()
		defer s.Close()

		_, err := s.FindOne(ctx, database.Filter{Type: database.TypeConversation, Key: "user_1"})
		if !errors.Is(err, database.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("upsert then merge keeps other fields", func(t *testing.T) {
		s := open()
		defer s.Close()

		f := database.Filter{Type: database.TypeGlobalSettings, Key: database.GlobalKey}
		res, err := s.UpdateOne(ctx, f, map[string]any{"globalChatEnabled": true}, true)
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if !res.Upserted {
			t.Errorf("expected upsert, got %+v", res)
		}

		res, err = s.UpdateOne(ctx, f, map[string]any{"defaultRole": "You are a pirate assistant."}, true)
		if err != nil {
			t.Fatalf("merge: %v", err)
		}
		if res.Matched != 1 || res.Upserted {
			t.Errorf("expected one match, got %+v", res)
		}

		doc, err := s.FindOne(ctx, f)
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		var enabled bool
		var role string
		if ok, err := doc.Decode("globalChatEnabled", &enabled); !ok || err != nil || !enabled {
			t.Errorf("globalChatEnabled lost: ok=%v err=%v val=%v", ok, err, enabled)
		}
		if ok, err := doc.Decode("defaultRole", &role); !ok || err != nil || role != "You are a pirate assistant." {
			t.Errorf("defaultRole not stored: ok=%v err=%v val=%q", ok, err, role)
		}
		if doc.UpdatedAt.IsZero() {
			t.Error("expected updated_at to be set")
		}
	})

	t.Run("update without upsert does not create", func(t *testing.T) {
		s := open()
		defer s.Close()

		f := database.Filter{Type: database.TypeUserSettings, Key: "1555"}
		res, err := s.UpdateOne(ctx, f, map[string]any{"enabled": true}, false)
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if res.Matched != 0 || res.Upserted {
			t.Errorf("expected no-op, got %+v", res)
		}
		if n, _ := s.Count(ctx, database.Filter{}); n != 0 {
			t.Errorf("expected empty store, got %d docs", n)
		}
	})

	t.Run("single document operations need identity", func(t *testing.T) {
		s := open()
		defer s.Close()

		if _, err := s.UpdateOne(ctx, database.Filter{Type: database.TypeConversation}, nil, true); !errors.Is(err, database.ErrInvalidFilter) {
			t.Errorf("expected ErrInvalidFilter, got %v", err)
		}
		if _, err := s.DeleteOne(ctx, database.Filter{Key: "x"}); !errors.Is(err, database.ErrInvalidFilter) {
			t.Errorf("expected ErrInvalidFilter, got %v", err)
		}
	})

	t.Run("history arrays round trip", func(t *testing.T) {
		s := open()
		defer s.Close()

		type turn struct {
			User      string `json:"user"`
			Assistant string `json:"assistant"`
			Timestamp int64  `json:"timestamp"`
		}
		in := []turn{{"hi", "hello", 1}, {"how are you", "fine", 2}}
		f := database.Filter{Type: database.TypeConversation, Key: "user_1"}
		if _, err := s.UpdateOne(ctx, f, map[string]any{"history": in}, true); err != nil {
			t.Fatalf("upsert: %v", err)
		}

		doc, err := s.FindOne(ctx, f)
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		var out []turn
		if _, err := doc.Decode("history", &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(out) != 2 || out[1].Assistant != "fine" || out[1].Timestamp != 2 {
			t.Errorf("unexpected history %+v", out)
		}
	})

	t.Run("filters and deletes", func(t *testing.T) {
		s := open()
		defer s.Close()

		seed := []database.Filter{
			{Type: database.TypeConversation, Key: "user_1"},
			{Type: database.TypeConversation, Key: "group_a@g.us"},
			{Type: database.TypePersonalRole, Key: "user_1"},
			{Type: database.TypeUserSettings, Key: "1"},
		}
		for _, f := range seed {
			if _, err := s.UpdateOne(ctx, f, map[string]any{"v": 1}, true); err != nil {
				t.Fatalf("seed %v: %v", f, err)
			}
		}

		if n, _ := s.Count(ctx, database.Filter{Type: database.TypeConversation}); n != 2 {
			t.Errorf("expected 2 conversations, got %d", n)
		}
		if n, _ := s.Count(ctx, database.Filter{ExcludeType: database.TypeConversation}); n != 2 {
			t.Errorf("expected 2 non-conversation docs, got %d", n)
		}

		docs, err := s.Find(ctx, database.Filter{Type: database.TypeConversation})
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if len(docs) != 2 || docs[0].Key != "group_a@g.us" || docs[1].Key != "user_1" {
			t.Errorf("expected docs ordered by key, got %v", docs)
		}

		future := time.Now().Add(time.Hour)
		if n, _ := s.Count(ctx, database.Filter{UpdatedBefore: future}); n != 4 {
			t.Errorf("expected all docs older than an hour from now, got %d", n)
		}
		past := time.Now().Add(-time.Hour)
		if n, _ := s.Count(ctx, database.Filter{UpdatedBefore: past}); n != 0 {
			t.Errorf("expected no docs older than an hour ago, got %d", n)
		}

		n, err := s.DeleteOne(ctx, database.Filter{Type: database.TypeConversation, Key: "missing"})
		if err != nil || n != 0 {
			t.Errorf("delete missing: n=%d err=%v", n, err)
		}

		n, err = s.DeleteMany(ctx, database.Filter{Type: database.TypeConversation})
		if err != nil || n != 2 {
			t.Errorf("delete conversations: n=%d err=%v", n, err)
		}
		if _, err := s.FindOne(ctx, database.Filter{Type: database.TypePersonalRole, Key: "user_1"}); err != nil {
			t.Errorf("role document should survive: %v", err)
		}
	})

	t.Run("indexes", func(t *testing.T) {
		s := open()
		defer s.Close()

		if err := database.EnsureIndexes(ctx, s); err != nil {
			t.Errorf("EnsureIndexes: %v", err)
		}
		if err := database.EnsureIndexes(ctx, s); err != nil {
			t.Errorf("EnsureIndexes should be idempotent: %v", err)
		}
		if err := s.CreateIndex(ctx, "bad field"); err == nil && !isMemory(s) {
			t.Error("expected invalid field name to be rejected")
		}
	})
}

func isMemory(s database.Store) bool {
	_, ok := s.(*MemoryStore)
	return ok
}

func TestOpenSQLiteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "wachat.db")
	ctx := context.Background()

	s, err := OpenSQLite(database.SQLiteConfig{Path: path}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f := database.Filter{Type: database.TypeUserSettings, Key: "15550001234"}
	if _, err := s.UpdateOne(ctx, f, map[string]any{"enabled": true}, true); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = OpenSQLite(database.SQLiteConfig{Path: path}, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	if s.Path() != path {
		t.Errorf("unexpected path %q", s.Path())
	}
	if _, err := s.FindOne(ctx, f); err != nil {
		t.Errorf("document lost across reopen: %v", err)
	}
}

func TestOpenViaFactory(t *testing.T) {
	cfg := database.Config{Backend: database.BackendMemory}
	s, err := database.Open(cfg, nil)
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	defer s.Close()

	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}

	if _, err := database.Open(database.Config{Backend: "mysql"}, nil); err == nil {
		t.Error("expected unknown backend to fail")
	}
}

func TestPostgresDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  database.PostgreSQLConfig
		want string
	}{
		{"explicit dsn", database.PostgreSQLConfig{DSN: "postgres://x/y"}, "postgres://x/y"},
		{"fields", database.PostgreSQLConfig{Host: "db", Port: 5433, Database: "wachat", User: "bot", Password: "p@ss"},
			"postgres://bot:p%40ss@db:5433/wachat?sslmode=disable"},
		{"defaults", database.PostgreSQLConfig{Database: "w"}, "postgres://localhost:5432/w?sslmode=disable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := postgresDSN(tt.cfg); got != tt.want {
				t.Errorf("postgresDSN() = %q, want %q", got, tt.want)
			}
		})
	}
}
