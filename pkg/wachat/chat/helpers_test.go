package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jholhewres/wachat/pkg/wachat/channels"
	"github.com/jholhewres/wachat/pkg/wachat/database"
	"github.com/jholhewres/wachat/pkg/wachat/database/backends"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errStoreDown = errors.New("store unavailable")

// flakyStore wraps a store and fails selected operations on demand.
type flakyStore struct {
	database.Store
	failWrites atomic.Bool
	failReads  atomic.Bool

	// failAt fails only the failAt-th UpdateOne counted from failWriteAt.
	writes atomic.Int64
	failAt atomic.Int64
}

func (s *flakyStore) failWriteAt(n int64) {
	s.writes.Store(0)
	s.failAt.Store(n)
}

func newFlakyStore() *flakyStore {
	return &flakyStore{Store: backends.NewMemoryStore()}
}

func (s *flakyStore) FindOne(ctx context.Context, f database.Filter) (*database.Document, error) {
	if s.failReads.Load() {
		return nil, errStoreDown
	}
	return s.Store.FindOne(ctx, f)
}

func (s *flakyStore) Find(ctx context.Context, f database.Filter) ([]*database.Document, error) {
	if s.failReads.Load() {
		return nil, errStoreDown
	}
	return s.Store.Find(ctx, f)
}

func (s *flakyStore) UpdateOne(ctx context.Context, f database.Filter, set map[string]any, upsert bool) (database.UpdateResult, error) {
	n := s.writes.Add(1)
	if s.failWrites.Load() || n == s.failAt.Load() {
		return database.UpdateResult{}, errStoreDown
	}
	return s.Store.UpdateOne(ctx, f, set, upsert)
}

func (s *flakyStore) DeleteOne(ctx context.Context, f database.Filter) (int64, error) {
	if s.failWrites.Load() {
		return 0, errStoreDown
	}
	return s.Store.DeleteOne(ctx, f)
}

// fakeGenerator records prompts and answers with a fixed reply or error.
type fakeGenerator struct {
	mu      sync.Mutex
	prompts []Prompt
	reply   string
	err     error
	delay   time.Duration
}

func (g *fakeGenerator) Generate(ctx context.Context, p Prompt) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, p)
	reply, err, delay := g.reply, g.err, g.delay
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return reply, err
}

func (g *fakeGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

func (g *fakeGenerator) last() Prompt {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prompts[len(g.prompts)-1]
}

// rejectErr mimics a generator error reporting a refused payload.
type rejectErr struct{}

func (rejectErr) Error() string         { return "400 bad request" }
func (rejectErr) PayloadRejected() bool { return true }

type fakeDownloader struct {
	data []byte
	mime string
	err  error
}

func (d *fakeDownloader) DownloadMedia(context.Context, *channels.IncomingMessage) ([]byte, string, error) {
	return d.data, d.mime, d.err
}

func newTestEngine(t *testing.T, store database.Store, gen Generator) *Engine {
	t.Helper()
	if store == nil {
		store = backends.NewMemoryStore()
	}
	cfg := DefaultConfig()
	cfg.ReplyTimeout = time.Second
	e := NewEngine(cfg, store, gen, nil, testLogger())
	e.Load(context.Background())
	return e
}

func textMessage(from, content string) *channels.IncomingMessage {
	return &channels.IncomingMessage{
		ID:      "m1",
		Channel: "test",
		From:    from + "@s.whatsapp.net",
		ChatID:  from + "@s.whatsapp.net",
		Type:    channels.MessageText,
		Content: content,
	}
}

func groupMessage(group, from, content string) *channels.IncomingMessage {
	return &channels.IncomingMessage{
		ID:      "g1",
		Channel: "test",
		From:    from + "@s.whatsapp.net",
		ChatID:  group,
		IsGroup: true,
		Type:    channels.MessageText,
		Content: content,
	}
}
