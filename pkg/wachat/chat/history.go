package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/wachat/pkg/wachat/database"
)

// DefaultMaxHistory is the number of turns kept per conversation.
const DefaultMaxHistory = 20

// Turn is one exchange. Timestamp is in unix milliseconds.
type Turn struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
	Timestamp int64  `json:"timestamp"`
}

// Time returns the turn timestamp.
func (t Turn) Time() time.Time {
	return time.UnixMilli(t.Timestamp)
}

// Conversations stores the bounded history of each conversation id.
//
// Appends are read-modify-write over the whole history, so they are
// serialized per conversation id. Concurrent replies in one conversation
// never lose a turn within one process.
type Conversations struct {
	store  database.Store
	max    int
	logger *slog.Logger
	locks  keyedMutex
	now    func() time.Time
}

// NewConversations creates a conversation store keeping at most maxTurns
// turns per conversation (DefaultMaxHistory when <= 0).
func NewConversations(store database.Store, maxTurns int, logger *slog.Logger) *Conversations {
	if logger == nil {
		logger = slog.Default()
	}
	if maxTurns <= 0 {
		maxTurns = DefaultMaxHistory
	}
	return &Conversations{
		store:  store,
		max:    maxTurns,
		logger: logger.With("component", "history"),
		now:    time.Now,
	}
}

// MaxTurns returns the history bound.
func (c *Conversations) MaxTurns() int { return c.max }

// History returns the turns of a conversation, oldest first. It never
// fails: a missing record or a store error yields an empty history.
func (c *Conversations) History(ctx context.Context, id string) []Turn {
	turns, err := c.load(ctx, id)
	if err != nil {
		c.logger.Warn("reading history failed", "conversation", id, "error", err)
		return nil
	}
	return turns
}

func (c *Conversations) load(ctx context.Context, id string) ([]Turn, error) {
	doc, err := c.store.FindOne(ctx, conversationFilter(id))
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var turns []Turn
	if _, err := doc.Decode("history", &turns); err != nil {
		return nil, err
	}
	return turns, nil
}

// Append adds a turn and keeps only the newest MaxTurns turns.
func (c *Conversations) Append(ctx context.Context, id, userText, assistantText string) error {
	if id == "" {
		return &ValidationError{Field: "conversation", Reason: "empty id"}
	}

	unlock := c.locks.Lock(id)
	defer unlock()

	// A failed read must not be followed by a write: it would replace the
	// stored history with a single turn.
	turns, err := c.load(ctx, id)
	if err != nil {
		return &PersistenceError{Op: "load history", Err: err}
	}

	turns = append(turns, Turn{
		User:      userText,
		Assistant: assistantText,
		Timestamp: c.now().UnixMilli(),
	})
	if len(turns) > c.max {
		turns = turns[len(turns)-c.max:]
	}

	if _, err := c.store.UpdateOne(ctx, conversationFilter(id),
		map[string]any{"conversationId": id, "history": turns}, true); err != nil {
		return &PersistenceError{Op: "save history", Err: err}
	}
	return nil
}

// Clear deletes one conversation and reports how many records went away
// (0 or 1).
func (c *Conversations) Clear(ctx context.Context, id string) (int64, error) {
	if id == "" {
		return 0, nil
	}
	unlock := c.locks.Lock(id)
	defer unlock()

	n, err := c.store.DeleteOne(ctx, conversationFilter(id))
	if err != nil {
		return 0, &PersistenceError{Op: "delete history", Err: err}
	}
	return n, nil
}

// ClearAll deletes every conversation. Roles and settings are kept.
func (c *Conversations) ClearAll(ctx context.Context) (int64, error) {
	n, err := c.store.DeleteMany(ctx, database.Filter{Type: database.TypeConversation})
	if err != nil {
		return 0, &PersistenceError{Op: "delete all history", Err: err}
	}
	c.logger.Info("all conversations cleared", "removed", n)
	return n, nil
}

// Count returns the number of stored conversations.
func (c *Conversations) Count(ctx context.Context) (int64, error) {
	n, err := c.store.Count(ctx, database.Filter{Type: database.TypeConversation})
	if err != nil {
		return 0, &PersistenceError{Op: "count conversations", Err: err}
	}
	return n, nil
}

// PruneOlderThan deletes conversations last updated before cutoff.
func (c *Conversations) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := c.store.DeleteMany(ctx, database.Filter{
		Type:          database.TypeConversation,
		UpdatedBefore: cutoff,
	})
	if err != nil {
		return 0, &PersistenceError{Op: "prune history", Err: err}
	}
	if n > 0 {
		c.logger.Info("stale conversations pruned", "removed", n, "cutoff", cutoff)
	}
	return n, nil
}

func conversationFilter(id string) database.Filter {
	return database.Filter{Type: database.TypeConversation, Key: id}
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

// Lock blocks until key is free and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
