package backends

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jholhewres/wachat/pkg/wachat/database"
)

type docID struct{ typ, key string }

// MemoryStore is a process-local Store. Data is round-tripped through JSON
// on write so reads return the same shapes the SQL backends do.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[docID]*database.Document
	closed bool

	// now is replaceable in tests.
	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: map[docID]*database.Document{}, now: time.Now}
}

func matches(doc *database.Document, f database.Filter) bool {
	switch {
	case f.Type != "" && doc.Type != f.Type:
		return false
	case f.Key != "" && doc.Key != f.Key:
		return false
	case f.ExcludeType != "" && doc.Type == f.ExcludeType:
		return false
	case !f.UpdatedBefore.IsZero() && !doc.UpdatedAt.Before(f.UpdatedBefore):
		return false
	}
	return true
}

func cloneDoc(doc *database.Document) (*database.Document, error) {
	b, err := json.Marshal(doc.Data)
	if err != nil {
		return nil, err
	}
	out := &database.Document{Type: doc.Type, Key: doc.Key, UpdatedAt: doc.UpdatedAt}
	if err := json.Unmarshal(b, &out.Data); err != nil {
		return nil, err
	}
	return out, nil
}

// sorted returns matching documents ordered by type then key. Caller holds mu.
func (m *MemoryStore) sorted(f database.Filter) []*database.Document {
	var out []*database.Document
	for _, doc := range m.docs {
		if matches(doc, f) {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func (m *MemoryStore) FindOne(ctx context.Context, f database.Filter) (*database.Document, error) {
	docs, err := m.Find(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, database.ErrNotFound
	}
	return docs[0], nil
}

func (m *MemoryStore) Find(_ context.Context, f database.Filter) ([]*database.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errClosed
	}

	var out []*database.Document
	for _, doc := range m.sorted(f) {
		c, err := cloneDoc(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *MemoryStore) Count(_ context.Context, f database.Filter) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, errClosed
	}
	return int64(len(m.sorted(f))), nil
}

func (m *MemoryStore) UpdateOne(_ context.Context, f database.Filter, set map[string]any, upsert bool) (database.UpdateResult, error) {
	if err := database.RequireIdentity(f); err != nil {
		return database.UpdateResult{}, err
	}
	patch, err := cloneDoc(&database.Document{Data: set})
	if err != nil {
		return database.UpdateResult{}, fmt.Errorf("encoding update: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return database.UpdateResult{}, errClosed
	}

	id := docID{f.Type, f.Key}
	doc, ok := m.docs[id]
	if !ok {
		if !upsert {
			return database.UpdateResult{}, nil
		}
		doc = &database.Document{Type: f.Type, Key: f.Key, Data: map[string]any{}}
		m.docs[id] = doc
	}
	for k, v := range patch.Data {
		doc.Data[k] = v
	}
	doc.UpdatedAt = m.now()

	if !ok {
		return database.UpdateResult{Upserted: true}, nil
	}
	return database.UpdateResult{Matched: 1}, nil
}

func (m *MemoryStore) DeleteOne(ctx context.Context, f database.Filter) (int64, error) {
	if err := database.RequireIdentity(f); err != nil {
		return 0, err
	}
	return m.DeleteMany(ctx, database.Filter{Type: f.Type, Key: f.Key})
}

func (m *MemoryStore) DeleteMany(_ context.Context, f database.Filter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errClosed
	}

	var n int64
	for id, doc := range m.docs {
		if matches(doc, f) {
			delete(m.docs, id)
			n++
		}
	}
	return n, nil
}

// CreateIndex is a no-op.
func (m *MemoryStore) CreateIndex(context.Context, string) error { return nil }

func (m *MemoryStore) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errClosed
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

var errClosed = errors.New("memory store is closed")
