package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Opener creates a Store for a backend.
type Opener func(cfg Config, logger *slog.Logger) (Store, error)

var (
	openersMu sync.RWMutex
	openers   = map[BackendType]Opener{}
)

// Register makes a backend available to Open. Backends call it from init;
// importing the backends package registers all of them.
func Register(t BackendType, open Opener) {
	openersMu.Lock()
	defer openersMu.Unlock()
	if _, dup := openers[t]; dup {
		panic("database: Register called twice for backend " + string(t))
	}
	openers[t] = open
}

// Backends lists the registered backend types.
func Backends() []string {
	openersMu.RLock()
	defer openersMu.RUnlock()
	out := make([]string, 0, len(openers))
	for t := range openers {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}

// Open opens the configured backend.
func Open(cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.Effective()

	openersMu.RLock()
	open, ok := openers[cfg.Backend]
	openersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown database backend %q (available: %v)", cfg.Backend, Backends())
	}

	store, err := open(cfg, logger.With("component", "database", "backend", string(cfg.Backend)))
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Backend, err)
	}
	return store, nil
}

// IndexedFields are the fields indexed at startup.
var IndexedFields = []string{"userId", "groupId", "conversationId", "type"}

// EnsureIndexes creates the lookup indexes. Failures are returned joined
// so one bad index does not hide the others.
func EnsureIndexes(ctx context.Context, s Store) error {
	var errs []error
	for _, f := range IndexedFields {
		if err := s.CreateIndex(ctx, f); err != nil {
			errs = append(errs, fmt.Errorf("index %s: %w", f, err))
		}
	}
	return errors.Join(errs...)
}
