package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/jholhewres/wachat/pkg/wachat/database"
)

// Settings holds the global enable flag and the per-user and per-group
// overrides. It is a write-through cache: every mutation persists the full
// snapshot before returning, and a failed save rolls the change back.
type Settings struct {
	store  database.Store
	logger *slog.Logger

	// writeMu serializes mutations including their persistence.
	writeMu sync.Mutex

	mu     sync.RWMutex
	global bool
	users  map[string]bool
	groups map[string]bool
}

// SettingsStats summarizes the enablement tables.
type SettingsStats struct {
	GlobalEnabled bool `json:"global_enabled"`
	Users         int  `json:"users"`
	Groups        int  `json:"groups"`
	EnabledUsers  int  `json:"enabled_users"`
	EnabledGroups int  `json:"enabled_groups"`
}

// NewSettings creates an empty settings table backed by store.
func NewSettings(store database.Store, logger *slog.Logger) *Settings {
	if logger == nil {
		logger = slog.Default()
	}
	return &Settings{
		store:  store,
		logger: logger.With("component", "settings"),
		users:  make(map[string]bool),
		groups: make(map[string]bool),
	}
}

// Load replaces the tables with the stored ones. On error the tables are
// left empty with the global flag off, and the error is returned for the
// caller to log.
func (s *Settings) Load(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	global, users, groups, err := s.read(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.global = false
		s.users = make(map[string]bool)
		s.groups = make(map[string]bool)
		return &PersistenceError{Op: "load settings", Err: err}
	}
	s.global, s.users, s.groups = global, users, groups
	s.logger.Info("settings loaded", "global", global, "users", len(users), "groups", len(groups))
	return nil
}

func (s *Settings) read(ctx context.Context) (bool, map[string]bool, map[string]bool, error) {
	var global bool
	doc, err := s.store.FindOne(ctx, database.Filter{Type: database.TypeGlobalSettings, Key: database.GlobalKey})
	switch {
	case errors.Is(err, database.ErrNotFound):
	case err != nil:
		return false, nil, nil, err
	default:
		if _, err := doc.Decode("globalChatEnabled", &global); err != nil {
			return false, nil, nil, err
		}
	}

	users, err := s.readOverrides(ctx, database.TypeUserSettings)
	if err != nil {
		return false, nil, nil, err
	}
	groups, err := s.readOverrides(ctx, database.TypeGroupSettings)
	if err != nil {
		return false, nil, nil, err
	}
	return global, users, groups, nil
}

func (s *Settings) readOverrides(ctx context.Context, docType string) (map[string]bool, error) {
	docs, err := s.store.Find(ctx, database.Filter{Type: docType})
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(docs))
	for _, doc := range docs {
		var enabled bool
		ok, err := doc.Decode("enabled", &enabled)
		if err != nil {
			s.logger.Warn("skipping malformed override", "type", docType, "key", doc.Key, "error", err)
			continue
		}
		if ok {
			out[doc.Key] = enabled
		}
	}
	return out, nil
}

// GlobalEnabled returns the global flag.
func (s *Settings) GlobalEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.global
}

// Override returns the explicit override for id in scope, if any.
func (s *Settings) Override(scope Scope, id string) (enabled, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	enabled, ok = s.table(scope)[id]
	return enabled, ok
}

// ShouldRespond applies the enablement rule to sender.
func (s *Settings) ShouldRespond(sender Sender) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	override, ok := s.table(sender.Scope)[sender.ID]
	return ShouldRespond(s.global, override, ok)
}

// SetGlobal persists the global flag, then applies it. A failed write
// leaves both the store and the cache unchanged.
func (s *Settings) SetGlobal(ctx context.Context, enabled bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.saveGlobal(ctx, enabled); err != nil {
		return &PersistenceError{Op: "save settings", Err: err}
	}

	s.mu.Lock()
	s.global = enabled
	s.mu.Unlock()

	s.resync(ctx)
	s.logger.Info("global chat updated", "enabled", enabled)
	return nil
}

// SetOverride persists an explicit override, then applies it. There is no
// unset: an override can only be flipped.
func (s *Settings) SetOverride(ctx context.Context, scope Scope, id string, enabled bool) error {
	if id == "" {
		return &ValidationError{Field: "id", Reason: "empty " + scope.String() + " id"}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.saveOverride(ctx, scope, id, enabled); err != nil {
		return &PersistenceError{Op: "save settings", Err: err}
	}

	s.mu.Lock()
	s.table(scope)[id] = enabled
	s.mu.Unlock()

	s.resync(ctx)
	s.logger.Info("chat override updated", "scope", scope, "id", id, "enabled", enabled)
	return nil
}

// resync rewrites the full snapshot after a single-document change. The
// change itself is already durable, so a failure here is only logged.
func (s *Settings) resync(ctx context.Context) {
	if err := s.persistAll(ctx); err != nil {
		s.logger.Warn("settings snapshot rewrite failed", "error", err)
	}
}

func (s *Settings) saveGlobal(ctx context.Context, enabled bool) error {
	_, err := s.store.UpdateOne(ctx,
		database.Filter{Type: database.TypeGlobalSettings, Key: database.GlobalKey},
		map[string]any{"globalChatEnabled": enabled}, true)
	return err
}

func (s *Settings) saveOverride(ctx context.Context, scope Scope, id string, enabled bool) error {
	if scope == ScopeGroup {
		_, err := s.store.UpdateOne(ctx,
			database.Filter{Type: database.TypeGroupSettings, Key: id},
			map[string]any{"groupId": id, "enabled": enabled}, true)
		return err
	}
	_, err := s.store.UpdateOne(ctx,
		database.Filter{Type: database.TypeUserSettings, Key: id},
		map[string]any{"userId": id, "enabled": enabled}, true)
	return err
}

// PersistAll writes the full snapshot.
func (s *Settings) PersistAll(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.persistAll(ctx)
}

// persistAll must be called with writeMu held.
func (s *Settings) persistAll(ctx context.Context) error {
	s.mu.RLock()
	global := s.global
	users := cloneTable(s.users)
	groups := cloneTable(s.groups)
	s.mu.RUnlock()

	wrap := func(err error) error {
		return &PersistenceError{Op: "save settings", Err: err}
	}

	if err := s.saveGlobal(ctx, global); err != nil {
		return wrap(err)
	}
	for id, enabled := range users {
		if err := s.saveOverride(ctx, ScopeIndividual, id, enabled); err != nil {
			return wrap(err)
		}
	}
	for id, enabled := range groups {
		if err := s.saveOverride(ctx, ScopeGroup, id, enabled); err != nil {
			return wrap(err)
		}
	}
	return nil
}

// Stats counts the overrides.
func (s *Settings) Stats() SettingsStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := SettingsStats{GlobalEnabled: s.global, Users: len(s.users), Groups: len(s.groups)}
	for _, v := range s.users {
		if v {
			st.EnabledUsers++
		}
	}
	for _, v := range s.groups {
		if v {
			st.EnabledGroups++
		}
	}
	return st
}

// table must be called with mu held.
func (s *Settings) table(scope Scope) map[string]bool {
	if scope == ScopeGroup {
		return s.groups
	}
	return s.users
}

func cloneTable(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
