package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/jholhewres/wachat/pkg/wachat/database"
)

// MinRoleLength is the minimum trimmed length of any role text.
const MinRoleLength = 10

// DefaultRoleText is the persona used when nothing else is configured.
const DefaultRoleText = `You are an AI assistant integrated into a WhatsApp bot. You are:
- Helpful, friendly, and knowledgeable
- Capable of understanding context and maintaining conversations
- Able to analyze text, images, video and audio to provide comprehensive answers
- Smart and witty, but professional

Keep responses concise but informative. Be engaging and personable.`

// Roles resolves the persona for a sender: a personal (or group) role if
// one is stored for the exact target id, the default role otherwise.
type Roles struct {
	store  database.Store
	logger *slog.Logger

	// writeMu serializes default role updates with their persistence.
	writeMu sync.Mutex

	mu  sync.RWMutex
	def string
}

// NewRoles creates a resolver. An empty or too short defaultRole falls back
// to DefaultRoleText.
func NewRoles(store database.Store, defaultRole string, logger *slog.Logger) *Roles {
	if logger == nil {
		logger = slog.Default()
	}
	def, err := validateRole(defaultRole)
	if err != nil {
		def = DefaultRoleText
	}
	return &Roles{
		store:  store,
		logger: logger.With("component", "roles"),
		def:    def,
	}
}

// Load picks up a default role saved by SetDefaultRole. Without one the
// configured default stays.
func (r *Roles) Load(ctx context.Context) error {
	doc, err := r.store.FindOne(ctx, database.Filter{Type: database.TypeGlobalSettings, Key: database.GlobalKey})
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return &PersistenceError{Op: "load default role", Err: err}
	}

	var stored string
	ok, err := doc.Decode("defaultRole", &stored)
	if err != nil {
		return &PersistenceError{Op: "load default role", Err: err}
	}
	if !ok {
		return nil
	}
	role, err := validateRole(stored)
	if err != nil {
		r.logger.Warn("ignoring stored default role", "error", err)
		return nil
	}

	r.mu.Lock()
	r.def = role
	r.mu.Unlock()
	r.logger.Info("default role loaded", "length", len(role))
	return nil
}

// DefaultRole returns the current default role.
func (r *Roles) DefaultRole() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.def
}

// SetDefaultRole validates, persists and then installs a new default role.
// Personal roles are not touched.
func (r *Roles) SetDefaultRole(ctx context.Context, text string) error {
	role, err := validateRole(text)
	if err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if _, err := r.store.UpdateOne(ctx,
		database.Filter{Type: database.TypeGlobalSettings, Key: database.GlobalKey},
		map[string]any{"defaultRole": role}, true); err != nil {
		return &PersistenceError{Op: "save default role", Err: err}
	}

	r.mu.Lock()
	r.def = role
	r.mu.Unlock()
	r.logger.Info("default role updated", "length", len(role))
	return nil
}

// PersonalRole returns the role stored for sender's target id.
func (r *Roles) PersonalRole(ctx context.Context, sender Sender) (string, bool, error) {
	doc, err := r.store.FindOne(ctx, database.Filter{Type: database.TypePersonalRole, Key: sender.TargetID()})
	if errors.Is(err, database.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &PersistenceError{Op: "load personal role", Err: err}
	}
	var role string
	ok, err := doc.Decode("role", &role)
	if err != nil {
		return "", false, &PersistenceError{Op: "load personal role", Err: err}
	}
	return role, ok && role != "", nil
}

// Resolve returns the effective role for sender. Lookup errors fall back to
// the default role.
func (r *Roles) Resolve(ctx context.Context, sender Sender) string {
	role, ok, err := r.PersonalRole(ctx, sender)
	if err != nil {
		r.logger.Warn("personal role lookup failed, using default", "target", sender.TargetID(), "error", err)
	}
	if ok {
		return role
	}
	return r.DefaultRole()
}

// SetPersonalRole stores a role for sender's target id.
func (r *Roles) SetPersonalRole(ctx context.Context, sender Sender, text string) error {
	if !sender.Valid() {
		return &ValidationError{Field: "target", Reason: "empty id"}
	}
	role, err := validateRole(text)
	if err != nil {
		return err
	}

	target := sender.TargetID()
	if _, err := r.store.UpdateOne(ctx,
		database.Filter{Type: database.TypePersonalRole, Key: target},
		map[string]any{"targetId": target, "role": role}, true); err != nil {
		return &PersistenceError{Op: "save personal role", Err: err}
	}
	r.logger.Info("personal role set", "target", target)
	return nil
}

// ResetPersonalRole removes sender's role. Removing a missing role is not
// an error.
func (r *Roles) ResetPersonalRole(ctx context.Context, sender Sender) error {
	if !sender.Valid() {
		return &ValidationError{Field: "target", Reason: "empty id"}
	}
	target := sender.TargetID()
	n, err := r.store.DeleteOne(ctx, database.Filter{Type: database.TypePersonalRole, Key: target})
	if err != nil {
		return &PersistenceError{Op: "delete personal role", Err: err}
	}
	r.logger.Info("personal role reset", "target", target, "removed", n)
	return nil
}

func validateRole(text string) (string, error) {
	role := strings.TrimSpace(text)
	if utf8.RuneCountInString(role) < MinRoleLength {
		return "", &ValidationError{
			Field:  "role",
			Reason: fmt.Sprintf("must be at least %d characters", MinRoleLength),
		}
	}
	return role, nil
}
