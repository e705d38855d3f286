// Package database provides the durable document store used by wachat.
//
// All chatbot state lives in one logical table (chatbot_data) of JSON
// documents keyed by (type, key). The type discriminator separates global
// settings, per-user and per-group overrides, personal roles and
// conversation histories. Backends (SQLite by default, PostgreSQL, and an
// in-memory store for tests) live in the backends subpackage and register
// themselves with Register.
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// BackendType identifies a store implementation.
type BackendType string

const (
	BackendSQLite     BackendType = "sqlite"
	BackendPostgreSQL BackendType = "postgresql"
	BackendMemory     BackendType = "memory"
)

// TableName is the logical table holding every document.
const TableName = "chatbot_data"

// Document type discriminators.
const (
	TypeGlobalSettings = "globalSettings"
	TypeUserSettings   = "userSettings"
	TypeGroupSettings  = "groupSettings"
	TypePersonalRole   = "personalRole"
	TypeConversation   = "conversation"
)

// GlobalKey is the key of the single globalSettings document.
const GlobalKey = "global"

// ErrNotFound is returned by FindOne when no document matches.
var ErrNotFound = errors.New("document not found")

// Document is one stored record.
type Document struct {
	Type      string         `json:"type"`
	Key       string         `json:"key"`
	Data      map[string]any `json:"data"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Decode unmarshals field of Data into v. A missing field leaves v
// untouched and returns false.
func (d *Document) Decode(field string, v any) (bool, error) {
	raw, ok := d.Data[field]
	if !ok || raw == nil {
		return false, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return false, fmt.Errorf("re-encoding %s.%s: %w", d.Type, field, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("decoding %s.%s: %w", d.Type, field, err)
	}
	return true, nil
}

// Filter selects documents. Zero fields are ignored, so the zero Filter
// matches everything.
type Filter struct {
	Type          string
	Key           string
	ExcludeType   string
	UpdatedBefore time.Time
}

// UpdateResult reports what UpdateOne did.
type UpdateResult struct {
	Matched  int64
	Upserted bool
}

// Store is the durable document store.
type Store interface {
	// FindOne returns the first matching document or ErrNotFound.
	FindOne(ctx context.Context, f Filter) (*Document, error)

	// Find returns all matching documents ordered by type then key.
	Find(ctx context.Context, f Filter) ([]*Document, error)

	Count(ctx context.Context, f Filter) (int64, error)

	// UpdateOne merges set into the data of the document identified by
	// f.Type and f.Key and refreshes its timestamp. Fields not in set are
	// kept. With upsert, a missing document is created from set.
	UpdateOne(ctx context.Context, f Filter, set map[string]any, upsert bool) (UpdateResult, error)

	// DeleteOne deletes the document identified by f.Type and f.Key.
	DeleteOne(ctx context.Context, f Filter) (int64, error)

	DeleteMany(ctx context.Context, f Filter) (int64, error)

	// CreateIndex indexes a data field ("type" indexes the discriminator).
	CreateIndex(ctx context.Context, field string) error

	Ping(ctx context.Context) error
	Close() error
}

// ErrInvalidFilter is returned when a single-document operation lacks a
// type or key.
var ErrInvalidFilter = errors.New("filter must name a type and key")

// RequireIdentity checks that f addresses exactly one document.
func RequireIdentity(f Filter) error {
	if f.Type == "" || f.Key == "" {
		return ErrInvalidFilter
	}
	return nil
}
