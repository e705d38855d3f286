// Package backends provides the wachat document store implementations:
// SQLite (default), PostgreSQL and an in-memory store. Importing the
// package registers all of them with database.Register.
package backends

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/jholhewres/wachat/pkg/wachat/database"
)

func init() {
	database.Register(database.BackendSQLite, func(cfg database.Config, logger *slog.Logger) (database.Store, error) {
		return OpenSQLite(cfg.SQLite, logger)
	})
	database.Register(database.BackendPostgreSQL, func(cfg database.Config, logger *slog.Logger) (database.Store, error) {
		return OpenPostgreSQL(cfg.PostgreSQL, logger)
	})
	database.Register(database.BackendMemory, func(database.Config, *slog.Logger) (database.Store, error) {
		return NewMemoryStore(), nil
	})
}

// schemaVersion is the version recorded after the schema is applied.
const schemaVersion = 1

// dialect captures the SQL differences between backends.
type dialect struct {
	name string

	// placeholder returns the n-th (1-based) bind parameter.
	placeholder func(n int) string

	// schema creates the document table.
	schema string

	// jsonParam wraps a bind parameter holding JSON text.
	jsonParam func(ph string) string

	// merge returns the expression merging patch into the stored data.
	merge func(current, patch string) string

	// indexExpr returns the indexed expression for a data field.
	indexExpr func(field string) string
}

// sqlStore implements database.Store over database/sql.
type sqlStore struct {
	db     *sql.DB
	d      dialect
	logger *slog.Logger
}

var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const selectColumns = "doc_type, doc_key, data, updated_at"

// migrate applies the schema and records its version. It is idempotent.
func (s *sqlStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at BIGINT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.d.schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current < schemaVersion {
		q := fmt.Sprintf("INSERT INTO schema_version (version, applied_at) VALUES (%s, %s)",
			s.d.placeholder(1), s.d.placeholder(2))
		if _, err := s.db.ExecContext(ctx, q, schemaVersion, time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		s.logger.Info("database schema applied", "version", schemaVersion)
	}
	return nil
}

// where renders f as a WHERE clause starting at parameter n.
func (s *sqlStore) where(f database.Filter, n int) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		conds = append(conds, fmt.Sprintf(cond, s.d.placeholder(n+len(args))))
		args = append(args, arg)
	}

	if f.Type != "" {
		add("doc_type = %s", f.Type)
	}
	if f.Key != "" {
		add("doc_key = %s", f.Key)
	}
	if f.ExcludeType != "" {
		add("doc_type <> %s", f.ExcludeType)
	}
	if !f.UpdatedBefore.IsZero() {
		add("updated_at < %s", f.UpdatedBefore.UnixMilli())
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *sqlStore) FindOne(ctx context.Context, f database.Filter) (*database.Document, error) {
	where, args := s.where(f, 1)
	q := "SELECT " + selectColumns + " FROM " + database.TableName + where + " ORDER BY doc_type, doc_key LIMIT 1"

	doc, err := scanDocument(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find one: %w", err)
	}
	return doc, nil
}

func (s *sqlStore) Find(ctx context.Context, f database.Filter) ([]*database.Document, error) {
	where, args := s.where(f, 1)
	q := "SELECT " + selectColumns + " FROM " + database.TableName + where + " ORDER BY doc_type, doc_key"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	defer rows.Close()

	var out []*database.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("find: %w", err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (s *sqlStore) Count(ctx context.Context, f database.Filter) (int64, error) {
	where, args := s.where(f, 1)
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+database.TableName+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func (s *sqlStore) UpdateOne(ctx context.Context, f database.Filter, set map[string]any, upsert bool) (database.UpdateResult, error) {
	if err := database.RequireIdentity(f); err != nil {
		return database.UpdateResult{}, err
	}
	patch, err := json.Marshal(set)
	if err != nil {
		return database.UpdateResult{}, fmt.Errorf("encoding update: %w", err)
	}
	now := time.Now().UnixMilli()
	ph := s.d.placeholder

	update := fmt.Sprintf("UPDATE %s SET data = %s, updated_at = %s WHERE doc_type = %s AND doc_key = %s",
		database.TableName, s.d.merge("data", s.d.jsonParam(ph(1))), ph(2), ph(3), ph(4))
	res, err := s.db.ExecContext(ctx, update, string(patch), now, f.Type, f.Key)
	if err != nil {
		return database.UpdateResult{}, fmt.Errorf("update %s/%s: %w", f.Type, f.Key, err)
	}
	matched, err := res.RowsAffected()
	if err != nil {
		return database.UpdateResult{}, fmt.Errorf("update %s/%s: %w", f.Type, f.Key, err)
	}
	if matched > 0 || !upsert {
		return database.UpdateResult{Matched: matched}, nil
	}

	// A concurrent writer may have inserted the row since the UPDATE; the
	// conflict clause turns that race into a merge.
	insert := fmt.Sprintf(`INSERT INTO %[1]s (doc_type, doc_key, data, updated_at) VALUES (%[2]s, %[3]s, %[4]s, %[5]s)
		ON CONFLICT (doc_type, doc_key) DO UPDATE SET data = %[6]s, updated_at = excluded.updated_at`,
		database.TableName, ph(1), ph(2), s.d.jsonParam(ph(3)), ph(4),
		s.d.merge(database.TableName+".data", "excluded.data"))
	if _, err := s.db.ExecContext(ctx, insert, f.Type, f.Key, string(patch), now); err != nil {
		return database.UpdateResult{}, fmt.Errorf("upsert %s/%s: %w", f.Type, f.Key, err)
	}
	return database.UpdateResult{Upserted: true}, nil
}

func (s *sqlStore) DeleteOne(ctx context.Context, f database.Filter) (int64, error) {
	if err := database.RequireIdentity(f); err != nil {
		return 0, err
	}
	return s.DeleteMany(ctx, database.Filter{Type: f.Type, Key: f.Key})
}

func (s *sqlStore) DeleteMany(ctx context.Context, f database.Filter) (int64, error) {
	where, args := s.where(f, 1)
	res, err := s.db.ExecContext(ctx, "DELETE FROM "+database.TableName+where, args...)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqlStore) CreateIndex(ctx context.Context, field string) error {
	if !fieldName.MatchString(field) {
		return fmt.Errorf("invalid index field %q", field)
	}
	expr := "doc_type"
	if field != "type" {
		expr = s.d.indexExpr(field)
	}
	q := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)",
		database.TableName, strings.ToLower(field), database.TableName, expr)
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("create index on %s: %w", field, err)
	}
	return nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying pool, e.g. to share the SQLite file with the
// WhatsApp session store.
func (s *sqlStore) DB() *sql.DB { return s.db }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*database.Document, error) {
	var (
		doc     database.Document
		raw     []byte
		updated int64
	)
	if err := row.Scan(&doc.Type, &doc.Key, &raw, &updated); err != nil {
		return nil, err
	}
	doc.Data = map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc.Data); err != nil {
			return nil, fmt.Errorf("decoding %s/%s: %w", doc.Type, doc.Key, err)
		}
	}
	doc.UpdatedAt = time.UnixMilli(updated)
	return &doc, nil
}
