package backends

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jholhewres/wachat/pkg/wachat/database"

	_ "github.com/mattn/go-sqlite3"
)

var sqliteDialect = dialect{
	name:        "sqlite",
	placeholder: func(int) string { return "?" },
	schema: `CREATE TABLE IF NOT EXISTS ` + database.TableName + ` (
		doc_type   TEXT    NOT NULL,
		doc_key    TEXT    NOT NULL,
		data       TEXT    NOT NULL DEFAULT '{}',
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (doc_type, doc_key)
	);
	CREATE INDEX IF NOT EXISTS idx_` + database.TableName + `_updated ON ` + database.TableName + ` (updated_at);`,
	jsonParam: func(ph string) string { return "json(" + ph + ")" },
	merge:     func(current, patch string) string { return "json_patch(" + current + ", " + patch + ")" },
	indexExpr: func(field string) string { return "json_extract(data, '$." + field + "')" },
}

// SQLiteStore is the default store, a single SQLite file in WAL mode.
type SQLiteStore struct {
	sqlStore
	path string
}

// OpenSQLite opens or creates the database file and applies the schema.
func OpenSQLite(cfg database.SQLiteConfig, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "./data/wachat.db"
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5000
	}

	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=%s&_busy_timeout=%d&_foreign_keys=on",
		cfg.Path, cfg.JournalMode, cfg.BusyTimeout)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.Path, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{
		sqlStore: sqlStore{db: db, d: sqliteDialect, logger: logger},
		path:     cfg.Path,
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }
