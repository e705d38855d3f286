package backends

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/jholhewres/wachat/pkg/wachat/database"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

var postgresDialect = dialect{
	name:        "postgresql",
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	schema: `CREATE TABLE IF NOT EXISTS ` + database.TableName + ` (
		doc_type   TEXT   NOT NULL,
		doc_key    TEXT   NOT NULL,
		data       JSONB  NOT NULL DEFAULT '{}'::jsonb,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (doc_type, doc_key)
	);
	CREATE INDEX IF NOT EXISTS idx_` + database.TableName + `_updated ON ` + database.TableName + ` (updated_at);`,
	jsonParam: func(ph string) string { return ph + "::jsonb" },
	merge:     func(current, patch string) string { return current + " || " + patch },
	indexExpr: func(field string) string { return "(data->>'" + field + "')" },
}

// PostgreSQLStore stores documents in a JSONB table.
type PostgreSQLStore struct {
	sqlStore
}

// OpenPostgreSQL connects through the pgx database/sql driver and applies
// the schema.
func OpenPostgreSQL(cfg database.PostgreSQLConfig, logger *slog.Logger) (*PostgreSQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("pgx", postgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgreSQLStore{sqlStore{db: db, d: postgresDialect, logger: logger}}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// postgresDSN returns cfg.DSN or a postgres:// URL built from the fields.
func postgresDSN(cfg database.PostgreSQLConfig) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	u := url.URL{
		Scheme:   "postgres",
		Host:     host + ":" + strconv.Itoa(port),
		Path:     "/" + cfg.Database,
		RawQuery: url.Values{"sslmode": {sslMode}}.Encode(),
	}
	if cfg.User != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	}
	return u.String()
}
