package database

import "time"

// Config selects and configures the store backend.
type Config struct {
	// Backend is "sqlite" (default), "postgresql" or "memory".
	Backend BackendType `yaml:"backend"`

	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
}

// SQLiteConfig holds SQLite options.
type SQLiteConfig struct {
	// Path to the database file (default: ./data/wachat.db).
	Path string `yaml:"path"`

	// JournalMode defaults to WAL.
	JournalMode string `yaml:"journal_mode"`

	// BusyTimeout in milliseconds (default: 5000).
	BusyTimeout int `yaml:"busy_timeout"`
}

// PostgreSQLConfig holds PostgreSQL options. DSN wins over the discrete
// fields when set.
type PostgreSQLConfig struct {
	DSN string `yaml:"dsn"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DefaultConfig returns the zero-configuration SQLite setup.
func DefaultConfig() Config {
	return Config{
		Backend: BackendSQLite,
		SQLite: SQLiteConfig{
			Path:        "./data/wachat.db",
			JournalMode: "WAL",
			BusyTimeout: 5000,
		},
		PostgreSQL: PostgreSQLConfig{
			Host:            "localhost",
			Port:            5432,
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
	}
}

// Effective returns a copy with defaults filled in for zero fields.
func (c Config) Effective() Config {
	def := DefaultConfig()
	out := c

	if out.Backend == "" {
		out.Backend = def.Backend
	}
	if out.SQLite.Path == "" {
		out.SQLite.Path = def.SQLite.Path
	}
	if out.SQLite.JournalMode == "" {
		out.SQLite.JournalMode = def.SQLite.JournalMode
	}
	if out.SQLite.BusyTimeout == 0 {
		out.SQLite.BusyTimeout = def.SQLite.BusyTimeout
	}

	pg := &out.PostgreSQL
	if pg.Host == "" {
		pg.Host = def.PostgreSQL.Host
	}
	if pg.Port == 0 {
		pg.Port = def.PostgreSQL.Port
	}
	if pg.SSLMode == "" {
		pg.SSLMode = def.PostgreSQL.SSLMode
	}
	if pg.MaxOpenConns == 0 {
		pg.MaxOpenConns = def.PostgreSQL.MaxOpenConns
	}
	if pg.MaxIdleConns == 0 {
		pg.MaxIdleConns = def.PostgreSQL.MaxIdleConns
	}
	if pg.ConnMaxLifetime == 0 {
		pg.ConnMaxLifetime = def.PostgreSQL.ConnMaxLifetime
	}
	return out
}
