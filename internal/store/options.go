package store

import (
	"fmt"
	"log/slog"
	"strings"
)

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option defines a configuration option for stores.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(path string) Option {
	return func(o *Opts) { o.DSN = path }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL URLs and key/value
// connection strings, "memory" for an empty DSN, and "sqlite" otherwise.
func DetectDSNType(dsn string) string {
	switch {
	case dsn == "":
		return "memory"
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres"
	case strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname="):
		return "postgres"
	default:
		return "sqlite"
	}
}

// Open creates the store matching the DSN type.
func Open(dsn string) (Store, error) {
	kind := DetectDSNType(dsn)
	slog.Debug("store.Open: selecting backend", "type", kind, "dsn_set", dsn != "")
	switch kind {
	case "memory":
		return NewInMemoryStore(), nil
	case "postgres":
		s, err := NewPostgresStore(WithPostgresDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("open postgres store failed: %w", err)
		}
		return s, nil
	default:
		s, err := NewSQLiteStore(WithSQLiteDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store failed: %w", err)
		}
		return s, nil
	}
}
