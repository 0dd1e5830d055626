// This file implements the SQLite-backed store, the default when MailPipe runs
// with a local state directory.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/MailPipe/internal/models"
	"github.com/BTreeMap/MailPipe/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	slog.Debug("SQLite database directory verified/created", "dir", dir)

	db, err := sql.Open("sqlite3", dsn+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// One connection serializes writers, which is what SQLite does anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("SQLite ping successful")

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle for eligibility queries.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

func (s *SQLiteStore) SaveProfile(ctx context.Context, p models.ServerProfile) error {
	if p.ID == "" {
		p.ID = util.NewProfileID()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save profile failed: %w", err)
	}
	defer tx.Rollback()

	if p.Active {
		if _, err := tx.ExecContext(ctx, `UPDATE server_profiles SET active = 0 WHERE id <> ?`, p.ID); err != nil {
			return fmt.Errorf("deactivate profiles failed: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO server_profiles (id, name, host, port, encryption, username, password, sender_address, sender_name, active, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, host = excluded.host, port = excluded.port,
		   encryption = excluded.encryption, username = excluded.username, password = excluded.password,
		   sender_address = excluded.sender_address, sender_name = excluded.sender_name,
		   active = excluded.active, updated_at = excluded.updated_at`,
		p.ID, nilIfEmpty(p.Name), p.Host, p.Port, string(p.Encryption), nilIfEmpty(p.Username), nilIfEmpty(p.Password),
		p.SenderAddress, nilIfEmpty(p.SenderName), p.Active, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save profile failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save profile failed: %w", err)
	}
	slog.Debug("SQLiteStore.SaveProfile", "id", p.ID, "host", p.Host, "active", p.Active)
	return nil
}

func (s *SQLiteStore) ActiveProfile(ctx context.Context) (models.ServerProfile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM server_profiles WHERE active = 1 LIMIT 1`)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNoActiveProfile
	}
	if err != nil {
		return p, fmt.Errorf("get active profile failed: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) SaveTemplate(ctx context.Context, t models.Template) error {
	placeholders, err := json.Marshal(t.Placeholders)
	if err != nil {
		return fmt.Errorf("marshal placeholders failed: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO email_templates (template_key, subject, body, footer, placeholders_json, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (template_key) DO UPDATE SET subject = excluded.subject, body = excluded.body,
		   footer = excluded.footer, placeholders_json = excluded.placeholders_json, updated_at = excluded.updated_at`,
		t.Key, t.Subject, t.Body, nilIfEmpty(t.Footer), string(placeholders), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save template %s failed: %w", t.Key, err)
	}
	slog.Debug("SQLiteStore.SaveTemplate", "key", t.Key)
	return nil
}

func (s *SQLiteStore) GetTemplate(ctx context.Context, key string) (models.Template, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM email_templates WHERE template_key = ?`, key)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("%w: %s", ErrTemplateNotFound, key)
	}
	if err != nil {
		return t, fmt.Errorf("get template %s failed: %w", key, err)
	}
	return t, nil
}

func (s *SQLiteStore) ListTemplates(ctx context.Context) ([]models.Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+templateColumns+` FROM email_templates ORDER BY template_key`)
	if err != nil {
		return nil, fmt.Errorf("list templates failed: %w", err)
	}
	defer rows.Close()
	var out []models.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template failed: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
