// Package postgres provides a Lister over a PostgreSQL catalog table that
// records the namespace one row per entry.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fruitsalade/nsmirror/internal/logging"
	"github.com/fruitsalade/nsmirror/internal/metrics"
	"github.com/fruitsalade/nsmirror/internal/model"
	"github.com/fruitsalade/nsmirror/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
    path        TEXT PRIMARY KEY,
    parent_path TEXT NOT NULL,
    name        TEXT NOT NULL,
    is_dir      BOOLEAN NOT NULL DEFAULT FALSE,
    size        BIGINT NOT NULL DEFAULT 0,
    checksum    TEXT,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    modified_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS entries_parent_path_idx ON entries (parent_path);
`

// Config holds catalog connection settings.
type Config struct {
	DatabaseURL string `json:"database_url"`
	Migrate     bool   `json:"migrate"`
}

// Lister reads directory listings from the entries table.
type Lister struct {
	cfg    Config
	db     *sql.DB
	logger *zap.Logger
}

// Row maps to the entries table.
type Row struct {
	Path       string
	ParentPath string
	Name       string
	IsDir      bool
	Size       int64
	Checksum   sql.NullString
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// New creates a catalog lister. The database is opened by Connect.
func New(cfg Config, logger *zap.Logger) (*Lister, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required")
	}
	return &Lister{cfg: cfg, logger: logging.Named(logger, "storage.postgres")}, nil
}

// NewFromJSON creates a Lister from raw JSON config.
func NewFromJSON(raw json.RawMessage, logger *zap.Logger) (*Lister, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	return New(cfg, logger)
}

// Connect opens and pings the database, creating the schema when configured.
func (l *Lister) Connect(ctx context.Context) error {
	db, err := sql.Open("postgres", l.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping database: %w", err)
	}
	l.db = db

	if l.cfg.Migrate {
		if err := l.Migrate(ctx); err != nil {
			return err
		}
	}
	l.logger.Info("postgres lister ready")
	return nil
}

// Migrate creates the entries table if it does not exist.
func (l *Lister) Migrate(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate entries table: %w", err)
	}
	l.logger.Info("entries table ready")
	return nil
}

// List returns the children of p ordered by name.
func (l *Lister) List(ctx context.Context, p string) ([]model.Entry, error) {
	if l.db == nil {
		return nil, fmt.Errorf("postgres lister not connected")
	}
	start := time.Now()
	entries, err := l.list(ctx, model.CleanPath(p))
	metrics.RecordStorageOperation(l.Type(), "list", time.Since(start), err == nil || errors.Is(err, storage.ErrNotFound))
	return entries, err
}

func (l *Lister) list(ctx context.Context, p string) ([]model.Entry, error) {
	if p != "/" {
		var isDir bool
		err := l.db.QueryRowContext(ctx,
			`SELECT is_dir FROM entries WHERE path = $1`, p).Scan(&isDir)
		if err == sql.ErrNoRows || (err == nil && !isDir) {
			return nil, storage.NotFound(p)
		}
		if err != nil {
			return nil, &storage.TransientError{Op: "stat", Path: p, Err: err}
		}
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT path, parent_path, name, is_dir, size, checksum, created_at, modified_at
		 FROM entries WHERE parent_path = $1 AND path <> '/' ORDER BY name`, p)
	if err != nil {
		return nil, &storage.TransientError{Op: "list", Path: p, Err: err}
	}
	defer rows.Close()

	var entries []model.Entry
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.Path, &r.ParentPath, &r.Name, &r.IsDir,
			&r.Size, &r.Checksum, &r.CreatedAt, &r.ModifiedAt); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		e, err := rowToEntry(&r)
		if err != nil {
			l.logger.Warn("skipping malformed catalog row", zap.String("path", r.Path), zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func rowToEntry(r *Row) (model.Entry, error) {
	if r.IsDir {
		return model.NewDir(r.Path, r.CreatedAt, r.ModifiedAt)
	}
	return model.NewFile(r.Path, r.Size, r.Checksum.String, r.CreatedAt, r.ModifiedAt)
}

// Type returns "postgres".
func (l *Lister) Type() string { return "postgres" }

// Close closes the database connection.
func (l *Lister) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}
