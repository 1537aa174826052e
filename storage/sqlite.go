package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"kanban-engine/domain"
)

type migration struct {
	version int
	sql     string
}

// migrations must stay ordered and sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS boards (
	id         TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	snapshot   TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
ALTER TABLE boards ADD COLUMN archived INTEGER NOT NULL DEFAULT 0;

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}

// SQLiteRepository keeps board snapshots in a local SQLite database. The row
// version doubles as the etag.
type SQLiteRepository struct {
	db *sqlx.DB
}

// NewSQLiteRepository opens (or creates) the database at path and applies
// pending migrations. Use ":memory:" for a throwaway database.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	if path == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	r := &SQLiteRepository{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return r, nil
}

// Close closes the underlying database.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) migrate() error {
	current := 0
	var tables int
	err := r.db.Get(&tables, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tables > 0 {
		if err := r.db.Get(&current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := r.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

type boardRow struct {
	ID       string `db:"id"`
	Version  int64  `db:"version"`
	Snapshot string `db:"snapshot"`
	Archived bool   `db:"archived"`
}

// Load returns the board and its version as etag. Archived boards are reported
// as not found without decoding the snapshot.
func (r *SQLiteRepository) Load(ctx context.Context, boardID string) (domain.Board, string, error) {
	var row boardRow
	err := r.db.GetContext(ctx, &row, "SELECT id, version, snapshot, archived FROM boards WHERE id = ?", boardID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Board{}, "", fmt.Errorf("board %s: %w", boardID, domain.ErrBoardNotFound)
	}
	if err != nil {
		return domain.Board{}, "", fmt.Errorf("loading board %s: %w", boardID, err)
	}
	if row.Archived {
		return domain.Board{}, "", fmt.Errorf("board %s is archived: %w", boardID, domain.ErrBoardNotFound)
	}
	var b domain.Board
	if err := sonic.UnmarshalString(row.Snapshot, &b); err != nil {
		return domain.Board{}, "", fmt.Errorf("decode board %s: %w", boardID, err)
	}
	return b, strconv.FormatInt(row.Version, 10), nil
}

func (r *SQLiteRepository) Insert(ctx context.Context, b domain.Board) error {
	snapshot, err := sonic.MarshalString(b)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO boards (id, version, snapshot, archived, updated_at) VALUES (?, ?, ?, ?, ?)",
		b.ID, b.Version, snapshot, b.Archived, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("inserting board %s: %w", b.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("board %s already exists: %w", b.ID, domain.ErrConcurrencyConflict)
	}
	return nil
}

func (r *SQLiteRepository) Replace(ctx context.Context, b domain.Board, etag string) error {
	expected, err := strconv.ParseInt(etag, 10, 64)
	if err != nil {
		return fmt.Errorf("board %s: malformed etag %q", b.ID, etag)
	}
	snapshot, err := sonic.MarshalString(b)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		"UPDATE boards SET version = ?, snapshot = ?, archived = ?, updated_at = ? WHERE id = ? AND version = ?",
		b.Version, snapshot, b.Archived, time.Now().UTC(), b.ID, expected)
	if err != nil {
		return fmt.Errorf("updating board %s: %w", b.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists int
	if err := r.db.GetContext(ctx, &exists, "SELECT COUNT(*) FROM boards WHERE id = ?", b.ID); err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("board %s: %w", b.ID, domain.ErrBoardNotFound)
	}
	return domain.ErrConcurrencyConflict
}
