package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// SQLiteStore is a single-file DocumentStore for servers that run without
// a cloud backend. Use ":memory:" for a throwaway database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at path and applies pending migrations.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// One writer at a time; WAL lets readers run alongside it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteStore) Create(ctx context.Context, id, content string) error {
	now := time.Now().UnixNano()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memos (id, content, version, created_at, updated_at) VALUES (?, ?, 0, ?, ?)`,
		id, content, now, now)
	if isUniqueViolation(err) {
		return fmt.Errorf("memo %q: %w", id, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert memo: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*DocumentInfo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, content, version, created_at, updated_at FROM memos WHERE id = ?`, id)
	info, err := scanInfo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("memo %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select memo: %w", err)
	}
	return info, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInfo(row scanner) (*DocumentInfo, error) {
	var (
		info             DocumentInfo
		created, updated int64
	)
	if err := row.Scan(&info.ID, &info.Content, &info.Version, &created, &updated); err != nil {
		return nil, err
	}
	info.CreatedAt = time.Unix(0, created)
	info.UpdatedAt = time.Unix(0, updated)
	return &info, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]DocumentInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, version, created_at, updated_at FROM memos ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list memos: %w", err)
	}
	defer rows.Close()

	var result []DocumentInfo
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memo: %w", err)
		}
		result = append(result, *info)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) UpdateContent(ctx context.Context, id, content string, version int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memos SET content = ?, version = ?, updated_at = ? WHERE id = ?`,
		content, version, time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("update memo: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update memo: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("memo %q: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) AppendRevision(ctx context.Context, id string, rev Revision) error {
	if rev.CreatedAt.IsZero() {
		rev.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO revisions (memo_id, version, content, editor_id, editor_name, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, rev.Version, rev.Content, rev.EditorID, rev.EditorName, rev.CreatedAt.UnixNano())
	switch {
	case isUniqueViolation(err):
		return fmt.Errorf("memo %q revision %d: %w", id, rev.Version, ErrAlreadyExists)
	case err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed"):
		return fmt.Errorf("memo %q: %w", id, ErrNotFound)
	case err != nil:
		return fmt.Errorf("insert revision: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRevisions(ctx context.Context, id string, fromVersion int64) ([]Revision, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, content, editor_id, editor_name, created_at
		 FROM revisions WHERE memo_id = ? AND version > ? ORDER BY version`,
		id, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("select revisions: %w", err)
	}
	defer rows.Close()

	var revs []Revision
	for rows.Next() {
		var (
			rev     Revision
			created int64
		)
		if err := rows.Scan(&rev.Version, &rev.Content, &rev.EditorID, &rev.EditorName, &created); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		rev.CreatedAt = time.Unix(0, created)
		revs = append(revs, rev)
	}
	return revs, rows.Err()
}
