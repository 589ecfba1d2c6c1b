package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"zbackup/internal/backup"
	"zbackup/internal/database/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase implements the Database interface using SQLite.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

// NewSQLiteDatabase opens the database at path and applies any pending
// migrations. path can be a file path or ":memory:" for an in-memory database.
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteDatabase{db: db, path: path}, nil
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
// path can be a file path or ":memory:" for in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// every connection to ":memory:" is a separate database
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Operation tracking

func (s *SQLiteDatabase) CreateOperation(operation, parameters string) (*backup.Operation, error) {
	op := &backup.Operation{
		Operation:  operation,
		Parameters: parameters,
		Status:     "running",
		StartedAt:  time.Now().UTC(),
	}
	res, err := s.db.ExecContext(context.Background(),
		`INSERT INTO operations (operation, parameters, status, started_at) VALUES (?, ?, ?, ?)`,
		op.Operation, op.Parameters, op.Status, op.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}
	op.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading operation id: %w", err)
	}
	return op, nil
}

func (s *SQLiteDatabase) FinishOperation(id int64, status, errMsg string) error {
	res, err := s.db.ExecContext(context.Background(),
		`UPDATE operations SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("finishing operation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finishing operation: no operation with id %d", id)
	}
	return nil
}

func (s *SQLiteDatabase) ListOperations(limit int) ([]*backup.Operation, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT id, operation, parameters, status, error, started_at, finished_at
		 FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var ops []*backup.Operation
	for rows.Next() {
		op := &backup.Operation{}
		var finished sql.NullTime
		if err := rows.Scan(&op.ID, &op.Operation, &op.Parameters, &op.Status, &op.Error, &op.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		if finished.Valid {
			op.FinishedAt = &finished.Time
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	return ops, nil
}

// MaxOperationID returns the highest operation ID, or 0 for an empty history.
func (s *SQLiteDatabase) MaxOperationID() (int64, error) {
	var id int64
	err := s.db.QueryRowContext(context.Background(), `SELECT COALESCE(MAX(id), 0) FROM operations`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("getting max operation id: %w", err)
	}
	return id, nil
}

// Transfers

func (s *SQLiteDatabase) CreateTransfer(t *backup.TransferRecord) error {
	_, err := s.db.ExecContext(context.Background(),
		`INSERT INTO transfers (id, target, source, destination, snapshot, base, bookmark, bytes, noop, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Target, t.Source, t.Destination, t.Snapshot, t.Base, t.Bookmark, t.Bytes, t.Noop, t.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("creating transfer: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ListTransfers(target string, limit int) ([]*backup.TransferRecord, error) {
	query := `SELECT id, target, source, destination, snapshot, base, bookmark, bytes, noop, created_at FROM transfers`
	var args []any
	if target != "" {
		query += ` WHERE target = ?`
		args = append(args, target)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing transfers: %w", err)
	}
	defer rows.Close()

	var transfers []*backup.TransferRecord
	for rows.Next() {
		t := &backup.TransferRecord{}
		if err := rows.Scan(&t.ID, &t.Target, &t.Source, &t.Destination, &t.Snapshot, &t.Base, &t.Bookmark, &t.Bytes, &t.Noop, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning transfer: %w", err)
		}
		transfers = append(transfers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing transfers: %w", err)
	}
	return transfers, nil
}

// Archives

func (s *SQLiteDatabase) CreateArchive(a *backup.Archive) error {
	_, err := s.db.ExecContext(context.Background(),
		`INSERT INTO archives (id, filesystem, snapshot, base, size, encrypted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Filesystem, a.Snapshot, a.Base, a.Size, a.Encrypted, a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	return nil
}

const archiveColumns = `id, filesystem, snapshot, base, size, encrypted, created_at`

func scanArchive(row interface{ Scan(...any) error }) (*backup.Archive, error) {
	a := &backup.Archive{}
	if err := row.Scan(&a.ID, &a.Filesystem, &a.Snapshot, &a.Base, &a.Size, &a.Encrypted, &a.CreatedAt); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *SQLiteDatabase) FindArchive(id string) (*backup.Archive, error) {
	row := s.db.QueryRowContext(context.Background(), `SELECT `+archiveColumns+` FROM archives WHERE id = ?`, id)
	a, err := scanArchive(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding archive: %w", err)
	}
	return a, nil
}

func (s *SQLiteDatabase) ListArchives(filesystem string) ([]*backup.Archive, error) {
	query := `SELECT ` + archiveColumns + ` FROM archives`
	var args []any
	if filesystem != "" {
		query += ` WHERE filesystem = ?`
		args = append(args, filesystem)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing archives: %w", err)
	}
	defer rows.Close()

	var archives []*backup.Archive
	for rows.Next() {
		a, err := scanArchive(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning archive: %w", err)
		}
		archives = append(archives, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing archives: %w", err)
	}
	return archives, nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.Check(s.db)
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
func (s *SQLiteDatabase) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Compile-time check that SQLiteDatabase implements backup.Database interface
var _ backup.Database = (*SQLiteDatabase)(nil)
