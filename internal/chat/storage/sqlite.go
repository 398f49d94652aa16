package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the embedded default backend. Records live in a single
// table keyed by (kind, id); media blobs reuse the same table under the
// media kind.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and if needed creates) the database at path. WAL
// keeps readers off the write lock; the busy timeout makes concurrent
// writers queue instead of failing with SQLITE_BUSY.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema setup failed: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			kind       TEXT NOT NULL,
			id         TEXT NOT NULL,
			data       BLOB NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (kind, id)
		)
	`)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, kind Kind, id string) ([]byte, error) {
	if err := validateKey(kind, id); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM records WHERE kind = ? AND id = ?", string(kind), id,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", kind, id, err)
	}
	return data, nil
}

func (s *SQLiteStore) Set(ctx context.Context, kind Kind, id string, data []byte) error {
	if err := validateKey(kind, id); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (kind, id, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (kind, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, string(kind), id, data, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", kind, id, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, kind Kind, id string) error {
	if err := validateKey(kind, id); err != nil {
		return err
	}
	// Deleting a missing record is a no-op.
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM records WHERE kind = ? AND id = ?", string(kind), id)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", kind, id, err)
	}
	return nil
}

func (s *SQLiteStore) ListIDs(ctx context.Context, kind Kind) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM records WHERE kind = ? ORDER BY updated_at DESC", string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) SaveBlob(ctx context.Context, name string, data []byte) error {
	return s.Set(ctx, KindMedia, name, data)
}

func (s *SQLiteStore) LoadBlob(ctx context.Context, name string) ([]byte, error) {
	return s.Get(ctx, KindMedia, name)
}

func (s *SQLiteStore) Size(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT SUM(LENGTH(data)) FROM records").Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
