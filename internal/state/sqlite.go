package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"modernc.org/sqlite"
)

// коды SQLITE_CORRUPT и SQLITE_NOTADB
const (
	sqliteCorrupt = 11
	sqliteNotADB  = 26
)

const schema = `CREATE TABLE IF NOT EXISTS seen_ids (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id  TEXT NOT NULL UNIQUE
)`

// SQLiteStore хранит просмотренные id в таблице seen_ids.
// Соединение открывается на время одной операции: процесс живёт один запуск.
type SQLiteStore struct {
	path     string
	readOnly bool
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) open(ctx context.Context) (*sql.DB, error) {
	if s.readOnly {
		db, err := sql.Open("sqlite", "file:"+s.path+"?mode=ro")
		if err != nil {
			return nil, fmt.Errorf("open state db: %w", err)
		}
		db.SetMaxOpenConns(1)
		return db, nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate state db: %w", err)
	}
	return db, nil
}

// Load читает id в порядке добавления. Повреждённая база переносится в .broken.
func (s *SQLiteStore) Load(ctx context.Context) (*SeenSet, error) {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return NewSeenSet(), nil
	}

	seen, err := s.load(ctx)
	if err != nil {
		if !isCorrupt(err) {
			return nil, err
		}
		if s.readOnly {
			return NewSeenSet(), nil
		}
		if rerr := os.Rename(s.path, s.path+".broken"); rerr != nil {
			return nil, fmt.Errorf("move broken state db: %w", rerr)
		}
		return NewSeenSet(), nil
	}
	return seen, nil
}

func (s *SQLiteStore) load(ctx context.Context) (*SeenSet, error) {
	db, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT id FROM seen_ids ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query seen ids: %w", err)
	}
	defer rows.Close()

	seen := NewSeenSet()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan seen id: %w", err)
		}
		seen.Add(id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate seen ids: %w", err)
	}
	return seen, nil
}

// Save дописывает новые id одной транзакцией. Удаления не бывает.
func (s *SQLiteStore) Save(ctx context.Context, seen *SeenSet) error {
	if s.readOnly {
		return ErrReadOnly
	}
	db, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin state tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO seen_ids(id) VALUES(?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, id := range seen.IDs() {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert seen id: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit state tx: %w", err)
	}
	return nil
}

func isCorrupt(err error) bool {
	var sqErr *sqlite.Error
	if !errors.As(err, &sqErr) {
		return false
	}
	switch sqErr.Code() & 0xff {
	case sqliteCorrupt, sqliteNotADB:
		return true
	}
	return false
}
