package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// #region store-struct
// Store owns the SQLite connection shared by the governance components.
// Each component creates its own tables against DB().
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region open
// Open opens a SQLite database with WAL journaling and foreign keys enabled.
// The pragmas ride in the DSN so every pooled connection carries them, not
// just the one that happens to run a PRAGMA statement.
func Open(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("open db %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

// #endregion open

// #region accessors
// DB returns the underlying *sql.DB for component table ownership.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// #endregion accessors
