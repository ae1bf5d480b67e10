package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/pavelanni/studyaide/internal/model"

	_ "modernc.org/sqlite"
)

// DefaultStateKey is the key the catalog blob is stored under.
const DefaultStateKey = "study-aide-exams"

// Store is the SQLite catalog backend. The whole catalog is kept as one
// JSON blob in a key-value table.
type Store struct {
	db  *sql.DB
	key string
}

func New(dbPath, stateKey string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if stateKey == "" {
		stateKey = DefaultStateKey
	}
	s := &Store{db: db, key: stateKey}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS catalog_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS catalog_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Load returns the stored catalog, or an empty one if nothing was saved yet.
func (s *Store) Load() (model.State, error) {
	data, err := s.LoadRaw()
	if err != nil {
		return model.State{}, err
	}
	if data == nil {
		return model.Normalize(model.State{}), nil
	}
	return model.DecodeState(data)
}

// LoadRaw returns the stored blob as is, or nil if nothing was saved yet.
func (s *Store) LoadRaw() ([]byte, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM catalog_state WHERE key = ?`, s.key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return []byte(value), nil
}

// Save replaces the stored catalog.
func (s *Store) Save(state model.State) error {
	data, err := model.EncodeState(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO catalog_state (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?, updated_at = ?`,
		s.key, string(data), time.Now(), string(data), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// UpdatedAt returns when the catalog was last saved; the zero time if never.
func (s *Store) UpdatedAt() (time.Time, error) {
	var t time.Time
	err := s.db.QueryRow(`SELECT updated_at FROM catalog_state WHERE key = ?`, s.key).Scan(&t)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	return t, err
}
