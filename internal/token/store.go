// Package token persists the last-known access token across process
// restarts in a single-row SQLite table.
package token

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // sqlite driver
	"go.uber.org/zap"

	"songbattle/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS auth_token (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	token TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

// Store is a SQLite-backed core.TokenStore holding exactly one token.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStore opens (and if needed creates) the token database at path.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open token store: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize token store: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Load returns the stored token, or core.ErrNoToken when none is stored.
func (s *Store) Load() (string, error) {
	var token string
	err := s.db.QueryRow(`SELECT token FROM auth_token WHERE id = 1`).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", core.ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("failed to load token: %w", err)
	}

	return token, nil
}

// Save stores the token, replacing any previous value.
func (s *Store) Save(token string) error {
	_, err := s.db.Exec(`
		INSERT INTO auth_token (id, token, updated_at) VALUES (1, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at`,
		token)
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}

	s.logger.Debug("Token persisted")
	return nil
}

// Clear removes the stored token. Clearing an empty store is not an error.
func (s *Store) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM auth_token WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to clear token: %w", err)
	}

	s.logger.Debug("Token cleared")
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
