package registry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists name → endpoint bindings for the registry server.
type Store interface {
	// Put binds name to endpoint, replacing any previous binding.
	Put(name, endpoint string) error

	// Get returns the endpoint bound to name. The bool is false when the
	// name is unbound.
	Get(name string) (string, bool, error)

	// Delete removes the binding for name. When ifEndpoint is non-empty the
	// binding is only removed if it currently points at that endpoint.
	// Returns whether a binding was removed.
	Delete(name, ifEndpoint string) (bool, error)

	// List returns all bindings whose name starts with prefix.
	List(prefix string) (map[string]string, error)

	Close() error
}

// SQLiteStore is a Store backed by a single SQLite database file, so
// registered names survive a registry server restart.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and if needed initializes) the store at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS names (
	name TEXT PRIMARY KEY,
	endpoint TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize names schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Put(name, endpoint string) error {
	_, err := s.db.Exec(
		`INSERT INTO names (name, endpoint, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		 endpoint = excluded.endpoint,
		 updated_at = excluded.updated_at`,
		name,
		endpoint,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put name %q: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) Get(name string) (string, bool, error) {
	var endpoint string
	err := s.db.QueryRow(`SELECT endpoint FROM names WHERE name = ?`, name).Scan(&endpoint)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get name %q: %w", name, err)
	}
	return endpoint, true, nil
}

func (s *SQLiteStore) Delete(name, ifEndpoint string) (bool, error) {
	var res sql.Result
	var err error
	if ifEndpoint == "" {
		res, err = s.db.Exec(`DELETE FROM names WHERE name = ?`, name)
	} else {
		res, err = s.db.Exec(`DELETE FROM names WHERE name = ? AND endpoint = ?`, name, ifEndpoint)
	}
	if err != nil {
		return false, fmt.Errorf("delete name %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete name %q: %w", name, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) List(prefix string) (map[string]string, error) {
	rows, err := s.db.Query(
		`SELECT name, endpoint FROM names WHERE name LIKE ? ESCAPE '\' ORDER BY name`,
		likePattern(prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("list names %q: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, endpoint string
		if err := rows.Scan(&name, &endpoint); err != nil {
			return nil, fmt.Errorf("scan name row: %w", err)
		}
		out[name] = endpoint
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate name rows: %w", err)
	}
	return out, nil
}

// likePattern escapes LIKE metacharacters so the prefix matches literally.
func likePattern(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

// MemoryStore is an in-memory Store for tests and single-process setups.
type MemoryStore struct {
	mu    sync.RWMutex
	names map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{names: make(map[string]string)}
}

func (s *MemoryStore) Put(name, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[name] = endpoint
	return nil
}

func (s *MemoryStore) Get(name string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	endpoint, ok := s.names[name]
	return endpoint, ok, nil
}

func (s *MemoryStore) Delete(name, ifEndpoint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.names[name]
	if !ok {
		return false, nil
	}
	if ifEndpoint != "" && current != ifEndpoint {
		return false, nil
	}
	delete(s.names, name)
	return true, nil
}

func (s *MemoryStore) List(prefix string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string)
	for name, endpoint := range s.names {
		if strings.HasPrefix(name, prefix) {
			out[name] = endpoint
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
