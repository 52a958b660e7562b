// Package jsonfile provides a JSON file-based connection store.
package jsonfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/hay-kot/drupalctl/internal/core/connection"
)

// ConnectionFile is the root JSON structure stored on disk.
type ConnectionFile struct {
	Connection *connection.Connection `json:"connection,omitempty"`
	SavedAt    time.Time              `json:"saved_at,omitempty"`
}

// ConnectionStore implements connection.Store using a JSON file for persistence.
// The file holds session credentials and is written with mode 0600.
type ConnectionStore struct {
	path     string
	lifetime time.Duration
	mu       sync.RWMutex
}

// New creates a new JSON file store at the given path. Connections older
// than lifetime are reported as expired.
func New(path string, lifetime time.Duration) *ConnectionStore {
	if lifetime <= 0 {
		lifetime = connection.DefaultLifetime
	}
	return &ConnectionStore{path: path, lifetime: lifetime}
}

// Path returns the location of the connection file.
func (s *ConnectionStore) Path() string {
	return s.path
}

// Load returns the held connection. Returns ErrNoConnection if none is stored.
func (s *ConnectionStore) Load(ctx context.Context) (connection.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var file ConnectionFile
	err := s.withFileLock(syscall.LOCK_SH, func() error {
		var err error
		file, err = s.load()
		return err
	})
	if err != nil {
		return connection.Connection{}, err
	}

	if file.Connection == nil {
		return connection.Connection{}, connection.ErrNoConnection
	}

	return *file.Connection, nil
}

// Save replaces the held connection.
func (s *ConnectionStore) Save(ctx context.Context, c connection.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withFileLock(syscall.LOCK_EX, func() error {
		return s.save(ConnectionFile{Connection: &c, SavedAt: time.Now().UTC()})
	})
}

// Clear removes the connection file. Clearing an empty store is not an error.
func (s *ConnectionStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withFileLock(syscall.LOCK_EX, func() error {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove connection file: %w", err)
		}
		return nil
	})
}

// IsExpired reports whether c is older than the store's lifetime.
func (s *ConnectionStore) IsExpired(c connection.Connection) bool {
	return connection.Expired(c, s.lifetime, time.Now())
}

// withFileLock acquires a file lock, executes fn, then releases the lock.
// Shared locks may be held by several processes; exclusive locks by one.
func (s *ConnectionStore) withFileLock(lockType int, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer f.Close() //nolint:errcheck

	if err := syscall.Flock(int(f.Fd()), lockType); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN) //nolint:errcheck

	return fn()
}

// load reads the connection file from disk.
// Returns an empty ConnectionFile if the file doesn't exist.
func (s *ConnectionStore) load() (ConnectionFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ConnectionFile{}, nil
		}
		return ConnectionFile{}, fmt.Errorf("read connection file: %w", err)
	}

	if len(data) == 0 {
		return ConnectionFile{}, nil
	}

	var file ConnectionFile
	if err := json.Unmarshal(data, &file); err != nil {
		return ConnectionFile{}, fmt.Errorf("parse connection file: %w", err)
	}

	return file, nil
}

// save writes the connection file to disk atomically.
func (s *ConnectionStore) save(file ConnectionFile) error {
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal connection: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp) // best effort cleanup
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
