package redirect

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// stateEntry is the on-disk shape of the preserved target. SavedAt bounds the
// value's lifetime so a target from an abandoned login cannot resurface much
// later.
type stateEntry struct {
	RedirectTo string    `json:"redirect_to"`
	SavedAt    time.Time `json:"saved_at"`
}

// DefaultTTL is how long a preserved target stays honored on disk.
const DefaultTTL = 15 * time.Minute

// FileStore persists the redirect target to a state file so it survives the
// process restart that a full-page navigation implies for a CLI client.
// Writes go through a temp file and atomic rename, coordinated across
// processes with an exclusive-create lock file.
type FileStore struct {
	path string
	ttl  time.Duration
}

// NewFileStore creates a file-backed store at path. A zero ttl means
// DefaultTTL.
func NewFileStore(path string, ttl time.Duration) *FileStore {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &FileStore{path: path, ttl: ttl}
}

func (s *FileStore) Save(target string) error {
	lock, err := acquireLock(s.path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer lock.release()

	entry := stateEntry{RedirectTo: target, SavedAt: time.Now()}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	// Write to a temp file first, then atomically rename over the state file.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		if remErr := os.Remove(tmp); remErr != nil && !os.IsNotExist(remErr) {
			return fmt.Errorf("failed to rename state file: %v; failed to remove temp file: %w", err, remErr)
		}
		return fmt.Errorf("failed to rename state file: %w", err)
	}
	return nil
}

func (s *FileStore) TakeAndClear() (string, bool, error) {
	lock, err := acquireLock(s.path)
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer lock.release()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}

	// The value is consumed regardless of whether it parses or is still
	// fresh: read-once means delete-on-read.
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return "", false, fmt.Errorf("failed to clear state file: %w", err)
	}

	var entry stateEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return "", false, nil
	}
	if entry.RedirectTo == "" || time.Since(entry.SavedAt) > s.ttl {
		return "", false, nil
	}
	return entry.RedirectTo, true, nil
}

func (s *FileStore) Clear() error {
	lock, err := acquireLock(s.path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer lock.release()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
