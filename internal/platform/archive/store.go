// Package archive persists raw provider payloads before they are parsed, so
// a bad parse can always be replayed from the original bytes.
package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Store writes raw payloads keyed by category, feed, account and capture time.
type Store interface {
	Put(category, feed, account string, capturedAt time.Time, payload []byte) (string, error)
}

// FileStore keeps payloads under a local directory root. Paths follow
// {category}/{feed}/{account}/{YYYY-MM-DD-HH}/{timestamp}.xml so captures for
// the same hour land together.
type FileStore struct {
	root string
}

// NewFileStore constructs a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{root: dir}
}

// Put writes the payload and returns its relative key.
func (s *FileStore) Put(category, feed, account string, capturedAt time.Time, payload []byte) (string, error) {
	key := filepath.Join(
		category,
		feed,
		account,
		capturedAt.Format("2006-01-02-15"),
		capturedAt.Format("20060102150405")+".xml",
	)
	full := filepath.Join(s.root, key)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("archive: mkdir: %w", err)
	}
	if err := os.WriteFile(full, payload, 0o644); err != nil {
		return "", fmt.Errorf("archive: write %s: %w", key, err)
	}
	return key, nil
}
