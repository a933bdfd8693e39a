package archive

import (
	"fmt"
	"os"
	"path/filepath"
)

// ContentStore holds item content as one file per id. Blobs are written
// before the owning row commits, so a mid-crash leaves at most an inert
// orphan file and never a row without content. Retraction leaves the blob in
// place; if the tail id is handed out again the next write overwrites it.
type ContentStore struct {
	dir string
}

// NewContentStore ensures the content directory exists.
func NewContentStore(dir string) (*ContentStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("content directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &ContentStore{dir: dir}, nil
}

// Dir exposes the backing directory.
func (s *ContentStore) Dir() string {
	return s.dir
}

func (s *ContentStore) path(id int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("item.%d", id))
}

// Write durably stores content for the given id.
func (s *ContentStore) Write(id int64, text string) error {
	return os.WriteFile(s.path(id), []byte(text), 0o644)
}

// Read returns the content for the given id.
func (s *ContentStore) Read(id int64) (string, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
