// Package artifact maps dotted component identifiers onto files and writes
// them atomically.
package artifact

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// FSStore resolves "a.b.c" to <root>/a/b/c<ext>.
type FSStore struct {
	root string
	ext  string
}

// NewFSStore creates a store rooted at root. ext includes the leading dot.
func NewFSStore(root, ext string) *FSStore {
	return &FSStore{root: root, ext: ext}
}

// Rel returns the slash-separated path of id relative to the store root.
func (s *FSStore) Rel(id string) (string, error) {
	parts := strings.Split(id, ".")
	for _, p := range parts {
		if !segmentPattern.MatchString(p) {
			return "", fmt.Errorf("invalid artifact id %q", id)
		}
	}
	return strings.Join(parts, "/") + s.ext, nil
}

// Path returns the absolute file path of id.
func (s *FSStore) Path(id string) (string, error) {
	rel, err := s.Rel(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(rel)), nil
}

// Read returns the artifact's bytes. A missing artifact wraps fs.ErrNotExist.
func (s *FSStore) Read(id string) ([]byte, error) {
	path, err := s.Path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", id, err)
	}
	return data, nil
}

// Write replaces the artifact atomically: temp file, fsync, rename. The
// previous file mode is kept.
func (s *FSStore) Write(id string, data []byte) error {
	path, err := s.Path(id)
	if err != nil {
		return err
	}
	mode := fs.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	return WriteFileAtomic(path, data, mode)
}

// WriteFileAtomic writes data next to path and renames it into place.
func WriteFileAtomic(path string, data []byte, mode fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".aipha-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}
