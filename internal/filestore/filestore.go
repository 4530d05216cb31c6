// Package filestore implements atomic single-file persistence: every write
// goes to a temp file in the same directory and is renamed over the target,
// so a crash mid-write never leaves a half-written player or market file on
// disk.
package filestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
)

// Store reads and writes files rooted at dir.
type Store struct {
	dir string
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

// ReadYAML decodes name into out; a missing file is reported as os.IsNotExist.
func (s *Store) ReadYAML(name string, out any) error {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

// WriteYAML atomically replaces name with the YAML encoding of v.
func (s *Store) WriteYAML(name string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("filestore: marshal %s: %w", name, err)
	}
	return s.writeAtomic(name, data)
}

// ReadRaw returns name's raw bytes unparsed — used by BackupWorker, which
// embeds each player's literal on-disk YAML verbatim into its manifest.
func (s *Store) ReadRaw(name string) ([]byte, error) {
	return os.ReadFile(s.path(name))
}

// ReadJSON decodes name into out; used for market and backup manifest files.
func (s *Store) ReadJSON(name string, out any) error {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// WriteJSON atomically replaces name with the JSON encoding of v.
func (s *Store) WriteJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: marshal %s: %w", name, err)
	}
	return s.writeAtomic(name, data)
}

func (s *Store) writeAtomic(name string, data []byte) error {
	target := s.path(name)
	tmp, err := os.CreateTemp(s.dir, "."+filepath.Base(name)+".tmp-*")
	if err != nil {
		return fmt.Errorf("filestore: create temp for %s: %w", name, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("filestore: write temp for %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("filestore: fsync temp for %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("filestore: close temp for %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("filestore: rename into %s: %w", name, err)
	}
	return nil
}

// Exists reports whether name is present.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.path(name))
	return err == nil
}

// DeleteFile removes name; a missing file is not an error.
func (s *Store) DeleteFile(name string) error {
	err := os.Remove(s.path(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("filestore: delete %s: %w", name, err)
	}
	return nil
}

// Rename moves oldName to newName within the store, overwriting any existing
// file at newName.
func (s *Store) Rename(oldName, newName string) error {
	if err := os.Rename(s.path(oldName), s.path(newName)); err != nil {
		return fmt.Errorf("filestore: rename %s -> %s: %w", oldName, newName, err)
	}
	return nil
}

// ListFiles returns file names (not full paths) directly under dir whose
// name has the given suffix (e.g. ".yaml"); pass "" to list everything.
func (s *Store) ListFiles(suffix string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("filestore: list %s: %w", s.dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if suffix == "" || strings.HasSuffix(e.Name(), suffix) {
			out = append(out, e.Name())
		}
	}
	return out, nil
}
