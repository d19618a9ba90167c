// Package builds resolves build identifiers to build directories and owns the
// per-build meta.json document.
package builds

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cochaviz/kiln/arch"
)

// Latest is the build id alias for the newest build.
const Latest = "latest"

// ErrNotFound is returned when a build or one of its artifacts does not exist.
var ErrNotFound = errors.New("not found")

// Store is the builds/ tree of a working directory.
type Store struct {
	Dir  string
	Arch arch.Architecture
}

// Index mirrors builds/builds.json. Builds are listed newest first.
type Index struct {
	SchemaVersion string       `json:"schema-version,omitempty"`
	Builds        []IndexEntry `json:"builds"`
}

type IndexEntry struct {
	ID     string   `json:"id"`
	Arches []string `json:"arches,omitempty"`
}

// Resolve maps id (or "latest") onto the build directory for the store's
// architecture.
func (s *Store) Resolve(id string) (*Build, error) {
	id = strings.TrimSpace(id)
	if id == "" || id == Latest {
		latest, err := s.latestID()
		if err != nil {
			return nil, err
		}
		id = latest
	}
	if strings.ContainsRune(id, filepath.Separator) || id == "." || id == ".." {
		return nil, fmt.Errorf("invalid build id %q", id)
	}

	dir := filepath.Join(s.Dir, id, s.Arch.String())
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("build %s (%s): %w", id, s.Arch, ErrNotFound)
		}
		return nil, fmt.Errorf("stat build dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("build %s: %s is not a directory", id, dir)
	}
	return &Build{ID: id, Arch: s.Arch, Dir: dir}, nil
}

// List returns the build ids recorded in builds.json, newest first.
func (s *Store) List() ([]string, error) {
	index, err := s.readIndex()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(index.Builds))
	for _, entry := range index.Builds {
		ids = append(ids, entry.ID)
	}
	return ids, nil
}

func (s *Store) latestID() (string, error) {
	if target, err := os.Readlink(filepath.Join(s.Dir, Latest)); err == nil {
		return filepath.Base(target), nil
	}

	index, err := s.readIndex()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("latest build: %w", ErrNotFound)
		}
		return "", err
	}
	for _, entry := range index.Builds {
		if len(entry.Arches) == 0 || containsArch(entry.Arches, s.Arch) {
			return entry.ID, nil
		}
	}
	return "", fmt.Errorf("latest build for %s: %w", s.Arch, ErrNotFound)
}

func (s *Store) readIndex() (*Index, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir, "builds.json"))
	if err != nil {
		return nil, err
	}
	var index Index
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse builds.json: %w", err)
	}
	return &index, nil
}

func containsArch(arches []string, a arch.Architecture) bool {
	for _, candidate := range arches {
		if arch.Normalize(candidate) == a {
			return true
		}
	}
	return false
}
