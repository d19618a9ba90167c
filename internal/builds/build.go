package builds

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cochaviz/kiln/arch"
)

const metaFile = "meta.json"

// Build is one build directory, builds/<id>/<arch>.
type Build struct {
	ID   string
	Arch arch.Architecture
	Dir  string
}

// ArtifactEntry is the record kept under images.<kind> in meta.json.
type ArtifactEntry struct {
	Path            string `json:"path"`
	SHA256          string `json:"sha256"`
	Size            int64  `json:"size"`
	SkipCompression bool   `json:"skip-compression,omitempty"`
}

// Path joins rel onto the build directory.
func (b *Build) Path(rel string) string {
	return filepath.Join(b.Dir, rel)
}

func (b *Build) MetaPath() string {
	return filepath.Join(b.Dir, metaFile)
}

// Meta reads and parses meta.json.
func (b *Build) Meta() (*Meta, error) {
	doc, err := b.readDocument()
	if err != nil {
		return nil, err
	}
	return &Meta{doc: doc}, nil
}

// ReadMetaKey looks up a dotted path such as "images.metal.path". A missing
// path yields None instead of an error so callers can branch on it.
func (b *Build) ReadMetaKey(dotted string) (string, error) {
	meta, err := b.Meta()
	if err != nil {
		return "", err
	}
	return meta.Get(dotted), nil
}

// MergeArtifact records entry under images.<kind>, replacing any previous
// entry for that kind. Other keys of meta.json are left untouched.
func (b *Build) MergeArtifact(kind string, entry ArtifactEntry) error {
	if kind == "" {
		return errors.New("artifact kind is required")
	}
	value, err := toDocument(entry)
	if err != nil {
		return fmt.Errorf("encode %s entry: %w", kind, err)
	}
	return b.update(func(doc map[string]any) {
		setPath(doc, []string{"images", kind}, value)
	})
}

// MergeMeta deep-merges patch into meta.json.
func (b *Build) MergeMeta(patch map[string]any) error {
	return b.update(func(doc map[string]any) {
		MergeDocument(doc, patch)
	})
}

func (b *Build) update(mutate func(doc map[string]any)) error {
	unlock, err := b.lockMeta()
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := b.readDocument()
	if err != nil {
		return err
	}
	mutate(doc)

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("encode %s: %w", metaFile, err)
	}
	return writeFileAtomically(b.Dir, metaFile, 0o644, func(f *os.File) error {
		_, err := f.Write(buf.Bytes())
		return err
	})
}

func (b *Build) readDocument() (map[string]any, error) {
	data, err := os.ReadFile(b.MetaPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("build %s: %s: %w", b.ID, metaFile, ErrNotFound)
		}
		return nil, err
	}
	doc, err := decodeDocument(data)
	if err != nil {
		return nil, fmt.Errorf("build %s: parse %s: %w", b.ID, metaFile, err)
	}
	return doc, nil
}

func decodeDocument(data []byte) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var doc map[string]any
	if err := decoder.Decode(&doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

func toDocument(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return decodeDocument(data)
}
