package builds

import (
	"encoding/json"
	"fmt"
	"strings"
)

// None is what ReadMetaKey returns for a missing key.
const None = "None"

// Meta is a parsed meta.json. Unknown keys are kept as-is.
type Meta struct {
	doc map[string]any
}

// NewMeta wraps an already decoded document.
func NewMeta(doc map[string]any) *Meta {
	if doc == nil {
		doc = map[string]any{}
	}
	return &Meta{doc: doc}
}

// Document exposes the raw document.
func (m *Meta) Document() map[string]any {
	return m.doc
}

func (m *Meta) Name() string {
	return m.str("name")
}

func (m *Meta) Commit() string {
	return m.str("ostree-commit")
}

// Ref returns the OSTree ref, or "" when meta.json records null.
func (m *Meta) Ref() string {
	return m.str("ref")
}

// Image returns the artifact entry recorded for kind.
func (m *Meta) Image(kind string) (ArtifactEntry, bool) {
	raw, ok := m.Lookup("images." + kind)
	if !ok {
		return ArtifactEntry{}, false
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return ArtifactEntry{}, false
	}
	var entry ArtifactEntry
	if err := json.Unmarshal(data, &entry); err != nil || entry.Path == "" {
		return ArtifactEntry{}, false
	}
	return entry, true
}

// Lookup walks a dotted path.
func (m *Meta) Lookup(dotted string) (any, bool) {
	var current any = m.doc
	for _, part := range strings.Split(dotted, ".") {
		object, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = object[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Get renders the value at a dotted path as a string, or None.
func (m *Meta) Get(dotted string) string {
	value, ok := m.Lookup(dotted)
	if !ok || value == nil {
		return None
	}
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return fmt.Sprint(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}

func (m *Meta) str(key string) string {
	if value, ok := m.doc[key].(string); ok {
		return value
	}
	return ""
}
